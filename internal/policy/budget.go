package policy

import "log/slog"

// BudgetChecker evaluates whether a session's accumulated cost exceeds a
// configured threshold. It is stateless -- the session cost is supplied by
// the caller (typically from the Analyst's session lookups).
type BudgetChecker struct {
	logger *slog.Logger
}

// NewBudgetChecker creates a BudgetChecker.
func NewBudgetChecker(logger *slog.Logger) *BudgetChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetChecker{logger: logger.With("component", "policy.BudgetChecker")}
}

// Check returns true if sessionCost has exceeded threshold.
func (b *BudgetChecker) Check(sessionCost, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	exceeded := sessionCost > threshold
	if exceeded {
		b.logger.Warn("budget threshold exceeded", "session_cost", sessionCost, "threshold", threshold)
	}
	return exceeded
}
