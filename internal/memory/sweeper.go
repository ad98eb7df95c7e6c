package memory

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically purges expired blocks via Store.SweepExpired, a
// background-goroutine-on-a-ticker, the same shape as ApprovalWorkflow's
// own timeout sweeper. Rate-limit rows have no expiry and are not swept.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A zero interval defaults to 60s.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "memory.Sweeper"),
	}
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.SweepExpired(time.Now().UTC())
			if err != nil {
				s.logger.Warn("sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("swept expired rows", "count", removed)
			}
		}
	}
}
