// Package policy implements the SOC's PolicyEngine: a pure function over an
// ActionContext that yields one of ALLOW, DENY, REQUIRE_APPROVAL, or
// DRY_RUN_ONLY. It gates remediation actions with a priority-ordered rule
// set: the lowest priority number wins when multiple rules match, and the
// first deny/approval short-circuits the rest.
//
// Evaluation runs in two stages. Built-in invariants (IP allowlist, loopback,
// RFC1918, destructive-action set, environment) are non-overridable and
// always run first, so these rules survive regardless of what an operator's
// policy file says. Operator-defined CEL policies (budget, rate limit,
// ai-judge, custom) layer on top of that.
package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentwarden/soc-sentry/internal/config"
)

// Decision is the outcome of PolicyEngine.Evaluate.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionDeny            Decision = "DENY"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
	DecisionDryRunOnly      Decision = "DRY_RUN_ONLY"
)

// Built-in invariant priorities, ascending; lowest wins. Kept as named
// constants so the rule table in documentation and code stay in lockstep.
const (
	PriorityWhitelistIP    = 5
	PriorityLoopbackIP     = 10
	PriorityPrivateIP      = 20
	PriorityDestructive    = 25
	PriorityProduction     = 30
	PriorityCustomPolicy   = 500 // operator CEL policies sit between built-ins and the default
	PriorityDefault        = 1000
)

// ActionInfo describes the remediation (or proxied) action under evaluation.
type ActionInfo struct {
	Kind   string                 // e.g. "block_ip", "isolate_agent", "rate_limit_user"
	Target string                 // IP, user id, session id -- whatever the action acts on
	Params map[string]interface{}
}

// SessionInfo provides session-level context for policy evaluation.
type SessionInfo struct {
	ID          string
	UserID      string
	Cost        float64
	ActionCount int

	// ActionCountByType backs the action_count_in_window CEL function.
	ActionCountByType func(actionType, window string) int
}

// AgentInfo identifies the agent or service account responsible for the
// triggering alert, if any.
type AgentInfo struct {
	ID        string
	Name      string
	DailyCost float64
}

// ActionContext holds everything Engine.Evaluate needs.
type ActionContext struct {
	Action      ActionInfo
	Session     SessionInfo
	Agent       AgentInfo
	Environment string // production, staging, dev, lab
	Metadata    map[string]interface{}
}

// Result is the outcome of evaluating a single ActionContext.
type Result struct {
	Decision Decision
	RuleName string
	Priority int
	Message  string
	Delay    time.Duration // non-zero only when a throttle-effect CEL policy matched
}

// Engine is the PolicyEngine. Safe for concurrent use; LoadPolicies can
// hot-swap the operator-defined policy set without stopping evaluation.
type Engine struct {
	mu          sync.RWMutex
	policies    []CompiledPolicy
	invariants  *Invariants
	loader      *Loader
	celEval     *CELEvaluator
	budget      *BudgetChecker
	logger      *slog.Logger

	configLoader *config.Loader
}

// NewEngine creates a PolicyEngine.
func NewEngine(loader *Loader, celEval *CELEvaluator, budget *BudgetChecker, invariants *Invariants, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		loader:     loader,
		celEval:    celEval,
		budget:     budget,
		invariants: invariants,
		logger:     logger.With("component", "policy.Engine"),
	}
}

// SetConfigLoader wires a config.Loader so ReloadPolicies can re-read config
// from disk on fsnotify events.
func (e *Engine) SetConfigLoader(cl *config.Loader) {
	e.mu.Lock()
	e.configLoader = cl
	e.mu.Unlock()
}

// LoadPolicies compiles the given operator-defined policy configs and
// atomically replaces the engine's active policy set.
func (e *Engine) LoadPolicies(configs []config.PolicyConfig) error {
	compiled, err := e.loader.LoadFromConfig(configs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()

	e.logger.Info("policies loaded into engine", "count", len(compiled))
	return nil
}

// ReloadPolicies re-reads config via the wired config.Loader and recompiles.
// This is the fsnotify hot-reload entry point.
func (e *Engine) ReloadPolicies() error {
	e.mu.RLock()
	cl := e.configLoader
	e.mu.RUnlock()

	if cl == nil {
		e.logger.Warn("ReloadPolicies called but no config loader is set")
		return nil
	}
	if err := cl.Reload(); err != nil {
		e.logger.Error("failed to reload config from disk", "error", err)
		return err
	}

	cfg := cl.Get()
	e.invariants.Update(cfg.Invariants)
	if err := e.LoadPolicies(cfg.Policies); err != nil {
		e.logger.Error("failed to compile reloaded policies", "error", err)
		return err
	}

	e.logger.Info("policies hot-reloaded successfully")
	return nil
}

// Evaluate runs ctx through the built-in invariants first, then any
// operator-defined CEL policies, then the default rule. The first rule that
// matches with priority < PriorityDefault wins (lowest priority number).
func (e *Engine) Evaluate(ctx ActionContext) Result {
	if r, ok := e.invariants.Evaluate(ctx); ok {
		e.logger.Warn("built-in invariant matched",
			"rule", r.RuleName, "priority", r.Priority, "decision", r.Decision,
			"action_kind", ctx.Action.Kind, "target", ctx.Action.Target,
		)
		return r
	}

	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	var longestThrottle *Result
	for _, p := range policies {
		result := e.evaluateOne(p, ctx)
		switch result.Decision {
		case DecisionDeny, DecisionRequireApproval:
			e.logger.Warn("policy matched",
				"policy", result.RuleName, "decision", result.Decision, "message", result.Message,
				"session_id", ctx.Session.ID, "action_kind", ctx.Action.Kind,
			)
			return result
		case DecisionAllow:
			if result.Delay > 0 && (longestThrottle == nil || result.Delay > longestThrottle.Delay) {
				r := result
				longestThrottle = &r
			}
		}
	}

	if longestThrottle != nil {
		return *longestThrottle
	}

	return Result{Decision: DecisionDryRunOnly, RuleName: "default", Priority: PriorityDefault}
}

func (e *Engine) evaluateOne(p CompiledPolicy, ctx ActionContext) Result {
	switch p.Category {
	case CategoryCEL:
		return e.evaluateCEL(p, ctx)
	case CategoryAIJudge:
		e.logger.Warn("ai-judge policy evaluation requires an async judge call, deferring to caller",
			"policy", p.Config.Name)
		return Result{Decision: DecisionRequireApproval, RuleName: p.Config.Name, Priority: PriorityCustomPolicy, Message: "pending AI judge evaluation"}
	case CategoryApproval:
		return Result{Decision: DecisionRequireApproval, RuleName: p.Config.Name, Priority: PriorityCustomPolicy, Message: p.Config.Message}
	default:
		e.logger.Warn("unknown policy category, allowing", "policy", p.Config.Name, "category", string(p.Category))
		return Result{Decision: DecisionAllow}
	}
}

func (e *Engine) evaluateCEL(p CompiledPolicy, ctx ActionContext) Result {
	if p.CELRule == nil {
		e.logger.Error("CEL policy has nil compiled rule, failing closed", "policy", p.Config.Name)
		return Result{Decision: DecisionDeny, RuleName: p.Config.Name, Priority: PriorityCustomPolicy, Message: "policy has nil compiled rule"}
	}

	matched, err := e.celEval.Evaluate(*p.CELRule, ctx)
	if err != nil {
		e.logger.Error("CEL evaluation error, failing closed (deny)", "policy", p.Config.Name, "error", err)
		return Result{Decision: DecisionDeny, RuleName: p.Config.Name, Priority: PriorityCustomPolicy, Message: "policy evaluation error: " + err.Error()}
	}
	if !matched {
		return Result{Decision: DecisionAllow}
	}

	result := Result{RuleName: p.Config.Name, Priority: PriorityCustomPolicy, Message: p.Config.Message}
	switch p.Config.Effect {
	case "deny", "terminate":
		result.Decision = DecisionDeny
	case "approve":
		result.Decision = DecisionRequireApproval
	case "throttle":
		result.Decision = DecisionAllow
		result.Delay = p.Config.Delay
	default:
		result.Decision = DecisionAllow
	}
	return result
}

// PolicyCount returns the number of currently loaded operator-defined
// policies (built-in invariants are not counted).
func (e *Engine) PolicyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policies)
}
