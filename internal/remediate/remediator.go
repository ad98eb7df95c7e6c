package remediate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwarden/soc-sentry/internal/analyst"
	"github.com/agentwarden/soc-sentry/internal/approval"
	"github.com/agentwarden/soc-sentry/internal/bus"
	"github.com/agentwarden/soc-sentry/internal/config"
	"github.com/agentwarden/soc-sentry/internal/memory"
	"github.com/agentwarden/soc-sentry/internal/policy"
	"github.com/sony/gobreaker/v2"
)

// chainAppend matches audit.Chain.Append's signature, same adapter type
// builder.go and approval/workflow.go already use.
type chainAppend func(eventType, actor string, payload []byte) error

// Remediator drains a Queue and executes each Playbook's Actions: validate,
// extract, whitelist, dry-run gate, policy-evaluate, dedupe, dispatch with
// retries and a circuit breaker, audit, and roll up a terminal status.
type Remediator struct {
	queue     *Queue
	store     memory.Store
	policy    *policy.Engine
	workflow  *approval.Workflow
	killSwitch *KillSwitch
	cascade   *CascadeTracker
	rateLimiter *policy.RateLimiter
	audit     chainAppend
	b         *bus.Bus
	cfg       config.RemediationConfig
	environment string

	catalogue map[string]Effector
	idem      *idempotencyTracker

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]

	logger *slog.Logger
}

// New creates a Remediator wired to its dependencies. audit may be nil in
// tests; b (the bus) may be nil if the ApprovalWorkflow approved-playbook
// feed isn't needed.
func New(
	queue *Queue,
	store memory.Store,
	policyEngine *policy.Engine,
	workflow *approval.Workflow,
	killSwitch *KillSwitch,
	cfg config.RemediationConfig,
	environment string,
	audit chainAppend,
	b *bus.Bus,
	logger *slog.Logger,
) *Remediator {
	if logger == nil {
		logger = slog.Default()
	}
	if killSwitch == nil {
		killSwitch = NewKillSwitch("", logger)
	}
	r := &Remediator{
		queue: queue, store: store, policy: policyEngine, workflow: workflow,
		killSwitch: killSwitch,
		cascade:    NewCascadeTracker(cfg.Cascade.Enabled, cfg.Cascade.MaxSessions, logger),
		rateLimiter: policy.NewRateLimiter(logger),
		audit:      audit, b: b, cfg: cfg, environment: environment,
		catalogue: newCatalogue(store, killSwitch, cfg.RateLimitDefault.Limit, cfg.RateLimitDefault.Window, logger),
		idem:      newIdempotencyTracker(),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[any]),
		logger:    logger.With("component", "remediate.Remediator"),
	}
	return r
}

// Run drains the queue with a pool of cfg.WorkerPoolSize workers until ctx
// is cancelled, and concurrently watches for playbooks an operator approved
// out-of-band via ApprovalWorkflow.
func (r *Remediator) Run(ctx context.Context) {
	var approvedSub *bus.Subscription
	if r.b != nil {
		approvedSub = r.b.Subscribe(approval.ApprovedTopic)
		defer approvedSub.Unsubscribe()
		go r.watchApproved(ctx, approvedSub)
	}

	workers := r.cfg.WorkerPoolSize
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, ok := r.queue.Dequeue(ctx)
				if !ok {
					return
				}
				r.process(ctx, p)
			}
		}()
	}
	wg.Wait()
}

func (r *Remediator) watchApproved(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			p, ok := msg.Payload.(analyst.Playbook)
			if !ok {
				continue
			}
			r.executeApproved(ctx, p)
		}
	}
}

// process is the top half of execute(): registers the playbook with
// ApprovalWorkflow, evaluates policy across its actions, and either
// executes immediately (all ALLOW), auto-rejects (any DENY), or hands off
// to a human (REQUIRE_APPROVAL): the dry_run -> approved transition is
// automatic when PolicyEngine returns ALLOW, else a signed approval
// decision is required.
func (r *Remediator) process(ctx context.Context, p analyst.Playbook) {
	tracked := r.workflow.Create(p)

	if r.killSwitch.IsBlocked("", "") {
		r.logger.Warn("global kill switch active, playbook held without execution", "playbook_id", tracked.ID)
		return
	}

	actions, err := r.prepareActions(tracked)
	if err != nil {
		r.finish(tracked.ID, "failed", "schema_invalid: "+err.Error())
		return
	}
	if len(actions) == 0 {
		r.finish(tracked.ID, "completed", "no actions")
		return
	}
	tracked.Actions = actions

	decision, results := r.evaluatePolicy(tracked, actions)
	for _, res := range results {
		if err := r.store.StoreRemediationDecision(res); err != nil {
			r.logger.Error("failed to persist remediation decision", "error", err)
		}
	}

	switch decision {
	case policy.DecisionDeny:
		if _, err := r.workflow.Reject(tracked.ID, "policy_engine", "denied by built-in invariant"); err != nil {
			r.logger.Error("reject failed", "playbook_id", tracked.ID, "error", err)
		}
	case policy.DecisionRequireApproval:
		if _, err := r.workflow.RequestApproval(tracked.ID); err != nil {
			r.logger.Error("request_approval failed", "playbook_id", tracked.ID, "error", err)
		}
	case policy.DecisionDryRunOnly:
		r.executePlaybook(ctx, tracked, true)
	default: // ALLOW
		approved, err := r.workflow.Approve(tracked.ID, "policy_engine")
		if err != nil {
			r.logger.Error("auto-approve failed", "playbook_id", tracked.ID, "error", err)
			return
		}
		r.executePlaybook(ctx, approved, false)
	}
}

// executeApproved resumes a playbook after an operator approves it via the
// ops API; the policy gate already ran in process(), so this goes straight
// to execution.
func (r *Remediator) executeApproved(ctx context.Context, p analyst.Playbook) {
	r.executePlaybook(ctx, p, false)
}

// prepareActions implements steps 1-3: schema validation, extraction, and
// whitelist/sanitization.
func (r *Remediator) prepareActions(p analyst.Playbook) ([]analyst.Action, error) {
	raw := extractActions(p)
	out := make([]analyst.Action, 0, len(raw))
	for _, a := range raw {
		valid, err := validateAction(a, r.catalogue)
		if err != nil {
			return nil, err
		}
		out = append(out, valid)
	}
	return out, nil
}

// evaluatePolicy runs PolicyEngine.Evaluate for every action (step 5) and
// returns the most restrictive decision across them (DENY beats
// REQUIRE_APPROVAL beats DRY_RUN_ONLY beats ALLOW), since ApprovalWorkflow
// gates the playbook as a whole rather than per-action.
func (r *Remediator) evaluatePolicy(p analyst.Playbook, actions []analyst.Action) (policy.Decision, []*memory.RemediationDecision) {
	rank := map[policy.Decision]int{
		policy.DecisionDeny: 0, policy.DecisionRequireApproval: 1,
		policy.DecisionDryRunOnly: 2, policy.DecisionAllow: 3,
	}
	worst := policy.DecisionAllow
	var records []*memory.RemediationDecision
	for _, a := range actions {
		entity := a.Parameter
		r.rateLimiter.RecordAction(entity, a.Kind)
		result := r.policy.Evaluate(policy.ActionContext{
			Action: policy.ActionInfo{Kind: a.Kind, Target: a.Parameter},
			Session: policy.SessionInfo{
				ID: entity,
				ActionCountByType: func(actionKind, window string) int {
					return r.rateLimiter.GetCount(entity, actionKind, window)
				},
			},
			Environment: r.environment,
		})
		records = append(records, &memory.RemediationDecision{
			PlaybookID: p.ID, ActionKind: a.Kind,
			Effect: string(result.Decision), Reason: result.Message,
		})
		if rank[result.Decision] < rank[worst] {
			worst = result.Decision
		}
	}
	return worst, records
}

// executePlaybook implements steps 4 and 6-9: dry-run gating, idempotency,
// effector dispatch with retry/breaker, audit, and terminal status.
func (r *Remediator) executePlaybook(ctx context.Context, p analyst.Playbook, forceDryRun bool) ExecutionResult {
	if !forceDryRun {
		if err := r.workflow.MarkExecuting(p.ID); err != nil {
			r.logger.Warn("mark_executing failed, continuing anyway", "playbook_id", p.ID, "error", err)
		}
	}
	realMode := r.cfg.RealMode && !forceDryRun
	var results []ActionResult

	for i, a := range p.Actions {
		fp := fingerprint(p.ID, i, a)
		if r.idem.seenOrRecord(fp) {
			results = append(results, ActionResult{Kind: a.Kind, Parameter: a.Parameter, Status: "already_done", Timestamp: time.Now().UTC()})
			continue
		}

		if !realMode && (a.RiskLevel == "high" || a.RiskLevel == "critical" || a.RequiresRealMode) {
			r.logger.Warn("[DRY-RUN] blocked high-risk action", "kind", a.Kind, "parameter", a.Parameter, "playbook_id", p.ID)
			results = append(results, ActionResult{Kind: a.Kind, Parameter: a.Parameter, Status: "skipped_dry_run", Timestamp: time.Now().UTC()})
			continue
		}

		res := r.dispatchAction(ctx, p.ID, a)
		results = append(results, res)
		r.appendAudit(p.ID, a, res)

		if res.Status == "completed" && (a.Kind == "suspend_user" || a.Kind == "isolate_agent") {
			results = append(results, r.cascadeAction(ctx, p, a, realMode)...)
		}
	}

	status := worstOutcome(results)
	r.finish(p.ID, status, fmt.Sprintf("%d actions processed", len(results)))
	return ExecutionResult{PlaybookID: p.ID, Status: status, Actions: results}
}

// cascadeAction offers terminate_session for each of an owner's other
// tracked sessions, each independently policy-gated, per SPEC_FULL.md §5's
// cascade remediation supplement.
func (r *Remediator) cascadeAction(ctx context.Context, p analyst.Playbook, triggering analyst.Action, realMode bool) []ActionResult {
	related := r.cascade.Related(triggering.Parameter, p.AlertID)
	if len(related) == 0 {
		return nil
	}
	var out []ActionResult
	for _, sessionID := range related {
		cascaded := analyst.Action{Kind: "terminate_session", Parameter: sessionID, RiskLevel: triggering.RiskLevel, RequiresRealMode: triggering.RequiresRealMode}
		result := r.policy.Evaluate(policy.ActionContext{
			Action: policy.ActionInfo{Kind: cascaded.Kind, Target: cascaded.Parameter}, Environment: r.environment,
		})
		if result.Decision != policy.DecisionAllow {
			out = append(out, ActionResult{Kind: cascaded.Kind, Parameter: sessionID, Status: "denied", Detail: result.Message, Timestamp: time.Now().UTC()})
			continue
		}
		if !realMode {
			out = append(out, ActionResult{Kind: cascaded.Kind, Parameter: sessionID, Status: "skipped_dry_run", Timestamp: time.Now().UTC()})
			continue
		}
		res := r.dispatchAction(ctx, p.ID, cascaded)
		out = append(out, res)
		r.appendAudit(p.ID, cascaded, res)
		r.cascade.Forget(triggering.Parameter, sessionID)
	}
	return out
}

// dispatchAction runs one action through its effector with retry (base
// 250ms, factor 2, max 3 attempts) wrapped in a per-effector circuit
// breaker.
func (r *Remediator) dispatchAction(ctx context.Context, playbookID string, a analyst.Action) ActionResult {
	effector, ok := r.catalogue[a.Kind]
	if !ok {
		return ActionResult{Kind: a.Kind, Parameter: a.Parameter, Status: "failed", Detail: "no effector for kind", Timestamp: time.Now().UTC()}
	}
	if (a.Kind == "isolate_agent" && r.killSwitch.IsBlocked(a.Parameter, "")) ||
		(a.Kind == "terminate_session" && r.killSwitch.IsBlocked("", a.Parameter)) {
		return ActionResult{Kind: a.Kind, Parameter: a.Parameter, Status: "skipped_dry_run", Detail: "kill switch active for target", Timestamp: time.Now().UTC()}
	}
	breaker := r.breakerFor(a.Kind)

	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		_, err := breaker.Execute(func() (any, error) {
			return nil, effector.Dispatch(ctx, a.Kind, a.Parameter, nil)
		})
		if err == nil {
			return ActionResult{Kind: a.Kind, Parameter: a.Parameter, Status: "completed", Timestamp: time.Now().UTC()}
		}
		lastErr = err
		if attempt < 2 {
			select {
			case <-ctx.Done():
				return ActionResult{Kind: a.Kind, Parameter: a.Parameter, Status: "failed", Detail: ctx.Err().Error(), Timestamp: time.Now().UTC()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	r.logger.Error("effector dispatch failed after retries", "kind", a.Kind, "playbook_id", playbookID, "error", lastErr)
	return ActionResult{Kind: a.Kind, Parameter: a.Parameter, Status: "failed", Detail: lastErr.Error(), Timestamp: time.Now().UTC()}
}

func (r *Remediator) breakerFor(kind string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[kind]; ok {
		return b
	}
	maxFailures := r.cfg.CircuitBreaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	cooldown := r.cfg.CircuitBreaker.CooldownTime
	if cooldown == 0 {
		cooldown = 60 * time.Second
	}
	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "remediate." + kind,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("effector circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[kind] = b
	return b
}

func (r *Remediator) appendAudit(playbookID string, a analyst.Action, res ActionResult) {
	if r.audit == nil {
		return
	}
	payload := []byte(fmt.Sprintf(`{"playbook_id":%q,"kind":%q,"parameter":%q,"status":%q,"detail":%q}`,
		playbookID, a.Kind, a.Parameter, res.Status, res.Detail))
	if err := r.audit("action_"+res.Status, "remediator", payload); err != nil {
		r.logger.Error("failed to append action audit entry", "error", err)
	}
}

func (r *Remediator) finish(playbookID, status, detail string) {
	if err := r.workflow.MarkTerminal(playbookID, status, "remediator", detail); err != nil {
		r.logger.Error("mark_terminal failed", "playbook_id", playbookID, "error", err)
	}
}

// Cascade returns the Remediator's CascadeTracker so the composition root
// can wire session.Manager's Observe/Forget hooks to the same instance
// cascadeAction consults.
func (r *Remediator) Cascade() *CascadeTracker {
	return r.cascade
}
