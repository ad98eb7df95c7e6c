package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentwarden/soc-sentry/internal/bus"
	"github.com/agentwarden/soc-sentry/internal/config"
	"github.com/agentwarden/soc-sentry/internal/detect"
	"github.com/agentwarden/soc-sentry/internal/memory"
	"github.com/oklog/ulid/v2"
)

const alertsTopic = "security.alerts"

// EnqueueResult mirrors RemediatorQueue's three-way enqueue outcome.
type EnqueueResult string

const (
	EnqueueAccepted     EnqueueResult = "accepted"
	EnqueueBackpressure EnqueueResult = "backpressure"
	EnqueueRejected     EnqueueResult = "rejected"
)

// PlaybookQueue is the subset of RemediatorQueue Analyst depends on.
type PlaybookQueue interface {
	Enqueue(ctx context.Context, p Playbook) EnqueueResult
}

// Analyst subscribes to security.alerts, scores each alert, and produces a
// Playbook for RemediatorQueue.
type Analyst struct {
	store       memory.Store
	b           *bus.Bus
	queue       PlaybookQueue
	weights     config.ScoreWeights
	cfg         config.AnalystConfig
	environment string
	behavior    *behaviorTracker
	logger      *slog.Logger
}

// New creates an Analyst. queue may be nil during bring-up before
// internal/remediate exists; playbooks are still scored and logged, just
// not handed off.
func New(store memory.Store, b *bus.Bus, queue PlaybookQueue, cfg config.AnalystConfig, environment string, logger *slog.Logger) *Analyst {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyst{
		store:       store,
		b:           b,
		queue:       queue,
		weights:     cfg.Weights,
		cfg:         cfg,
		environment: environment,
		behavior:    newBehaviorTracker(),
		logger:      logger.With("component", "analyst.Analyst"),
	}
}

// Run subscribes to security.alerts and processes each published alert until
// ctx is cancelled or the topic closes.
func (a *Analyst) Run(ctx context.Context) {
	sub := a.b.Subscribe(alertsTopic)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			alert, ok := msg.Payload.(detect.Alert)
			if !ok {
				a.logger.Error("unexpected payload on security.alerts", "type", fmt.Sprintf("%T", msg.Payload))
				continue
			}
			a.handleAlert(ctx, &alert)
		}
	}
}

// handleAlert is the per-alert pipeline: validate, score, guard, build a
// playbook, persist the decision, and enqueue the playbook.
func (a *Analyst) handleAlert(ctx context.Context, alert *detect.Alert) {
	if err := validateAlert(alert); err != nil {
		a.logger.Warn("dropping malformed alert", "alert_id", alert.ID, "error", err)
		return
	}

	s := a.computeScore(alert, a.environment)
	decision := decide(s, a.cfg)

	playbook := a.buildPlaybook(alert, decision, a.environment)
	playbook.ID = ulid.Make().String()

	a.persistDecision(alert, decision, s)
	a.behavior.record(alert.UserID, decision, time.Now())

	if decision == DecisionFalsePositive && alert.RuleID != "" {
		if err := a.store.RecordPatternFalsePositive(alert.RuleID); err != nil {
			a.logger.Warn("failed to record false positive", "rule_id", alert.RuleID, "error", err)
		}
	}

	if decision == DecisionFalsePositive {
		a.logger.Debug("alert judged false positive, no playbook enqueued", "alert_id", alert.ID)
		return
	}

	a.enqueueWithRetry(ctx, playbook)
}

// validateAlert checks an Alert's required invariants: a non-empty id,
// severity, threat_type, and at least one recognized evidence field.
func validateAlert(alert *detect.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("missing id")
	}
	if len(alert.ID) > 100 {
		return fmt.Errorf("id exceeds 100 chars")
	}
	if alert.Severity == "" {
		return fmt.Errorf("missing severity")
	}
	if alert.ThreatType == "" {
		return fmt.Errorf("missing threat_type")
	}
	for _, key := range []string{"pattern_matches", "similarity_score", "conversational_pattern", "llm_score"} {
		if _, ok := alert.Evidence[key]; ok {
			return nil
		}
	}
	return fmt.Errorf("evidence has none of the recognized fields")
}

func (a *Analyst) persistDecision(alert *detect.Alert, decision Decision, s score) {
	reasoning, err := json.Marshal(s.reasoning)
	if err != nil {
		reasoning = []byte("[]")
	}
	ctx := map[string]interface{}{
		"environment": a.environment,
		"degraded":    s.degraded,
	}
	ctxJSON, err := json.Marshal(ctx)
	if err != nil {
		ctxJSON = []byte("{}")
	}

	d := &memory.Decision{
		AlertID:        alert.ID,
		Decision:       string(decision),
		Certainty:      s.certainty,
		FPProbability:  s.fpProbability,
		Reasoning:      reasoning,
		AnalystContext: ctxJSON,
	}
	if err := a.store.StoreAlertDecision(d); err != nil {
		a.logger.Error("failed to persist alert decision", "alert_id", alert.ID, "error", err)
	}
}

// enqueueWithRetry applies producer-side backoff: 200ms base, 5 attempts.
// If the queue is still applying backpressure afterward, the playbook is
// dropped with a warning: it is not persisted anywhere, and no consumer
// picks it up later (only the decision was stored, by persistDecision).
// Analyst does not block the alert pipeline waiting for it.
func (a *Analyst) enqueueWithRetry(ctx context.Context, p Playbook) {
	if a.queue == nil {
		a.logger.Warn("no playbook queue configured, playbook scored but not dispatched", "playbook_id", p.ID, "alert_id", p.AlertID)
		return
	}
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		switch a.queue.Enqueue(ctx, p) {
		case EnqueueAccepted:
			return
		case EnqueueRejected:
			a.logger.Error("playbook rejected by queue (shutdown)", "playbook_id", p.ID)
			return
		case EnqueueBackpressure:
			a.logger.Warn("playbook queue backpressure, retrying", "playbook_id", p.ID, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	a.logger.Warn("playbook queue still backpressured after retries, dropping playbook", "playbook_id", p.ID)
}
