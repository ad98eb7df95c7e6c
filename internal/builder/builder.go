// Package builder implements Builder: the component that turns a stream of
// LogEntries into published, persisted, audited Alerts.
package builder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentwarden/soc-sentry/internal/bus"
	"github.com/agentwarden/soc-sentry/internal/detect"
	"github.com/agentwarden/soc-sentry/internal/memory"
	"github.com/oklog/ulid/v2"
)

const alertsTopic = "security.alerts"

// Analyzer is the subset of DetectorSet.Analyze Builder depends on.
type Analyzer interface {
	Analyze(ctx context.Context, log detect.LogEntry) (*detect.Alert, error)
}

// Builder consumes LogEntries, runs them through DetectorSet, and for each
// alert: persists it (asynchronously, via a bounded outbox), publishes it on
// the security.alerts bus topic, and emits an audit event. It never blocks
// the ingress stream on AgentMemory: a full outbox drops the persistence
// attempt, not the alert itself, and bumps a backpressure counter.
type Builder struct {
	detectors Analyzer
	store     memory.Store
	bus       *bus.Bus
	audit     *auditAppenderAdapter

	outbox       chan *memory.Alert
	backpressure atomic.Int64

	logger *slog.Logger
}

// New creates a Builder. outboxSize bounds the async persistence queue.
func New(detectors Analyzer, store memory.Store, b *bus.Bus, auditChain chainAppend, outboxSize int, logger *slog.Logger) *Builder {
	if outboxSize <= 0 {
		outboxSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	builder := &Builder{
		detectors: detectors,
		store:     store,
		bus:       b,
		audit:     &auditAppenderAdapter{append: auditChain},
		outbox:    make(chan *memory.Alert, outboxSize),
		logger:    logger.With("component", "builder.Builder"),
	}
	return builder
}

// chainAppend matches audit.Chain.Append's signature without importing the
// concrete *audit.Entry return type, so Builder depends only on the shape it
// needs.
type chainAppend func(eventType, actor string, payload []byte) error

type auditAppenderAdapter struct {
	append chainAppend
}

func (a *auditAppenderAdapter) Append(eventType, actor string, payload []byte) error {
	if a.append == nil {
		return nil
	}
	return a.append(eventType, actor, payload)
}

// Run starts the background outbox drain worker and blocks processing logs
// from in until the channel closes or ctx is cancelled.
func (b *Builder) Run(ctx context.Context, in <-chan detect.LogEntry) {
	go b.drainOutbox(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case log, ok := <-in:
			if !ok {
				return
			}
			b.process(ctx, log)
		}
	}
}

func (b *Builder) process(ctx context.Context, log detect.LogEntry) {
	alert, err := b.detectors.Analyze(ctx, log)
	if err != nil {
		b.logger.Error("detector set failed", "error", err)
		return
	}
	if alert == nil {
		return
	}
	if alert.ID == "" {
		alert.ID = ulid.Make().String()
	}
	if alert.Timestamp == 0 {
		alert.Timestamp = time.Now().Unix()
	}

	b.bus.Publish(alertsTopic, *alert)
	b.recordLearningHook(alert)
	b.enqueuePersist(alert)
	b.emitAudit(alert)
}

// recordLearningHook increments the matched pattern's detection_count.
// It only updates an existing Pattern row; nothing at startup stores rows
// for the built-in rule or exemplar ids, so for those (and for any rule_id
// with no row) this updates zero rows, which is not an error.
func (b *Builder) recordLearningHook(alert *detect.Alert) {
	if alert.RuleID == "" {
		return
	}
	if err := b.store.RecordPatternMatch(alert.RuleID); err != nil {
		b.logger.Warn("failed to record pattern match", "rule_id", alert.RuleID, "error", err)
	}
}

func (b *Builder) enqueuePersist(alert *detect.Alert) {
	persisted := toMemoryAlert(alert)
	select {
	case b.outbox <- persisted:
	default:
		n := b.backpressure.Add(1)
		b.logger.Warn("outbox full, dropping persistence attempt (alert already published)",
			"alert_id", alert.ID, "backpressure_total", n)
	}
}

func (b *Builder) emitAudit(alert *detect.Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		b.logger.Error("failed to marshal alert for audit", "error", err)
		return
	}
	if err := b.audit.Append("alert_created", "builder", payload); err != nil {
		b.logger.Error("failed to append audit entry", "error", err)
	}
}

func (b *Builder) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-b.outbox:
			if !ok {
				return
			}
			if err := b.store.StoreAlert(alert); err != nil {
				b.logger.Error("failed to persist alert", "alert_id", alert.ID, "error", err)
			}
		}
	}
}

// BackpressureCount reports how many alerts have had their persistence
// attempt dropped due to a full outbox since startup.
func (b *Builder) BackpressureCount() int64 {
	return b.backpressure.Load()
}

func toMemoryAlert(a *detect.Alert) *memory.Alert {
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		evidence = []byte("{}")
	}
	return &memory.Alert{
		ID:          a.ID,
		Timestamp:   time.Unix(a.Timestamp, 0).UTC(),
		Severity:    a.Severity,
		ThreatType:  a.ThreatType,
		Title:       a.Title,
		Description: a.Description,
		RuleID:      a.RuleID,
		Evidence:    evidence,
		AgentID:     a.AgentID,
		UserID:      a.UserID,
		SessionID:   a.SessionID,
		SrcIP:       a.SrcIP,
	}
}
