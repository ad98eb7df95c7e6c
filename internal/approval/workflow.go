// Package approval implements ApprovalWorkflow: it wraps Playbooks with
// approval state (pending, dry_run, approved, rejected, expired) and signs
// every transition into the audit chain. A locked map with a background
// timeout sweeper tracks each playbook's state; callers poll/observe state
// rather than block on a channel, since Remediator drains approved
// playbooks asynchronously rather than waiting inline for a human.
package approval

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentwarden/soc-sentry/internal/analyst"
	"github.com/agentwarden/soc-sentry/internal/bus"
)

// ApprovedTopic is where approved Playbooks are published so Remediator can
// resume a playbook that stalled at require_approval without polling.
const ApprovedTopic = "playbooks.approved"

// PendingApprovalTopic is where a Playbook is published the moment it needs
// a human decision, so an operator-facing alert channel can notify without
// polling ListPending.
const PendingApprovalTopic = "playbooks.pending_approval"

// chainAppend matches audit.Chain.Append's signature without importing the
// concrete *audit.Entry return type.
type chainAppend func(eventType, actor string, payload []byte) error

// DryRunSimulation is the record execute_dry_run produces: what the
// playbook would do, without doing it.
type DryRunSimulation struct {
	PlaybookID   string         `json:"playbook_id"`
	Actions      []analyst.Action `json:"actions"`
	BlastRadius  map[string]int `json:"blast_radius"` // action kind -> count
	ValidatedOK  bool           `json:"validated_ok"`
	ValidationErr string        `json:"validation_error,omitempty"`
}

// Workflow tracks in-flight Playbooks awaiting approval.
type Workflow struct {
	mu          sync.RWMutex
	playbooks   map[string]*analyst.Playbook
	approvalTTL time.Duration
	audit       chainAppend
	bus         *bus.Bus
	logger      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// SetBus wires the message bus Approve publishes ApprovedTopic to. Optional;
// without it approvals are only observable by polling Get/ListPending.
func (w *Workflow) SetBus(b *bus.Bus) {
	w.mu.Lock()
	w.bus = b
	w.mu.Unlock()
}

// New creates a Workflow. approvalTTL is the default expires_at horizon for
// a pending approval (spec default 24h).
func New(approvalTTL time.Duration, audit chainAppend, logger *slog.Logger) *Workflow {
	if approvalTTL <= 0 {
		approvalTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workflow{
		playbooks:   make(map[string]*analyst.Playbook),
		approvalTTL: approvalTTL,
		audit:       audit,
		logger:      logger.With("component", "approval.Workflow"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go w.expireLoop()
	return w
}

// Stop halts the background expiry sweeper.
func (w *Workflow) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Create registers a new Playbook. Per the state diagram, pending advances
// to dry_run automatically on intake; a playbook Analyst already started at
// dry_run (the medical/financial mandatory-approval guard) is left as-is.
func (w *Workflow) Create(p analyst.Playbook) analyst.Playbook {
	if p.Status == analyst.PlaybookPending {
		p.Status = analyst.PlaybookDryRun
	}
	w.mu.Lock()
	w.playbooks[p.ID] = &p
	w.mu.Unlock()
	w.appendAudit("playbook_created", "analyst", p.ID, p.Status)
	return p
}

// ExecuteDryRun simulates a playbook's actions without performing them,
// returning a blast-radius summary by action kind.
func (w *Workflow) ExecuteDryRun(id string) (*DryRunSimulation, error) {
	p, err := w.get(id)
	if err != nil {
		return nil, err
	}
	sim := &DryRunSimulation{
		PlaybookID:  id,
		Actions:     p.Actions,
		BlastRadius: map[string]int{},
		ValidatedOK: true,
	}
	for _, act := range p.Actions {
		sim.BlastRadius[act.Kind]++
		if act.Kind == "" {
			sim.ValidatedOK = false
			sim.ValidationErr = "action with empty kind"
		}
	}

	w.mu.Lock()
	if pb, ok := w.playbooks[id]; ok {
		if sim.ValidatedOK {
			pb.DryRunResult = fmt.Sprintf("%d actions, blast radius: %v", len(p.Actions), sim.BlastRadius)
		} else {
			pb.DryRunResult = "validation failed: " + sim.ValidationErr
		}
	}
	w.mu.Unlock()
	return sim, nil
}

// RequestApproval moves a playbook to pending with a fresh expiry, the
// state a human approver acts on.
func (w *Workflow) RequestApproval(id string) (analyst.Playbook, error) {
	w.mu.Lock()
	p, ok := w.playbooks[id]
	if !ok {
		w.mu.Unlock()
		return analyst.Playbook{}, fmt.Errorf("playbook %s not found", id)
	}
	p.Status = analyst.PlaybookPending
	p.ExpiresAt = time.Now().UTC().Add(w.approvalTTL)
	out := *p
	b := w.bus
	w.mu.Unlock()
	w.appendAudit("approval_requested", "analyst", id, string(out.Status))
	if b != nil {
		b.Publish(PendingApprovalTopic, out)
	}
	return out, nil
}

// Approve signs the decision and transitions a playbook to approved.
// Callers are responsible for checking the approver holds the "approver"
// capability before calling this.
func (w *Workflow) Approve(id, approver string) (analyst.Playbook, error) {
	w.mu.Lock()
	p, ok := w.playbooks[id]
	if !ok {
		w.mu.Unlock()
		return analyst.Playbook{}, fmt.Errorf("playbook %s not found", id)
	}
	if p.Status != analyst.PlaybookDryRun && p.Status != analyst.PlaybookPending {
		status := p.Status
		w.mu.Unlock()
		return analyst.Playbook{}, fmt.Errorf("playbook %s is %s, cannot approve", id, status)
	}
	p.Status = analyst.PlaybookApproved
	p.ApprovedBy = approver
	p.Signature = signApproval(id, approver)
	out := *p
	b := w.bus
	w.mu.Unlock()
	w.appendAudit("playbook_approved", approver, id, string(out.Status))
	if b != nil {
		b.Publish(ApprovedTopic, out)
	}
	return out, nil
}

// Reject transitions a playbook to rejected with a reason recorded in its
// justification.
func (w *Workflow) Reject(id, approver, reason string) (analyst.Playbook, error) {
	w.mu.Lock()
	p, ok := w.playbooks[id]
	if !ok {
		w.mu.Unlock()
		return analyst.Playbook{}, fmt.Errorf("playbook %s not found", id)
	}
	p.Status = analyst.PlaybookRejected
	p.ApprovedBy = approver
	p.Justification = p.Justification + "; rejected: " + reason
	out := *p
	w.mu.Unlock()
	w.appendAudit("playbook_rejected", approver, id, reason)
	return out, nil
}

// MarkExecuting transitions an approved playbook to executing, the state
// Remediator holds it in for the duration of effector dispatch.
func (w *Workflow) MarkExecuting(id string) error {
	w.mu.Lock()
	p, ok := w.playbooks[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("playbook %s not found", id)
	}
	p.Status = analyst.PlaybookExecuting
	w.mu.Unlock()
	w.appendAudit("playbook_executing", "remediator", id, "")
	return nil
}

// MarkTerminal records an execution result (completed/failed) from
// Remediator and removes the playbook from active tracking.
func (w *Workflow) MarkTerminal(id, status, executedBy, result string) error {
	w.mu.Lock()
	p, ok := w.playbooks[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("playbook %s not found", id)
	}
	p.Status = status
	p.ExecutedBy = executedBy
	p.ExecutionResult = result
	delete(w.playbooks, id)
	w.mu.Unlock()
	w.appendAudit("playbook_"+status, executedBy, id, result)
	return nil
}

// Get returns a copy of the tracked playbook state.
func (w *Workflow) Get(id string) (analyst.Playbook, error) {
	return w.get(id)
}

func (w *Workflow) get(id string) (analyst.Playbook, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.playbooks[id]
	if !ok {
		return analyst.Playbook{}, fmt.Errorf("playbook %s not found", id)
	}
	return *p, nil
}

// ListPending returns every non-terminal playbook, newest last.
func (w *Workflow) ListPending() []analyst.Playbook {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]analyst.Playbook, 0, len(w.playbooks))
	for _, p := range w.playbooks {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (w *Workflow) expireLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweepExpired()
		}
	}
}

func (w *Workflow) sweepExpired() {
	now := time.Now().UTC()
	w.mu.Lock()
	var expired []string
	for id, p := range w.playbooks {
		if p.Status == analyst.PlaybookApproved || p.Status == analyst.PlaybookExecuting {
			continue
		}
		if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
			p.Status = analyst.PlaybookExpired
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(w.playbooks, id)
	}
	w.mu.Unlock()

	for _, id := range expired {
		w.logger.Warn("playbook expired", "playbook_id", id)
		w.appendAudit("playbook_expired", "system", id, "")
	}
}

func (w *Workflow) appendAudit(eventType, actor, playbookID, detail string) {
	if w.audit == nil {
		return
	}
	payload := []byte(fmt.Sprintf(`{"playbook_id":%q,"detail":%q}`, playbookID, detail))
	if err := w.audit(eventType, actor, payload); err != nil {
		w.logger.Error("failed to append audit entry", "event_type", eventType, "error", err)
	}
}

// signApproval produces a simple, inspectable signature string for an
// approval decision: a valid signature from a principal with the approver
// capability. Remediator's own policy/audit layer holds the cryptographic
// signing (audit.Signer); this is the lightweight decision marker
// ApprovalWorkflow itself is responsible for.
func signApproval(playbookID, approver string) string {
	return "approved:" + approver + ":" + playbookID
}
