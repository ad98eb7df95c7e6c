package approval

import (
	"testing"
	"time"

	"github.com/agentwarden/soc-sentry/internal/analyst"
)

func TestWorkflow_CreatePromotesPendingToDryRun(t *testing.T) {
	w := New(time.Hour, nil, nil)
	defer w.Stop()

	p := w.Create(analyst.Playbook{ID: "p1", Status: analyst.PlaybookPending})
	if p.Status != analyst.PlaybookDryRun {
		t.Errorf("status = %q, want dry_run", p.Status)
	}
}

func TestWorkflow_CreateLeavesAnalystForcedDryRunAlone(t *testing.T) {
	w := New(time.Hour, nil, nil)
	defer w.Stop()

	p := w.Create(analyst.Playbook{ID: "p1", Status: analyst.PlaybookDryRun})
	if p.Status != analyst.PlaybookDryRun {
		t.Errorf("status = %q, want dry_run preserved", p.Status)
	}
}

func TestWorkflow_ApproveRequiresDryRunOrPending(t *testing.T) {
	w := New(time.Hour, nil, nil)
	defer w.Stop()
	w.Create(analyst.Playbook{ID: "p1", Status: analyst.PlaybookPending})

	got, err := w.Approve("p1", "alice")
	if err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if got.Status != analyst.PlaybookApproved || got.ApprovedBy != "alice" || got.Signature == "" {
		t.Errorf("got %+v", got)
	}

	if _, err := w.Approve("p1", "bob"); err == nil {
		t.Error("expected approving an already-approved playbook to error")
	}
}

func TestWorkflow_Reject(t *testing.T) {
	w := New(time.Hour, nil, nil)
	defer w.Stop()
	w.Create(analyst.Playbook{ID: "p1", Status: analyst.PlaybookPending})

	got, err := w.Reject("p1", "alice", "false alarm")
	if err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	if got.Status != analyst.PlaybookRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}
}

func TestWorkflow_ExecuteDryRunComputesBlastRadius(t *testing.T) {
	w := New(time.Hour, nil, nil)
	defer w.Stop()
	w.Create(analyst.Playbook{ID: "p1", Status: analyst.PlaybookPending, Actions: []analyst.Action{
		{Kind: "block_ip", Parameter: "1.2.3.4"},
		{Kind: "terminate_session", Parameter: "s1"},
		{Kind: "terminate_session", Parameter: "s2"},
	}})

	sim, err := w.ExecuteDryRun("p1")
	if err != nil {
		t.Fatalf("ExecuteDryRun() error: %v", err)
	}
	if !sim.ValidatedOK {
		t.Errorf("expected valid simulation, got error %q", sim.ValidationErr)
	}
	if sim.BlastRadius["terminate_session"] != 2 || sim.BlastRadius["block_ip"] != 1 {
		t.Errorf("blast radius = %+v", sim.BlastRadius)
	}
}

func TestWorkflow_UnknownPlaybookErrors(t *testing.T) {
	w := New(time.Hour, nil, nil)
	defer w.Stop()
	if _, err := w.Approve("nope", "alice"); err == nil {
		t.Error("expected error for unknown playbook")
	}
}

func TestWorkflow_MarkTerminalRemovesFromTracking(t *testing.T) {
	w := New(time.Hour, nil, nil)
	defer w.Stop()
	w.Create(analyst.Playbook{ID: "p1", Status: analyst.PlaybookPending})
	w.Approve("p1", "alice")

	if err := w.MarkTerminal("p1", analyst.PlaybookCompleted, "remediator", "all actions ok"); err != nil {
		t.Fatalf("MarkTerminal() error: %v", err)
	}
	if _, err := w.Get("p1"); err == nil {
		t.Error("expected completed playbook to be removed from tracking")
	}
}
