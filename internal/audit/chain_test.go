package audit

import (
	"path/filepath"
	"testing"
)

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "audit.db")
	chain, err := NewChain(path, signer, nil)
	if err != nil {
		t.Fatalf("NewChain() error: %v", err)
	}
	t.Cleanup(func() { chain.Close() })
	return chain
}

func TestChain_AppendAndVerify(t *testing.T) {
	chain := newTestChain(t)

	if _, err := chain.Append("playbook_approved", "operator_1", []byte(`{"playbook_id":"pb_1"}`)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := chain.Append("effector_invoked", "system", []byte(`{"action":"block_ip"}`)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	valid, brokenAt, err := chain.Verify()
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !valid {
		t.Errorf("Verify() = invalid at %d, want valid", brokenAt)
	}
}

func TestChain_ListFiltersByEventType(t *testing.T) {
	chain := newTestChain(t)

	chain.Append("alert_published", "builder", []byte(`{}`))
	chain.Append("playbook_approved", "operator_1", []byte(`{}`))
	chain.Append("alert_published", "builder", []byte(`{}`))

	entries, err := chain.List("alert_published", 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.EventType != "alert_published" {
			t.Errorf("entry event type = %q, want alert_published", e.EventType)
		}
	}
}

func TestChain_VerifyDetectsTamperedEntry(t *testing.T) {
	chain := newTestChain(t)

	chain.Append("alert_published", "builder", []byte(`{}`))
	entry, err := chain.Append("playbook_approved", "operator_1", []byte(`{}`))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	_, err = chain.db.Exec(`UPDATE audit_entries SET signed_payload = ? WHERE id = ?`,
		[]byte(`{"tampered":true}`), entry.ID)
	if err != nil {
		t.Fatalf("tamper with entry: %v", err)
	}

	valid, brokenAt, err := chain.Verify()
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if valid {
		t.Error("Verify() should detect tampered signed_payload")
	}
	if brokenAt != 1 {
		t.Errorf("brokenAt = %d, want 1", brokenAt)
	}
}

func TestChain_PersistsLastHashAcrossReopen(t *testing.T) {
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "audit.db")

	chain1, err := NewChain(path, signer, nil)
	if err != nil {
		t.Fatalf("NewChain() error: %v", err)
	}
	entry, err := chain1.Append("kill_switch_triggered", "system", []byte(`{}`))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	chain1.Close()

	chain2, err := NewChain(path, signer, nil)
	if err != nil {
		t.Fatalf("reopen NewChain() error: %v", err)
	}
	defer chain2.Close()

	next, err := chain2.Append("alert_published", "builder", []byte(`{}`))
	if err != nil {
		t.Fatalf("Append() after reopen error: %v", err)
	}
	if next.PrevHash != entry.Hash {
		t.Errorf("PrevHash after reopen = %q, want %q (last entry's hash)", next.PrevHash, entry.Hash)
	}
}
