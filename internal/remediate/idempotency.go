package remediate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/agentwarden/soc-sentry/internal/analyst"
)

// idempotencyTracker records which (playbook_id, action_index, kind,
// parameter) fingerprints have already been dispatched. AgentMemory's
// Store interface has no generic key-value table for
// this, so it's tracked in-process the same locked-map way
// analyst.behaviorTracker stands in for a per-user AgentMemory query:
// acceptable because a fingerprint only needs to survive the lifetime of
// one Remediator process, not a restart -- a replayed playbook after a
// crash re-executing its already-applied actions is a correctness bug the
// effectors themselves are idempotent against (PutBlock/PutRateLimitState
// overwrite, they don't double-apply).
type idempotencyTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newIdempotencyTracker() *idempotencyTracker {
	return &idempotencyTracker{seen: make(map[string]struct{})}
}

// fingerprint computes H(playbook_id, action_index, kind, parameter).
func fingerprint(playbookID string, actionIndex int, action analyst.Action) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", playbookID, actionIndex, action.Kind, action.Parameter)))
	return hex.EncodeToString(sum[:])
}

// seenOrRecord reports whether fp was already recorded, recording it if not.
func (t *idempotencyTracker) seenOrRecord(fp string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[fp]; ok {
		return true
	}
	t.seen[fp] = struct{}{}
	return false
}
