// Package audit implements AuditChain: an append-only, hash-chained, and
// ed25519-signed log of every state-changing decision in the system
// (alerts published, playbooks approved, effectors invoked, kill-switch
// triggers).
package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entry is a single AuditEntry: {id, prev_hash, event_type, actor,
// signed_payload, signature, timestamp}.
type Entry struct {
	ID            string    `json:"id" db:"id"`
	PrevHash      string    `json:"prev_hash" db:"prev_hash"`
	Hash          string    `json:"hash" db:"hash"`
	EventType     string    `json:"event_type" db:"event_type"`
	Actor         string    `json:"actor" db:"actor"`
	SignedPayload []byte    `json:"signed_payload" db:"signed_payload"`
	Signature     []byte    `json:"signature" db:"signature"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// ComputeHash computes the SHA-256 hash for an entry, chaining to the
// previous entry's hash via field concatenation over the signed payload.
func ComputeHash(e *Entry) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s",
		e.ID,
		e.EventType,
		e.Actor,
		string(e.SignedPayload),
		e.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeChainSeed computes the genesis prev_hash for a new audit chain.
func ComputeChainSeed(chainID string) string {
	hash := sha256.Sum256([]byte(chainID))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks entries and checks hash integrity and signatures.
// Returns (valid, brokenAtIndex); brokenAtIndex is -1 when valid.
func VerifyChain(entries []*Entry, pub ed25519.PublicKey) (bool, int) {
	for i, e := range entries {
		if ComputeHash(e) != e.Hash {
			return false, i
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return false, i
		}
		if pub != nil && !ed25519.Verify(pub, e.SignedPayload, e.Signature) {
			return false, i
		}
	}
	return true, -1
}

// Signer produces audit signatures. crypto/ed25519 is used directly
// (stdlib) because no signing library appears anywhere in the example
// pack -- see DESIGN.md.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner wraps an existing ed25519 keypair.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateSigner creates a fresh ed25519 keypair for a new deployment.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate audit signing key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// PublicKey returns the verification key for this signer.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// PrivateKeyBytes returns the raw private key, for a caller that wants to
// persist a freshly generated signer across restarts via NewSigner.
func (s *Signer) PrivateKeyBytes() []byte {
	return s.priv
}

func (s *Signer) sign(payload []byte) []byte {
	return ed25519.Sign(s.priv, payload)
}

// newEntryID generates a sortable, monotonic audit entry id, following the
// teacher's ulid usage for Alert/Playbook/Action/Trace ids.
func newEntryID() string {
	return ulid.Make().String()
}
