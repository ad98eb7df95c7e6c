package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Chain is the append-only, hash-chained, signed AuditChain. Writes are
// serialized through mu (one writer at a time preserves the hash-chain
// invariant; concurrent appends would race on PrevHash), mirroring the
// teacher's "single guarding mutex per table" design for AgentMemory
// writes, applied here to the one append-only table that must never
// interleave.
type Chain struct {
	mu       sync.Mutex
	db       *sql.DB
	signer   *Signer
	lastHash string
	logger   *slog.Logger
}

// NewChain opens (creating if necessary) a SQLite-backed audit chain at
// path, signed with signer.
func NewChain(path string, signer *Signer, logger *slog.Logger) (*Chain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open audit chain: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Chain{
		db:     db,
		signer: signer,
		logger: logger.With("component", "audit.Chain"),
	}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Chain) initialize() error {
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS audit_entries (
		id             TEXT PRIMARY KEY,
		prev_hash      TEXT NOT NULL,
		hash           TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		actor          TEXT NOT NULL,
		signed_payload BLOB NOT NULL,
		signature      BLOB NOT NULL,
		timestamp      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_entries(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor);`)
	if err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}

	row := c.db.QueryRow(`SELECT hash FROM audit_entries ORDER BY rowid DESC LIMIT 1`)
	var hash string
	switch err := row.Scan(&hash); err {
	case nil:
		c.lastHash = hash
	case sql.ErrNoRows:
		c.lastHash = ComputeChainSeed("audit")
	default:
		return fmt.Errorf("load last audit hash: %w", err)
	}
	return nil
}

// Append signs payload, chains it to the previous entry, and persists it.
// actor is the principal (user, service account, or "system") responsible
// for eventType.
func (c *Chain) Append(eventType, actor string, payload []byte) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &Entry{
		ID:            newEntryID(),
		PrevHash:      c.lastHash,
		EventType:     eventType,
		Actor:         actor,
		SignedPayload: payload,
		Timestamp:     time.Now().UTC(),
	}
	e.Signature = c.signer.sign(payload)
	e.Hash = ComputeHash(e)

	_, err := c.db.Exec(`INSERT INTO audit_entries (id, prev_hash, hash, event_type, actor,
		signed_payload, signature, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PrevHash, e.Hash, e.EventType, e.Actor, e.SignedPayload, e.Signature, e.Timestamp.Unix())
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	c.lastHash = e.Hash
	return e, nil
}

// List returns entries in append order, optionally filtered by eventType
// ("" for all), most recent `limit` entries (0 for no limit).
func (c *Chain) List(eventType string, limit int) ([]*Entry, error) {
	query := `SELECT id, prev_hash, hash, event_type, actor, signed_payload, signature, timestamp
		FROM audit_entries`
	var args []any
	if eventType != "" {
		query += " WHERE event_type = ?"
		args = append(args, eventType)
	}
	if limit > 0 {
		query += " ORDER BY rowid DESC LIMIT ?"
		args = append(args, limit)
	} else {
		query += " ORDER BY rowid ASC"
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var ts int64
		if err := rows.Scan(&e.ID, &e.PrevHash, &e.Hash, &e.EventType, &e.Actor,
			&e.SignedPayload, &e.Signature, &ts); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		entries = append(entries, e)
	}
	if limit > 0 {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, rows.Err()
}

// Verify walks the entire chain and reports the first broken link, if any.
func (c *Chain) Verify() (valid bool, brokenAt int, err error) {
	entries, err := c.List("", 0)
	if err != nil {
		return false, -1, err
	}
	valid, brokenAt = VerifyChain(entries, c.signer.PublicKey())
	return valid, brokenAt, nil
}

// Close releases the underlying database handle.
func (c *Chain) Close() error {
	return c.db.Close()
}
