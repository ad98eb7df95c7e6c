package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// connPool is a fixed-size pool of single-connection *sql.DB handles against
// the same SQLite file. database/sql already pools internally, but the spec
// calls for an explicit fixed pool with a logged temporary-connection
// fallback on exhaustion rather than blocking writers indefinitely, so this
// wraps a channel of pre-opened handles instead of relying on
// SetMaxOpenConns alone.
type connPool struct {
	path   string
	slots  chan *sql.DB
	logger *slog.Logger
}

func newConnPool(path string, size int, logger *slog.Logger) (*connPool, error) {
	if size <= 0 {
		size = 5
	}
	p := &connPool{
		path:   path,
		slots:  make(chan *sql.DB, size),
		logger: logger.With("component", "memory.connPool"),
	}
	for i := 0; i < size; i++ {
		db, err := openConn(path)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("open pool connection %d: %w", i, err)
		}
		p.slots <- db
	}
	return p, nil
}

func openConn(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// acquire returns a pooled connection, or, if the pool is exhausted within
// waitFor, opens and returns a temporary one. The bool return reports
// whether the connection came from the fixed pool (and so must be
// released() rather than closed).
func (p *connPool) acquire(waitFor time.Duration) (*sql.DB, bool, error) {
	select {
	case db := <-p.slots:
		return db, true, nil
	case <-time.After(waitFor):
		p.logger.Warn("connection pool exhausted, opening temporary connection")
		db, err := openConn(p.path)
		if err != nil {
			return nil, false, fmt.Errorf("open temporary connection: %w", err)
		}
		return db, false, nil
	}
}

func (p *connPool) release(db *sql.DB, pooled bool) {
	if pooled {
		p.slots <- db
		return
	}
	db.Close()
}

func (p *connPool) closeAll() {
	close(p.slots)
	for db := range p.slots {
		db.Close()
	}
}

// withConn runs fn against a pooled (or temporary) connection, releasing it
// afterward.
func (p *connPool) withConn(fn func(*sql.DB) error) error {
	db, pooled, err := p.acquire(50 * time.Millisecond)
	if err != nil {
		return err
	}
	defer p.release(db, pooled)
	return fn(db)
}

// withRetry retries fn up to attempts times with exponential backoff
// starting at base, for transient database errors (3 attempts, 100ms base).
func withRetry(attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("database operation failed after %d attempts: %w", attempts, err)
}

// isTransient classifies SQLite errors worth retrying: lock contention and
// busy timeouts. Anything else (constraint violations, syntax errors) fails
// fast.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"database is locked", "busy", "SQLITE_BUSY", "SQLITE_LOCKED"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
