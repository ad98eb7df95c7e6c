package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteStore implements Store using a fixed pool of SQLite connections:
// plain database/sql, manual row scanning, WAL mode, covering AgentMemory's
// patterns/decisions/blocks/learning rows.
type SQLiteStore struct {
	pool         *connPool
	logger       *slog.Logger
	retryBase    time.Duration
	retryAttempts int
}

// NewSQLiteStore opens a pooled SQLite-backed AgentMemory store.
func NewSQLiteStore(path string, poolSize int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := newConnPool(path, poolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return &SQLiteStore{
		pool:          pool,
		logger:        logger.With("component", "memory.SQLiteStore"),
		retryBase:     100 * time.Millisecond,
		retryAttempts: 3,
	}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patterns (
		id                   TEXT PRIMARY KEY,
		text                 TEXT NOT NULL,
		kind                 TEXT NOT NULL,
		threat_type          TEXT,
		confidence           REAL NOT NULL DEFAULT 0,
		detection_count      INTEGER NOT NULL DEFAULT 0,
		false_positive_count INTEGER NOT NULL DEFAULT 0,
		source_attack_id     TEXT,
		active               INTEGER NOT NULL DEFAULT 1,
		created_at           INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id          TEXT PRIMARY KEY,
		timestamp   INTEGER NOT NULL,
		severity    TEXT NOT NULL,
		threat_type TEXT NOT NULL,
		title       TEXT,
		description TEXT,
		rule_id     TEXT,
		evidence    TEXT,
		agent_id    TEXT,
		user_id     TEXT,
		session_id  TEXT,
		src_ip      TEXT
	);

	CREATE TABLE IF NOT EXISTS decisions (
		alert_id        TEXT PRIMARY KEY,
		decision        TEXT NOT NULL,
		certainty       REAL NOT NULL,
		fp_probability  REAL NOT NULL,
		reasoning       TEXT,
		analyst_context TEXT,
		created_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS remediation_decisions (
		id          TEXT PRIMARY KEY,
		playbook_id TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		effect      TEXT NOT NULL,
		reason      TEXT,
		created_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocks (
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		reason      TEXT,
		alert_id    TEXT,
		blocked_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS rate_limits (
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		limit_tokens   INTEGER NOT NULL,
		window_seconds INTEGER NOT NULL,
		tokens         REAL NOT NULL,
		last_refill    INTEGER NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS missed_attacks (
		id          TEXT PRIMARY KEY,
		message     TEXT NOT NULL,
		threat_type TEXT,
		reported_by TEXT,
		reported_at INTEGER NOT NULL,
		processed   INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pattern_variations (
		id               TEXT PRIMARY KEY,
		source_attack_id TEXT NOT NULL,
		pattern_id       TEXT,
		method           TEXT NOT NULL,
		text             TEXT NOT NULL,
		confidence       REAL NOT NULL,
		admitted         INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learning_metrics (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		total_missed          INTEGER NOT NULL,
		patterns_learned      INTEGER NOT NULL,
		variations_generated  INTEGER NOT NULL,
		detection_improvement REAL NOT NULL,
		false_negative_rate   REAL NOT NULL,
		computed_at           INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_patterns_kind ON patterns(kind);
	CREATE INDEX IF NOT EXISTS idx_patterns_active ON patterns(active);
	CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id);
	CREATE INDEX IF NOT EXISTS idx_blocks_expires ON blocks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_missed_processed ON missed_attacks(processed);
	CREATE INDEX IF NOT EXISTS idx_variations_source ON pattern_variations(source_attack_id);
	`

	return s.pool.withConn(func(db *sql.DB) error {
		_, err := db.Exec(schema)
		return err
	})
}

func (s *SQLiteStore) Close() error {
	s.pool.closeAll()
	return nil
}

// inTx runs fn inside a transaction on a pooled connection, retrying the
// whole operation on transient errors.
func (s *SQLiteStore) inTx(fn func(*sql.Tx) error) error {
	return withRetry(s.retryAttempts, s.retryBase, func() error {
		return s.pool.withConn(func(db *sql.DB) error {
			tx, err := db.BeginTx(context.Background(), nil)
			if err != nil {
				return fmt.Errorf("begin tx: %w", err)
			}
			if err := fn(tx); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		})
	})
}

// --- Patterns ---

func (s *SQLiteStore) StorePattern(p *Pattern) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO patterns (id, text, kind, threat_type, confidence,
			detection_count, false_positive_count, source_attack_id, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET text=excluded.text, confidence=excluded.confidence,
				active=excluded.active`,
			p.ID, p.Text, string(p.Kind), p.ThreatType, p.Confidence,
			p.DetectionCount, p.FalsePositiveCount, nullStr(p.SourceAttackID), p.Active, p.CreatedAt.Unix())
		return err
	})
}

func (s *SQLiteStore) GetPatterns(filter PatternFilter) ([]*Pattern, error) {
	query := `SELECT id, text, kind, threat_type, confidence, detection_count,
		false_positive_count, source_attack_id, active, created_at FROM patterns WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.ActiveOnly {
		query += " AND active = 1"
	}

	var patterns []*Pattern
	err := s.pool.withConn(func(db *sql.DB) error {
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p := &Pattern{}
			var kind string
			var sourceAttackID sql.NullString
			var createdAt int64
			if err := rows.Scan(&p.ID, &p.Text, &kind, &p.ThreatType, &p.Confidence,
				&p.DetectionCount, &p.FalsePositiveCount, &sourceAttackID, &p.Active, &createdAt); err != nil {
				return err
			}
			p.Kind = PatternKind(kind)
			p.SourceAttackID = sourceAttackID.String
			p.CreatedAt = time.Unix(createdAt, 0).UTC()
			patterns = append(patterns, p)
		}
		return rows.Err()
	})
	return patterns, err
}

func (s *SQLiteStore) UpdatePatternConfidence(id string, delta float64) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE patterns SET confidence = MAX(0, MIN(1, confidence + ?)) WHERE id = ?`, delta, id)
		return err
	})
}

func (s *SQLiteStore) RecordPatternMatch(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE patterns SET detection_count = detection_count + 1 WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) RecordPatternFalsePositive(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE patterns SET false_positive_count = false_positive_count + 1 WHERE id = ?`, id)
		return err
	})
}

// --- Alerts and decisions ---

func (s *SQLiteStore) StoreAlert(a *Alert) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO alerts (id, timestamp, severity, threat_type, title,
			description, rule_id, evidence, agent_id, user_id, session_id, src_ip)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Timestamp.Unix(), a.Severity, a.ThreatType, a.Title, a.Description,
			a.RuleID, nullableJSON(a.Evidence), nullStr(a.AgentID), nullStr(a.UserID),
			nullStr(a.SessionID), nullStr(a.SrcIP))
		return err
	})
}

func (s *SQLiteStore) ListAlerts(filter AlertFilter) ([]*Alert, int, error) {
	where := " WHERE 1=1"
	var args []any
	if filter.Severity != "" {
		where += " AND severity = ?"
		args = append(args, filter.Severity)
	}
	if filter.ThreatType != "" {
		where += " AND threat_type = ?"
		args = append(args, filter.ThreatType)
	}
	if filter.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, filter.Since.Unix())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var alerts []*Alert
	var total int
	err := s.pool.withConn(func(db *sql.DB) error {
		if err := db.QueryRow("SELECT COUNT(*) FROM alerts"+where, args...).Scan(&total); err != nil {
			return err
		}

		query := `SELECT id, timestamp, severity, threat_type, title, description, rule_id,
			evidence, agent_id, user_id, session_id, src_ip FROM alerts` + where +
			" ORDER BY timestamp DESC LIMIT ? OFFSET ?"
		rows, err := db.Query(query, append(append([]any{}, args...), limit, filter.Offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a := &Alert{}
			var title, description, ruleID, agentID, userID, sessionID, srcIP sql.NullString
			var evidence sql.NullString
			var ts int64
			if err := rows.Scan(&a.ID, &ts, &a.Severity, &a.ThreatType, &title, &description,
				&ruleID, &evidence, &agentID, &userID, &sessionID, &srcIP); err != nil {
				return err
			}
			a.Timestamp = time.Unix(ts, 0).UTC()
			a.Title = title.String
			a.Description = description.String
			a.RuleID = ruleID.String
			if evidence.Valid {
				a.Evidence = json.RawMessage(evidence.String)
			}
			a.AgentID = agentID.String
			a.UserID = userID.String
			a.SessionID = sessionID.String
			a.SrcIP = srcIP.String
			alerts = append(alerts, a)
		}
		return rows.Err()
	})
	return alerts, total, err
}

func (s *SQLiteStore) StoreAlertDecision(d *Decision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO decisions (alert_id, decision, certainty, fp_probability,
			reasoning, analyst_context, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(alert_id) DO UPDATE SET decision=excluded.decision,
				certainty=excluded.certainty, fp_probability=excluded.fp_probability`,
			d.AlertID, d.Decision, d.Certainty, d.FPProbability,
			nullableJSON(d.Reasoning), nullableJSON(d.AnalystContext), d.CreatedAt.Unix())
		return err
	})
}

func (s *SQLiteStore) GetDecision(alertID string) (*Decision, error) {
	d := &Decision{}
	var reasoning, analystContext sql.NullString
	var createdAt int64
	err := s.pool.withConn(func(db *sql.DB) error {
		return db.QueryRow(`SELECT alert_id, decision, certainty, fp_probability, reasoning,
			analyst_context, created_at FROM decisions WHERE alert_id = ?`, alertID).Scan(
			&d.AlertID, &d.Decision, &d.Certainty, &d.FPProbability, &reasoning, &analystContext, &createdAt)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Reasoning = jsonOrNil(reasoning)
	d.AnalystContext = jsonOrNil(analystContext)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	return d, nil
}

func (s *SQLiteStore) StoreRemediationDecision(d *RemediationDecision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO remediation_decisions (id, playbook_id, action_kind,
			effect, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			d.ID, d.PlaybookID, d.ActionKind, d.Effect, nullStr(d.Reason), d.CreatedAt.Unix())
		return err
	})
}

// --- RemediationState: blocks and rate limits ---

func (s *SQLiteStore) PutBlock(b *Block) error {
	if b.BlockedAt.IsZero() {
		b.BlockedAt = time.Now().UTC()
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO blocks (entity_type, entity_id, reason, alert_id,
			blocked_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type, entity_id) DO UPDATE SET reason=excluded.reason,
				alert_id=excluded.alert_id, blocked_at=excluded.blocked_at, expires_at=excluded.expires_at`,
			b.EntityType, b.EntityID, nullStr(b.Reason), nullStr(b.AlertID), b.BlockedAt.Unix(), b.ExpiresAt.Unix())
		return err
	})
}

func (s *SQLiteStore) RemoveBlock(entityType, entityID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM blocks WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
		return err
	})
}

func (s *SQLiteStore) GetBlock(entityType, entityID string) (*Block, error) {
	b := &Block{EntityType: entityType, EntityID: entityID}
	var reason, alertID sql.NullString
	var blockedAt, expiresAt int64
	err := s.pool.withConn(func(db *sql.DB) error {
		return db.QueryRow(`SELECT reason, alert_id, blocked_at, expires_at FROM blocks
			WHERE entity_type = ? AND entity_id = ?`, entityType, entityID).
			Scan(&reason, &alertID, &blockedAt, &expiresAt)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Reason = reason.String
	b.AlertID = alertID.String
	b.BlockedAt = time.Unix(blockedAt, 0).UTC()
	b.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return b, nil
}

func (s *SQLiteStore) ListBlocksExpiringBefore(t time.Time) ([]*Block, error) {
	var blocks []*Block
	err := s.pool.withConn(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT entity_type, entity_id, reason, alert_id, blocked_at,
			expires_at FROM blocks WHERE expires_at < ?`, t.Unix())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			b := &Block{}
			var reason, alertID sql.NullString
			var blockedAt, expiresAt int64
			if err := rows.Scan(&b.EntityType, &b.EntityID, &reason, &alertID, &blockedAt, &expiresAt); err != nil {
				return err
			}
			b.Reason = reason.String
			b.AlertID = alertID.String
			b.BlockedAt = time.Unix(blockedAt, 0).UTC()
			b.ExpiresAt = time.Unix(expiresAt, 0).UTC()
			blocks = append(blocks, b)
		}
		return rows.Err()
	})
	return blocks, err
}

func (s *SQLiteStore) ListActiveBlocks(entityType string) ([]*Block, error) {
	var blocks []*Block
	err := s.pool.withConn(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT entity_type, entity_id, reason, alert_id, blocked_at,
			expires_at FROM blocks WHERE entity_type = ? AND expires_at >= ?`,
			entityType, time.Now().UTC().Unix())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			b := &Block{}
			var reason, alertID sql.NullString
			var blockedAt, expiresAt int64
			if err := rows.Scan(&b.EntityType, &b.EntityID, &reason, &alertID, &blockedAt, &expiresAt); err != nil {
				return err
			}
			b.Reason = reason.String
			b.AlertID = alertID.String
			b.BlockedAt = time.Unix(blockedAt, 0).UTC()
			b.ExpiresAt = time.Unix(expiresAt, 0).UTC()
			blocks = append(blocks, b)
		}
		return rows.Err()
	})
	return blocks, err
}

func (s *SQLiteStore) PutRateLimitState(r *RateLimitState) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO rate_limits (entity_type, entity_id, limit_tokens,
			window_seconds, tokens, last_refill) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type, entity_id) DO UPDATE SET limit_tokens=excluded.limit_tokens,
				window_seconds=excluded.window_seconds, tokens=excluded.tokens, last_refill=excluded.last_refill`,
			r.EntityType, r.EntityID, r.Limit, int64(r.Window.Seconds()), r.Tokens, r.LastRefill.Unix())
		return err
	})
}

func (s *SQLiteStore) GetRateLimitState(entityType, entityID string) (*RateLimitState, error) {
	r := &RateLimitState{EntityType: entityType, EntityID: entityID}
	var windowSeconds, lastRefill int64
	err := s.pool.withConn(func(db *sql.DB) error {
		return db.QueryRow(`SELECT limit_tokens, window_seconds, tokens, last_refill FROM rate_limits
			WHERE entity_type = ? AND entity_id = ?`, entityType, entityID).
			Scan(&r.Limit, &windowSeconds, &r.Tokens, &lastRefill)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Window = time.Duration(windowSeconds) * time.Second
	r.LastRefill = time.Unix(lastRefill, 0).UTC()
	return r, nil
}

func (s *SQLiteStore) DeleteRateLimitState(entityType, entityID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM rate_limits WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
		return err
	})
}

// --- Learning ---

func (s *SQLiteStore) ReportMissedAttack(m *MissedAttack) error {
	if m.ReportedAt.IsZero() {
		m.ReportedAt = time.Now().UTC()
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO missed_attacks (id, message, threat_type, reported_by,
			reported_at, processed) VALUES (?, ?, ?, ?, ?, 0)`,
			m.ID, m.Message, nullStr(m.ThreatType), nullStr(m.ReportedBy), m.ReportedAt.Unix())
		return err
	})
}

func (s *SQLiteStore) ListUnprocessedMisses() ([]*MissedAttack, error) {
	var misses []*MissedAttack
	err := s.pool.withConn(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT id, message, threat_type, reported_by, reported_at, processed
			FROM missed_attacks WHERE processed = 0`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m := &MissedAttack{}
			var threatType, reportedBy sql.NullString
			var reportedAt int64
			if err := rows.Scan(&m.ID, &m.Message, &threatType, &reportedBy, &reportedAt, &m.Processed); err != nil {
				return err
			}
			m.ThreatType = threatType.String
			m.ReportedBy = reportedBy.String
			m.ReportedAt = time.Unix(reportedAt, 0).UTC()
			misses = append(misses, m)
		}
		return rows.Err()
	})
	return misses, err
}

func (s *SQLiteStore) MarkMissProcessed(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE missed_attacks SET processed = 1 WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) StorePatternVariation(v *PatternVariation) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO pattern_variations (id, source_attack_id, pattern_id,
			method, text, confidence, admitted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.SourceAttackID, nullStr(v.PatternID), v.Method, v.Text, v.Confidence, v.Admitted, v.CreatedAt.Unix())
		return err
	})
}

// ListVariations returns the variations generated from sourceAttackID, or
// every stored variation when sourceAttackID is empty.
func (s *SQLiteStore) ListVariations(sourceAttackID string) ([]*PatternVariation, error) {
	var variations []*PatternVariation
	err := s.pool.withConn(func(db *sql.DB) error {
		query := `SELECT id, source_attack_id, pattern_id, method, text, confidence,
			admitted, created_at FROM pattern_variations`
		var args []any
		if sourceAttackID != "" {
			query += " WHERE source_attack_id = ?"
			args = append(args, sourceAttackID)
		}
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			v := &PatternVariation{}
			var patternID sql.NullString
			var createdAt int64
			if err := rows.Scan(&v.ID, &v.SourceAttackID, &patternID, &v.Method, &v.Text,
				&v.Confidence, &v.Admitted, &createdAt); err != nil {
				return err
			}
			v.PatternID = patternID.String
			v.CreatedAt = time.Unix(createdAt, 0).UTC()
			variations = append(variations, v)
		}
		return rows.Err()
	})
	return variations, err
}

func (s *SQLiteStore) AdmitVariation(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE pattern_variations SET admitted = 1 WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) StoreLearningMetrics(m *LearningMetrics) error {
	if m.ComputedAt.IsZero() {
		m.ComputedAt = time.Now().UTC()
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO learning_metrics (total_missed, patterns_learned,
			variations_generated, detection_improvement, false_negative_rate, computed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.TotalMissed, m.PatternsLearned, m.VariationsGenerated, m.DetectionImprovement,
			m.FalseNegativeRate, m.ComputedAt.Unix())
		return err
	})
}

func (s *SQLiteStore) LatestLearningMetrics() (*LearningMetrics, error) {
	m := &LearningMetrics{}
	var computedAt int64
	err := s.pool.withConn(func(db *sql.DB) error {
		return db.QueryRow(`SELECT total_missed, patterns_learned, variations_generated,
			detection_improvement, false_negative_rate, computed_at FROM learning_metrics
			ORDER BY id DESC LIMIT 1`).
			Scan(&m.TotalMissed, &m.PatternsLearned, &m.VariationsGenerated,
				&m.DetectionImprovement, &m.FalseNegativeRate, &computedAt)
	})
	if err == sql.ErrNoRows {
		return &LearningMetrics{}, nil
	}
	if err != nil {
		return nil, err
	}
	m.ComputedAt = time.Unix(computedAt, 0).UTC()
	return m, nil
}

// --- Maintenance ---

// SweepExpired purges blocks whose TTL has passed, returning the number of
// rows removed. Rate-limit rows carry no expiry column and are not swept.
// Intended to be called by a background sweeper goroutine every 60s.
func (s *SQLiteStore) SweepExpired(now time.Time) (int64, error) {
	var removed int64
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM blocks WHERE expires_at < ?`, now.Unix())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func jsonOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
