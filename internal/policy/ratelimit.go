package policy

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// bucketGranularity is the time resolution for counter buckets.
	bucketGranularity = time.Second

	// gcInterval controls how often expired buckets are pruned, checked
	// lazily on RecordAction rather than via a background goroutine.
	gcInterval = 30 * time.Second

	// maxWindowDuration caps the lookback GetCount accepts, to prevent
	// unbounded memory growth from callers requesting huge windows.
	maxWindowDuration = 24 * time.Hour
)

type bucket struct {
	key   int64 // unix-second timestamp of the bucket start
	count int
}

type sessionCounters struct {
	actions map[string][]bucket // actionKind -> ordered buckets
}

// RateLimiter provides thread-safe sliding-window counting backing the
// action_count_in_window CEL function. Each (session, actionKind) pair
// maintains independent counters; expired buckets are lazily pruned.
type RateLimiter struct {
	mu       sync.Mutex
	sessions map[string]*sessionCounters
	lastGC   time.Time
	logger   *slog.Logger
}

// NewRateLimiter creates a new RateLimiter.
func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		sessions: make(map[string]*sessionCounters),
		lastGC:   time.Now(),
		logger:   logger.With("component", "policy.RateLimiter"),
	}
}

// RecordAction increments the counter for sessionID/actionKind at the
// current time bucket.
func (r *RateLimiter) RecordAction(sessionID, actionKind string) {
	now := time.Now()
	key := now.Truncate(bucketGranularity).Unix()

	r.mu.Lock()
	defer r.mu.Unlock()

	sc, ok := r.sessions[sessionID]
	if !ok {
		sc = &sessionCounters{actions: make(map[string][]bucket)}
		r.sessions[sessionID] = sc
	}

	buckets := sc.actions[actionKind]
	if len(buckets) > 0 && buckets[len(buckets)-1].key == key {
		buckets[len(buckets)-1].count++
	} else {
		buckets = append(buckets, bucket{key: key, count: 1})
	}
	sc.actions[actionKind] = buckets

	if now.Sub(r.lastGC) > gcInterval {
		r.gcLocked(now)
		r.lastGC = now
	}
}

// GetCount returns the total actions of actionKind recorded for sessionID
// within the sliding window (parsed as a Go duration, e.g. "60s", "5m").
func (r *RateLimiter) GetCount(sessionID, actionKind, window string) int {
	dur, err := time.ParseDuration(window)
	if err != nil {
		r.logger.Warn("invalid window duration, returning 0", "window", window, "error", err)
		return 0
	}
	if dur <= 0 {
		return 0
	}
	if dur > maxWindowDuration {
		dur = maxWindowDuration
	}

	cutoff := time.Now().Add(-dur).Truncate(bucketGranularity).Unix()

	r.mu.Lock()
	defer r.mu.Unlock()

	sc, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}

	total := 0
	for _, b := range sc.actions[actionKind] {
		if b.key >= cutoff {
			total += b.count
		}
	}
	return total
}

// Reset removes all tracked counters for a session, freeing memory when the
// session ends.
func (r *RateLimiter) Reset(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	r.logger.Debug("reset rate limit counters", "session_id", sessionID)
}

// gcLocked prunes buckets older than maxWindowDuration. Caller must hold r.mu.
func (r *RateLimiter) gcLocked(now time.Time) {
	cutoff := now.Add(-maxWindowDuration).Truncate(bucketGranularity).Unix()
	pruned := 0

	for sid, sc := range r.sessions {
		empty := true
		for kind, buckets := range sc.actions {
			firstValid := len(buckets)
			for i, b := range buckets {
				if b.key >= cutoff {
					firstValid = i
					break
				}
			}
			if firstValid > 0 {
				pruned += firstValid
				sc.actions[kind] = buckets[firstValid:]
			}
			if len(sc.actions[kind]) > 0 {
				empty = false
			} else {
				delete(sc.actions, kind)
			}
		}
		if empty {
			delete(r.sessions, sid)
		}
	}

	if pruned > 0 {
		r.logger.Debug("rate limiter GC complete", "pruned_buckets", pruned, "active_sessions", len(r.sessions))
	}
}
