package remediate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/agentwarden/soc-sentry/internal/memory"
	"golang.org/x/time/rate"
)

// Effector dispatches one Action kind against live state. Each call is
// expected to be idempotent-safe at the caller (Remediator already checks
// the fingerprint before dispatch); effectors just do the work.
type Effector interface {
	Dispatch(ctx context.Context, kind, parameter string, params map[string]string) error
}

// DefaultBlockTTL backs block_ip/terminate_session/suspend_user/isolate_agent
// when the caller doesn't override it via params. DefaultMonitoringWindow is
// not read by any effector; enable_enhanced_monitoring is a marker action.
const (
	DefaultBlockTTL        = time.Hour
	DefaultMonitoringWindow = 4 * time.Hour
)

// blockEffector handles block_ip, terminate_session, suspend_user, and
// isolate_agent: all four are "add an entity to RemediationState with a
// TTL" in AgentMemory, differing only in entityType and whether the kill
// switch also trips.
type blockEffector struct {
	store      memory.Store
	entityType string
	ttl        time.Duration
	killSwitch *KillSwitch
	tripKill   bool
}

func (e *blockEffector) Dispatch(ctx context.Context, kind, parameter string, params map[string]string) error {
	ttl := e.ttl
	if raw, ok := params["ttl_seconds"]; ok {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	now := time.Now().UTC()
	err := e.store.PutBlock(&memory.Block{
		EntityType: e.entityType,
		EntityID:   parameter,
		Reason:     kind,
		BlockedAt:  now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("put block: %w", err)
	}
	if e.tripKill && e.killSwitch != nil {
		if e.entityType == "agent" {
			e.killSwitch.TriggerAgent(parameter, kind, "remediator")
		} else if e.entityType == "session" {
			e.killSwitch.TriggerSession(parameter, kind, "remediator")
		}
	}
	return nil
}

// rateLimitEffector handles rate_limit_ip/rate_limit_user: a token bucket
// per entity, backed in-process by x/time/rate and persisted to AgentMemory
// so a restart doesn't silently reopen the gate.
type rateLimitEffector struct {
	store       memory.Store
	entityType  string
	defaultCap  int
	defaultWin  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimitEffector(store memory.Store, entityType string, cap int, window time.Duration) *rateLimitEffector {
	return &rateLimitEffector{
		store: store, entityType: entityType, defaultCap: cap, defaultWin: window,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (e *rateLimitEffector) Dispatch(ctx context.Context, kind, parameter string, params map[string]string) error {
	limit := e.defaultCap
	window := e.defaultWin
	if raw, ok := params["limit"]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if raw, ok := params["window"]; ok {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			window = time.Duration(secs) * time.Second
		}
	}

	e.mu.Lock()
	lim, ok := e.limiters[parameter]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		e.limiters[parameter] = lim
	}
	e.mu.Unlock()

	// Reserve a token now so the bucket is actually in force the instant
	// this effector runs; the limiter itself enforces future calls inline
	// wherever ingress consults it.
	if !lim.Allow() {
		// Bucket already exhausted from a prior trip: that's fine, the
		// state this action asserts is "limited", not "limited starting now".
	}

	if err := e.store.PutRateLimitState(&memory.RateLimitState{
		EntityType: e.entityType, EntityID: parameter,
		Limit: limit, Window: window,
		Tokens: lim.Tokens(), LastRefill: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("put rate limit state: %w", err)
	}
	return nil
}

// markerEffector handles the catalogue's non-destructive kinds (flag_user,
// initiate_forensics, enable_enhanced_monitoring, notify_compliance_team,
// require_human_review): no RemediationState write, just a log line and
// whatever the audit layer already appends for every action result.
type markerEffector struct {
	logger *slog.Logger
	kind   string
}

func (e *markerEffector) Dispatch(ctx context.Context, kind, parameter string, params map[string]string) error {
	e.logger.Info("marker action applied", "kind", kind, "parameter", parameter)
	return nil
}

// newCatalogue builds the whitelisted effector catalogue, wired to
// the given store/kill switch/config.
func newCatalogue(store memory.Store, killSwitch *KillSwitch, rlLimit int, rlWindow time.Duration, logger *slog.Logger) map[string]Effector {
	return map[string]Effector{
		"block_ip":           &blockEffector{store: store, entityType: "ip", ttl: DefaultBlockTTL},
		"terminate_session":  &blockEffector{store: store, entityType: "session", ttl: DefaultBlockTTL, killSwitch: killSwitch, tripKill: true},
		"suspend_user":       &blockEffector{store: store, entityType: "user", ttl: DefaultBlockTTL},
		"isolate_agent":      &blockEffector{store: store, entityType: "agent", ttl: DefaultBlockTTL, killSwitch: killSwitch, tripKill: true},
		"rate_limit_ip":      newRateLimitEffector(store, "ip", rlLimit, rlWindow),
		"rate_limit_user":    newRateLimitEffector(store, "user", rlLimit, rlWindow),
		"flag_user":                  &markerEffector{logger: logger, kind: "flag_user"},
		"initiate_forensics":         &markerEffector{logger: logger, kind: "initiate_forensics"},
		"enable_enhanced_monitoring": &markerEffector{logger: logger, kind: "enable_enhanced_monitoring"},
		"notify_compliance_team":     &markerEffector{logger: logger, kind: "notify_compliance_team"},
		"require_human_review":       &markerEffector{logger: logger, kind: "require_human_review"},
	}
}

// requiresRealModeKinds lists action kinds treated as requiring real mode
// even if the Action wasn't explicitly marked RequiresRealMode by Analyst.
var requiresRealModeKinds = map[string]bool{
	"block_ip": true, "suspend_user": true, "isolate_agent": true,
	"terminate_session": true, "initiate_forensics": true,
}
