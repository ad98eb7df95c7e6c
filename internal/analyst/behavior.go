package analyst

import (
	"strconv"
	"sync"
	"time"
)

// behaviorTracker accumulates per-user recent-activity and false-positive
// history in process, a locked-map accumulator in the same shape as a
// per-session/per-agent spend tracker. AgentMemory's Decision rows are keyed
// by alert_id, not indexed by user, so this in-process signal stands in for
// "historical FP rate and recent activity from AgentMemory" until a
// user-indexed query exists.
type behaviorTracker struct {
	mu    sync.Mutex
	users map[string]*userStats
	now   func() time.Time
}

type userStats struct {
	totalDecisions int
	falsePositives int
	recentAlerts   []time.Time
}

const recentActivityWindow = time.Hour

func newBehaviorTracker() *behaviorTracker {
	return &behaviorTracker{
		users: make(map[string]*userStats),
		now:   time.Now,
	}
}

// record folds a completed decision into the user's running stats.
func (b *behaviorTracker) record(userID string, decision Decision, when time.Time) {
	if userID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.userOrNewLocked(userID)
	st.totalDecisions++
	if decision == DecisionFalsePositive {
		st.falsePositives++
	}
	st.recentAlerts = append(st.recentAlerts, when)
	st.recentAlerts = pruneOlderThan(st.recentAlerts, b.now().Add(-recentActivityWindow))
}

func (b *behaviorTracker) userOrNewLocked(userID string) *userStats {
	st, ok := b.users[userID]
	if !ok {
		st = &userStats{}
		b.users[userID] = st
	}
	return st
}

// score returns the certainty-side user_behavior component (recent activity
// volume raises suspicion), the fp_probability-side component (historical
// FP rate directly), and a human-readable reason.
func (b *behaviorTracker) score(userID string, now time.Time) (certaintySide, fpSide float64, reason string) {
	if userID == "" {
		return 0.5, 0.2, "no user_id on alert, used neutral default"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.users[userID]
	if !ok || st.totalDecisions == 0 {
		return 0.5, 0.2, "no prior history for user " + userID
	}
	st.recentAlerts = pruneOlderThan(st.recentAlerts, now.Add(-recentActivityWindow))
	recent := clamp01(float64(len(st.recentAlerts)) / 5.0)
	fpRate := float64(st.falsePositives) / float64(st.totalDecisions)
	return recent, fpRate, "recent_alerts=" + strconv.Itoa(len(st.recentAlerts)) + " fp_rate=" + strconv.FormatFloat(fpRate, 'f', 2, 64)
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
