// Package reconcile computes the catch-up work owed after a detected host
// sleep gap. It is a pure planning step: the engine dispatches the result
// through its normal submission path.
package reconcile

import (
	"time"

	"github.com/cuedev/cued/internal/rules"
	"github.com/cuedev/cued/internal/schema"
)

// SessionSnapshot is the per-session input: identity plus the loaded rule
// config at wake time.
type SessionSnapshot struct {
	SessionID   string
	SessionName string
	Config      rules.Config
}

// CatchUp is one synthetic firing owed to a subscription. Exactly one is
// planned per (session, subscription) regardless of how many intervals
// were missed; MissedCount carries the tally.
type CatchUp struct {
	SessionID        string
	SessionName      string
	SubscriptionName string
	Prompt           string
	Filter           map[string]any
	MissedCount      int
	SleepDuration    time.Duration
}

// Plan returns the catch-up firings for the gap between sleepStart and
// wake. Only enabled interval subscriptions with a positive interval are
// considered: file watchers self-heal and completions are durable through
// the fan-in tracker, so neither is reconciled. A non-positive gap plans
// nothing.
func Plan(sleepStart, wake time.Time, sessions []SessionSnapshot) []CatchUp {
	gap := wake.Sub(sleepStart)
	if gap <= 0 {
		return nil
	}

	var out []CatchUp
	for _, session := range sessions {
		for _, sub := range session.Config.EnabledSubscriptions() {
			if sub.Kind != schema.KindInterval || sub.IntervalMinutes <= 0 {
				continue
			}
			interval := time.Duration(sub.IntervalMinutes * float64(time.Minute))
			missed := int(gap / interval)
			if missed <= 0 {
				continue
			}
			out = append(out, CatchUp{
				SessionID:        session.SessionID,
				SessionName:      session.SessionName,
				SubscriptionName: sub.Name,
				Prompt:           sub.Prompt,
				Filter:           sub.Filter,
				MissedCount:      missed,
				SleepDuration:    gap,
			})
		}
	}
	return out
}
