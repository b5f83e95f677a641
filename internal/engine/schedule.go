package engine

import (
	"time"

	"github.com/cuedev/cued/internal/rules"
	"github.com/cuedev/cued/internal/schema"
)

// timerContext pins down what an interval timer fires for, so a reloaded
// config never leaks events from a stale subscription definition.
type timerContext struct {
	sessionID string
	sub       rules.Subscription
	interval  time.Duration
}

// armInterval fires the subscription once immediately and then on every
// interval tick until the session is torn down.
func (e *Engine) armInterval(id string, sub rules.Subscription) {
	interval := time.Duration(sub.IntervalMinutes * float64(time.Minute))
	if interval <= 0 {
		e.logger.Warn("interval subscription without interval", "session", id, "subscription", sub.Name)
		return
	}
	stop := make(chan struct{})

	e.mu.Lock()
	rt, ok := e.sessions[id]
	if !ok || !e.enabled {
		e.mu.Unlock()
		return
	}
	rt.stopTimers = append(rt.stopTimers, stop)
	rt.nextTrigger[sub.Name] = e.now()
	e.mu.Unlock()

	tc := timerContext{sessionID: id, sub: sub, interval: interval}
	e.onIntervalFire(tc, stop)
	go e.runInterval(tc, stop)
}

func (e *Engine) runInterval(tc timerContext, stop chan struct{}) {
	ticker := time.NewTicker(tc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			e.onIntervalFire(tc, stop)
		}
	}
}

func (e *Engine) onIntervalFire(tc timerContext, stop chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}
	// Re-check liveness: the session may have been torn down or the
	// config swapped between the tick and this callback.
	e.mu.Lock()
	rt, ok := e.sessions[tc.sessionID]
	live := ok && e.enabled && rt.hasConfig
	if live {
		now := e.now()
		rt.lastTriggered[tc.sub.Name] = now
		rt.nextTrigger[tc.sub.Name] = now.Add(tc.interval)
	}
	e.mu.Unlock()
	if !live {
		return
	}
	if _, ok := e.findSubscription(tc.sessionID, tc.sub.Name); !ok {
		return
	}
	ev := schema.NewEvent(schema.KindInterval, tc.sub.Name, map[string]any{
		"intervalMinutes": tc.sub.IntervalMinutes,
	})
	e.submitEvent(tc.sessionID, tc.sub, ev)
}
