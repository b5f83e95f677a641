package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cuedev/cued/internal/eventbus"
	"github.com/cuedev/cued/internal/filter"
	"github.com/cuedev/cued/internal/gate"
	"github.com/cuedev/cued/internal/rules"
	"github.com/cuedev/cued/internal/runner"
	"github.com/cuedev/cued/internal/schema"
)

// submitEvent takes one trigger event through filtering, fan-out
// resolution, and the concurrency gate. Fan-out replaces delivery to the
// owning session: each resolved target gets a derived event routed through
// that target's own gate instead.
func (e *Engine) submitEvent(sessionID string, sub rules.Subscription, ev schema.Event) {
	if !filter.Matches(ev.Payload, sub.Filter) {
		e.logger.Debug("event filtered out",
			"session", sessionID, "subscription", sub.Name, "filter", filter.Describe(sub.Filter))
		return
	}

	trigger := map[string]any{
		"eventId": ev.ID,
		"kind":    ev.Kind.String(),
		"trigger": ev.TriggerName,
	}
	if path := schema.GetString(ev.Payload, "path"); path != "" {
		trigger["path"] = path
	}
	if schema.GetBool(ev.Payload, "reconciled") {
		trigger["reconciled"] = true
		if missed, ok := schema.GetInt(ev.Payload, "missedCount"); ok {
			trigger["missedCount"] = missed
		}
	}
	e.publish(eventbus.Input{
		Stream:    schema.StreamTriggers,
		SessionID: sessionID,
		Subject:   sub.Name,
		Payload:   trigger,
	})

	if len(sub.FanOutTargets) > 0 {
		for i, target := range sub.FanOutTargets {
			dst, ok := e.resolveSession(target)
			if !ok {
				e.logger.Warn("fan-out target not found",
					"session", sessionID, "subscription", sub.Name, "target", target)
				continue
			}
			derived := ev.CloneWith(map[string]any{
				"fanOutSource": sessionID,
				"fanOutIndex":  i,
			})
			e.enqueue(dst.ID, sub, derived)
		}
		return
	}
	e.enqueue(sessionID, sub, ev)
}

func (e *Engine) enqueue(sessionID string, sub rules.Subscription, ev schema.Event) {
	e.mu.Lock()
	rt, ok := e.sessions[sessionID]
	if !ok || !e.enabled {
		e.mu.Unlock()
		return
	}
	settings := rt.config.Settings
	if !rt.hasConfig {
		settings = rules.Settings{}
	}
	e.mu.Unlock()

	timeout := settings.TimeoutMinutes
	if timeout <= 0 {
		timeout = rules.DefaultTimeoutMinutes
	}
	e.gate.Configure(sessionID, gate.Limits{
		MaxConcurrent: settings.MaxConcurrent,
		QueueCapacity: settings.Queue(),
		Staleness:     time.Duration(timeout * float64(time.Minute)),
	})
	e.gate.Submit(sessionID, gate.QueuedEvent{
		Event:            ev,
		SubscriptionName: sub.Name,
		Prompt:           sub.Prompt,
		QueuedAt:         e.now(),
	})
}

// startRun is the gate's dispatch callback: it owns the slot the gate just
// granted and must eventually release it via completeRun.
func (e *Engine) startRun(sessionID string, q gate.QueuedEvent) {
	e.mu.Lock()
	rt, ok := e.sessions[sessionID]
	if !ok || !e.enabled || e.baseCtx == nil {
		e.mu.Unlock()
		e.gate.Release(sessionID)
		return
	}
	sess := rt.session
	settings := rt.config.Settings
	base := e.baseCtx
	e.mu.Unlock()

	timeout := settings.TimeoutMinutes
	if timeout <= 0 {
		timeout = rules.DefaultTimeoutMinutes
	}

	runID := e.newRunID()
	started := e.now()
	result := schema.RunResult{
		RunID:            runID,
		SessionID:        sess.ID,
		SessionName:      sess.Name,
		SubscriptionName: q.SubscriptionName,
		Event:            q.Event,
		Status:           schema.RunRunning,
		StartedAt:        started,
	}

	ctx, cancel := context.WithTimeout(base, time.Duration(timeout*float64(time.Minute)))
	e.mu.Lock()
	e.runs[runID] = &activeRun{result: result, cancel: cancel}
	e.mu.Unlock()

	e.logger.Info("run started",
		"run", runID, "session", sess.ID, "subscription", q.SubscriptionName, "kind", q.Event.Kind.String())

	go func() {
		defer cancel()
		out, err := e.runner.Run(ctx, runner.Request{
			SessionID:   sess.ID,
			SessionRoot: sess.Root,
			Prompt:      q.Prompt,
			Event:       q.Event,
		})
		e.completeRun(runID, out, err)
	}()
}

// completeRun records the terminal state for a run. Whoever takes the run
// out of the map first wins; a run stopped via StopRun is already gone and
// the late runner return is a no-op.
func (e *Engine) completeRun(runID string, out runner.Output, err error) {
	e.mu.Lock()
	ar, ok := e.runs[runID]
	if ok {
		delete(e.runs, runID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	result := ar.result
	result.EndedAt = e.now()
	result.DurationMs = result.EndedAt.Sub(result.StartedAt).Milliseconds()
	result.Stdout = out.Stdout
	result.Stderr = out.Stderr
	result.ExitCode = out.ExitCode

	switch {
	case err == nil:
		result.Status = schema.RunCompleted
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = schema.RunTimeout
	case errors.Is(err, context.Canceled):
		result.Status = schema.RunStopped
	default:
		result.Status = schema.RunFailed
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
	}

	e.finishRun(result)
}

// finishRun releases the gate slot, journals the outcome, and hands
// non-stopped results to completion chaining.
func (e *Engine) finishRun(result schema.RunResult) {
	e.recordActivity(result)
	e.gate.Release(result.SessionID)

	payload := map[string]any{
		"runId":        result.RunID,
		"subscription": result.SubscriptionName,
		"status":       string(result.Status),
		"durationMs":   result.DurationMs,
	}
	if result.ExitCode != nil {
		payload["exitCode"] = *result.ExitCode
	}
	e.publish(eventbus.Input{
		Stream:    schema.StreamRuns,
		SessionID: result.SessionID,
		Subject:   result.SubscriptionName,
		Payload:   payload,
	})
	e.logger.Info("run finished",
		"run", result.RunID, "session", result.SessionID, "status", string(result.Status),
		"duration_ms", result.DurationMs)

	if result.Status != schema.RunStopped {
		e.handleCompleted(result)
	}
}

func (e *Engine) recordActivity(result schema.RunResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activity = append(e.activity, result)
	if len(e.activity) > activityLogCap {
		e.activity = e.activity[len(e.activity)-activityLogCap:]
	}
}

// reportQueueDrop is the gate's drop callback: every policy drop (overflow
// eviction, disabled queue, staleness) lands on the errors stream so
// subscribers see losses, not just slot grants.
func (e *Engine) reportQueueDrop(sessionID, reason string, q gate.QueuedEvent) {
	e.publish(eventbus.Input{
		Stream:    schema.StreamErrors,
		SessionID: sessionID,
		Subject:   q.SubscriptionName,
		Payload: map[string]any{
			"reason":  reason,
			"eventId": q.Event.ID,
			"kind":    q.Event.Kind.String(),
		},
	})
}

func (e *Engine) publish(in eventbus.Input) {
	if e.bus == nil {
		return
	}
	e.mu.Lock()
	ctx := e.baseCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.bus.Publish(ctx, in)
}

// ActivityLog returns the retained run outcomes, newest first.
func (e *Engine) ActivityLog() []schema.RunResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.RunResult, len(e.activity))
	for i, r := range e.activity {
		out[len(e.activity)-1-i] = r
	}
	return out
}

// ActiveRuns returns a snapshot of in-flight runs.
func (e *Engine) ActiveRuns() []schema.RunResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.RunResult, 0, len(e.runs))
	for _, ar := range e.runs {
		out = append(out, ar.result)
	}
	return out
}

// StopRun aborts one in-flight run. The run is recorded as stopped here;
// the runner's eventual return finds the map entry gone and drops out.
func (e *Engine) StopRun(runID string) bool {
	e.mu.Lock()
	ar, ok := e.runs[runID]
	if ok {
		delete(e.runs, runID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel()

	result := ar.result
	result.Status = schema.RunStopped
	result.EndedAt = e.now()
	result.DurationMs = result.EndedAt.Sub(result.StartedAt).Milliseconds()
	e.finishRun(result)
	return true
}

// StopAll clears every queue first so released slots do not immediately
// refill, then aborts every in-flight run.
func (e *Engine) StopAll() int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	runIDs := make([]string, 0, len(e.runs))
	for id := range e.runs {
		runIDs = append(runIDs, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.gate.ClearQueue(id)
	}
	stopped := 0
	for _, id := range runIDs {
		if e.StopRun(id) {
			stopped++
		}
	}
	return stopped
}

// QueueDepths reports the pending queue depth per session.
func (e *Engine) QueueDepths() map[string]int {
	return e.gate.Depths()
}

// ClearQueue drops every queued event for one session.
func (e *Engine) ClearQueue(sessionID string) int {
	return e.gate.ClearQueue(sessionID)
}

// SessionStatus is the per-session view served by the status API.
type SessionStatus struct {
	SessionID     string               `json:"sessionId"`
	SessionName   string               `json:"sessionName"`
	HasConfig     bool                 `json:"hasConfig"`
	Subscriptions int                  `json:"subscriptions"`
	ActiveRuns    int                  `json:"activeRuns"`
	QueueDepth    int                  `json:"queueDepth"`
	LastTriggered map[string]time.Time `json:"lastTriggered,omitempty"`
	NextTrigger   map[string]time.Time `json:"nextTrigger,omitempty"`
}

// Status reports every registered session in registration order.
func (e *Engine) Status() []SessionStatus {
	e.mu.Lock()
	ids := append([]string{}, e.order...)
	e.mu.Unlock()

	out := make([]SessionStatus, 0, len(ids))
	for _, id := range ids {
		e.mu.Lock()
		rt, ok := e.sessions[id]
		if !ok {
			e.mu.Unlock()
			continue
		}
		st := SessionStatus{
			SessionID:   rt.session.ID,
			SessionName: rt.session.Name,
			HasConfig:   rt.hasConfig,
		}
		if rt.hasConfig {
			st.Subscriptions = len(rt.config.EnabledSubscriptions())
		}
		st.LastTriggered = copyTimes(rt.lastTriggered)
		st.NextTrigger = copyTimes(rt.nextTrigger)
		e.mu.Unlock()

		st.ActiveRuns = e.gate.ActiveCount(id)
		st.QueueDepth = e.gate.QueueDepth(id)
		out = append(out, st)
	}
	return out
}

func copyTimes(in map[string]time.Time) map[string]time.Time {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
