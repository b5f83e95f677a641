package engine

import (
	"strings"
	"time"

	"github.com/cuedev/cued/internal/eventbus"
	"github.com/cuedev/cued/internal/fanin"
	"github.com/cuedev/cued/internal/rules"
	"github.com/cuedev/cued/internal/schema"
)

// completionMatch is one agentCompleted subscription that listens for a
// given source session.
type completionMatch struct {
	ownerID  string
	sub      rules.Subscription
	settings rules.Settings
}

// handleCompleted fans a terminal run out to every agentCompleted
// subscription listing the run's session as a source. Single-source
// subscriptions fire immediately; multi-source ones feed their fan-in
// aggregation and fire when it resolves.
func (e *Engine) handleCompleted(result schema.RunResult) {
	matches := e.completionMatches(result.SessionID, result.SessionName)
	if len(matches) == 0 {
		return
	}

	output := result.Stdout
	if result.Status != schema.RunCompleted && output == "" {
		output = result.Stderr
	}
	output = tail(output, outputTailLimit)

	for _, m := range matches {
		if len(m.sub.Sources) <= 1 {
			payload := map[string]any{
				"sourceSession":   result.SessionName,
				"sourceSessionId": result.SessionID,
				"status":          string(result.Status),
				"durationMs":      result.DurationMs,
				"sourceOutput":    output,
			}
			if result.ExitCode != nil {
				payload["exitCode"] = *result.ExitCode
			}
			ev := schema.NewEvent(schema.KindAgentCompleted, m.sub.Name, payload)
			e.submitEvent(m.ownerID, m.sub, ev)
			continue
		}

		expected := e.expectedSources(m.sub.Sources)
		timeout := m.settings.TimeoutMinutes
		if timeout <= 0 {
			timeout = rules.DefaultTimeoutMinutes
		}
		policy := fanin.PolicyBreak
		if m.settings.TimeoutPolicy == rules.PolicyContinue {
			policy = fanin.PolicyContinue
		}
		e.fanins.Record(
			fanin.Key{SessionID: m.ownerID, SubscriptionName: m.sub.Name},
			expected,
			fanin.SourceResult{
				SourceID:   result.SessionID,
				SourceName: result.SessionName,
				Output:     output,
			},
			time.Duration(timeout*float64(time.Minute)),
			policy,
		)
	}
}

// completionMatches scans every live config for enabled agentCompleted
// subscriptions whose sources name the session by id or display name.
func (e *Engine) completionMatches(sourceID, sourceName string) []completionMatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []completionMatch
	for _, id := range e.order {
		rt, ok := e.sessions[id]
		if !ok || !rt.hasConfig {
			continue
		}
		for _, sub := range rt.config.EnabledSubscriptions() {
			if sub.Kind != schema.KindAgentCompleted {
				continue
			}
			for _, src := range sub.Sources {
				if src == sourceID || src == sourceName {
					out = append(out, completionMatch{
						ownerID:  id,
						sub:      sub,
						settings: rt.config.Settings,
					})
					break
				}
			}
		}
	}
	return out
}

// expectedSources resolves the subscription's source list against the live
// session registry. Unresolvable entries stay expected under their literal
// name, so the aggregation can still time out on them rather than resolve
// early with a source silently missing.
func (e *Engine) expectedSources(sources []string) []fanin.SourceRef {
	out := make([]fanin.SourceRef, 0, len(sources))
	for _, src := range sources {
		if sess, ok := e.resolveSession(src); ok {
			out = append(out, fanin.SourceRef{ID: sess.ID, Name: sess.Name})
			continue
		}
		out = append(out, fanin.SourceRef{ID: src, Name: src})
	}
	return out
}

// reportFanInTimeout is the tracker's timeout callback: an aggregation
// resolved by its timer is published to the errors stream whether or not a
// partial result was still dispatched.
func (e *Engine) reportFanInTimeout(key fanin.Key, missing []string, dispatched bool) {
	e.publish(eventbus.Input{
		Stream:    schema.StreamErrors,
		SessionID: key.SessionID,
		Subject:   key.SubscriptionName,
		Payload: map[string]any{
			"reason":           "fanin_timeout",
			"timedOutSessions": missing,
			"partial":          dispatched,
		},
	})
}

// finishAggregation is the fan-in tracker's dispatch callback: it turns a
// resolved aggregation into one agentCompleted event for the owner.
func (e *Engine) finishAggregation(key fanin.Key, res fanin.Result) {
	sub, ok := e.findSubscription(key.SessionID, key.SubscriptionName)
	if !ok {
		e.logger.Warn("fan-in resolved for removed subscription",
			"session", key.SessionID, "subscription", key.SubscriptionName)
		return
	}

	names := make([]string, 0, len(res.Sources))
	outputs := make([]string, 0, len(res.Sources))
	for _, src := range res.Sources {
		names = append(names, src.SourceName)
		outputs = append(outputs, src.Output)
	}
	payload := map[string]any{
		"sourceSession": strings.Join(names, ", "),
		"sourceOutput":  tail(strings.Join(outputs, "\n---\n"), outputTailLimit),
	}
	if res.Partial {
		payload["partial"] = true
		payload["timedOutSessions"] = res.TimedOut
	}
	ev := schema.NewEvent(schema.KindAgentCompleted, sub.Name, payload)
	e.submitEvent(key.SessionID, sub, ev)
}

// CompletionNotice describes work that finished outside the engine's own
// runner.
type CompletionNotice struct {
	Status     schema.RunStatus
	Output     string
	ExitCode   *int
	DurationMs int64
}

// NotifySessionCompleted injects an external completion, feeding the same
// chaining path as engine-managed runs.
func (e *Engine) NotifySessionCompleted(idOrName string, notice CompletionNotice) bool {
	sess, ok := e.resolveSession(idOrName)
	if !ok {
		return false
	}
	now := e.now()
	e.handleCompleted(schema.RunResult{
		RunID:       e.newRunID(),
		SessionID:   sess.ID,
		SessionName: sess.Name,
		Status:      notice.Status,
		Stdout:      notice.Output,
		ExitCode:    notice.ExitCode,
		DurationMs:  notice.DurationMs,
		StartedAt:   now,
		EndedAt:     now,
	})
	return true
}

// HasCompletionSubscribers reports whether any enabled agentCompleted
// subscription lists the session as a source.
func (e *Engine) HasCompletionSubscribers(idOrName string) bool {
	sess, ok := e.resolveSession(idOrName)
	if !ok {
		return false
	}
	return len(e.completionMatches(sess.ID, sess.Name)) > 0
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
