// Package fanin aggregates completions from multiple source sessions
// before firing one downstream event. Each aggregation resolves exactly
// once: either when every expected source has completed or when its
// timeout fires.
package fanin

import (
	"log/slog"
	"sync"
	"time"
)

// Key identifies one aggregation: the owning session and the subscription
// it belongs to.
type Key struct {
	SessionID        string
	SubscriptionName string
}

// SourceRef names one expected source.
type SourceRef struct {
	ID   string
	Name string
}

// SourceResult is one recorded completion, output already truncated by the
// caller.
type SourceResult struct {
	SourceID   string
	SourceName string
	Output     string
}

type Policy string

const (
	PolicyBreak    Policy = "break"
	PolicyContinue Policy = "continue"
)

// Result is handed to the dispatch callback on resolution. Sources are in
// completion order. Partial is set only for continue-policy timeouts, with
// TimedOut naming the sources that never completed.
type Result struct {
	Sources  []SourceResult
	Partial  bool
	TimedOut []string
}

// DispatchFunc receives the resolved aggregation. Called outside the
// tracker's lock, after the aggregation has been removed, so re-entrant
// Record calls start a fresh aggregation.
type DispatchFunc func(key Key, res Result)

type aggregation struct {
	expected []SourceRef
	seen     map[string]int // source id -> index into results
	results  []SourceResult
	timer    *time.Timer
	policy   Policy
}

// TimeoutFunc observes aggregations resolved by timeout rather than
// completion. Dispatched reports whether a partial result was still sent
// (continue policy). Called outside the tracker's lock.
type TimeoutFunc func(key Key, missing []string, dispatched bool)

type Tracker struct {
	dispatch  DispatchFunc
	logger    *slog.Logger
	onTimeout TimeoutFunc

	mu   sync.Mutex
	aggs map[Key]*aggregation
}

type Option func(*Tracker)

func WithTimeoutReporter(fn TimeoutFunc) Option {
	return func(t *Tracker) {
		t.onTimeout = fn
	}
}

func New(dispatch DispatchFunc, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{dispatch: dispatch, logger: logger, aggs: map[Key]*aggregation{}}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Record stores one source completion. The first recorded completion
// creates the aggregation and arms its timeout from the owner's settings.
// When all expected sources have completed the timer is cancelled, the
// aggregation removed, and the result dispatched. Returns true when this
// call resolved the aggregation.
func (t *Tracker) Record(key Key, expected []SourceRef, src SourceResult, timeout time.Duration, policy Policy) bool {
	t.mu.Lock()
	agg, ok := t.aggs[key]
	if !ok {
		agg = &aggregation{
			expected: expected,
			seen:     map[string]int{},
			policy:   policy,
		}
		t.aggs[key] = agg
		if timeout > 0 {
			agg.timer = time.AfterFunc(timeout, func() { t.resolveTimeout(key) })
		}
	}

	if idx, dup := agg.seen[src.SourceID]; dup {
		// A source ran again before the aggregation resolved: keep its
		// position in completion order, refresh its output.
		agg.results[idx] = src
	} else {
		agg.seen[src.SourceID] = len(agg.results)
		agg.results = append(agg.results, src)
	}

	if len(agg.seen) < len(agg.expected) {
		remaining := len(agg.expected) - len(agg.seen)
		t.mu.Unlock()
		t.logger.Info("fan-in progress",
			"session", key.SessionID, "subscription", key.SubscriptionName,
			"completed", src.SourceName, "remaining", remaining)
		return false
	}

	if agg.timer != nil {
		agg.timer.Stop()
	}
	delete(t.aggs, key)
	res := Result{Sources: agg.results}
	t.mu.Unlock()

	t.dispatch(key, res)
	return true
}

// resolveTimeout fires when an aggregation's timer expires. With the break
// policy the aggregation is discarded; with continue it dispatches what
// completed, marked partial.
func (t *Tracker) resolveTimeout(key Key) {
	t.mu.Lock()
	agg, ok := t.aggs[key]
	if !ok {
		// Resolved or torn down between timer fire and lock acquisition.
		t.mu.Unlock()
		return
	}
	delete(t.aggs, key)

	var missing []string
	for _, ref := range agg.expected {
		if _, done := agg.seen[ref.ID]; !done {
			missing = append(missing, ref.Name)
		}
	}
	res := Result{Sources: agg.results, Partial: true, TimedOut: missing}
	policy := agg.policy
	t.mu.Unlock()

	if policy == PolicyContinue {
		t.logger.Warn("fan-in timeout, dispatching partial",
			"session", key.SessionID, "subscription", key.SubscriptionName, "missing", missing)
		if t.onTimeout != nil {
			t.onTimeout(key, missing, true)
		}
		t.dispatch(key, res)
		return
	}
	t.logger.Warn("fan-in timeout, discarding aggregation",
		"session", key.SessionID, "subscription", key.SubscriptionName, "missing", missing)
	if t.onTimeout != nil {
		t.onTimeout(key, missing, false)
	}
}

// Pending returns how many sources have completed for the aggregation, or
// zero when none exists.
func (t *Tracker) Pending(key Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if agg, ok := t.aggs[key]; ok {
		return len(agg.results)
	}
	return 0
}

// RemoveSession discards every aggregation owned by the session, stopping
// timers. Used on session removal: an aggregation must never dangle past
// its owner.
func (t *Tracker) RemoveSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, agg := range t.aggs {
		if key.SessionID != sessionID {
			continue
		}
		if agg.timer != nil {
			agg.timer.Stop()
		}
		delete(t.aggs, key)
	}
}

// Clear discards all aggregations. Used on engine stop.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, agg := range t.aggs {
		if agg.timer != nil {
			agg.timer.Stop()
		}
		delete(t.aggs, key)
	}
}
