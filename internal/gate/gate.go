// Package gate enforces per-session admission control: at most
// maxConcurrent in-flight runs per session, with overflow parked in a
// bounded FIFO that favors the newest event.
package gate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cuedev/cued/internal/schema"
)

// QueuedEvent is owned exclusively by the gate from submit to dispatch or
// drop.
type QueuedEvent struct {
	Event            schema.Event
	SubscriptionName string
	Prompt           string
	QueuedAt         time.Time
}

// DispatchFunc receives an admitted event. It is invoked outside the
// gate's lock; the session's slot is already counted when it runs, and the
// callee must eventually call Release for it.
type DispatchFunc func(sessionID string, q QueuedEvent)

// Limits are the per-session admission settings.
type Limits struct {
	MaxConcurrent int
	QueueCapacity int
	Staleness     time.Duration // queued entries older than this are dropped during drain
}

type sessionState struct {
	limits Limits
	active int
	queue  []QueuedEvent
}

// Drop reasons passed to the DropFunc.
const (
	DropQueueDisabled = "queue_disabled"
	DropQueueOverflow = "queue_overflow"
	DropStale         = "stale"
)

// DropFunc observes events the gate discards by policy. Called outside the
// gate's lock.
type DropFunc func(sessionID, reason string, q QueuedEvent)

type Gate struct {
	dispatch DispatchFunc
	logger   *slog.Logger
	nowFn    func() time.Time
	onDrop   DropFunc

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type Option func(*Gate)

func WithClock(nowFn func() time.Time) Option {
	return func(g *Gate) {
		if nowFn != nil {
			g.nowFn = nowFn
		}
	}
}

func WithDropReporter(fn DropFunc) Option {
	return func(g *Gate) {
		g.onDrop = fn
	}
}

func New(dispatch DispatchFunc, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		dispatch: dispatch,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
		sessions: map[string]*sessionState{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Configure sets the session's limits. Existing queue and in-flight state
// survive a reconfigure; the new limits apply from the next submit/drain.
func (g *Gate) Configure(sessionID string, limits Limits) {
	if limits.MaxConcurrent < 1 {
		limits.MaxConcurrent = 1
	}
	if limits.QueueCapacity < 0 {
		limits.QueueCapacity = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state(sessionID).limits = limits
}

// Submit admits the event if a slot is free, otherwise queues it. When the
// queue is full the oldest entry is evicted first: overflow always favors
// the newest event. Returns true when the event was dispatched immediately.
func (g *Gate) Submit(sessionID string, q QueuedEvent) bool {
	if q.QueuedAt.IsZero() {
		q.QueuedAt = g.nowFn()
	}

	g.mu.Lock()
	st := g.state(sessionID)
	if st.active < st.limits.MaxConcurrent {
		st.active++
		g.mu.Unlock()
		g.dispatch(sessionID, q)
		return true
	}
	if st.limits.QueueCapacity == 0 {
		g.mu.Unlock()
		g.logger.Warn("queue disabled, dropping event",
			"session", sessionID, "subscription", q.SubscriptionName, "event", q.Event.ID)
		g.reportDrop(sessionID, DropQueueDisabled, q)
		return false
	}
	var evicted *QueuedEvent
	if len(st.queue) >= st.limits.QueueCapacity {
		dropped := st.queue[0]
		st.queue = st.queue[1:]
		evicted = &dropped
		g.logger.Warn("queue full, dropping oldest",
			"session", sessionID, "subscription", dropped.SubscriptionName, "event", dropped.Event.ID)
	}
	st.queue = append(st.queue, q)
	g.mu.Unlock()
	if evicted != nil {
		g.reportDrop(sessionID, DropQueueOverflow, *evicted)
	}
	return false
}

func (g *Gate) reportDrop(sessionID, reason string, q QueuedEvent) {
	if g.onDrop != nil {
		g.onDrop(sessionID, reason, q)
	}
}

// Release frees one slot and drains the queue: stale entries are discarded
// without consuming a slot, fresh ones dispatch until the session is at
// capacity again.
func (g *Gate) Release(sessionID string) {
	now := g.nowFn()

	g.mu.Lock()
	st, ok := g.sessions[sessionID]
	if !ok {
		g.mu.Unlock()
		return
	}
	if st.active > 0 {
		st.active--
	}

	var dispatchable, stale []QueuedEvent
	for st.active < st.limits.MaxConcurrent && len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		if st.limits.Staleness > 0 && now.Sub(next.QueuedAt) > st.limits.Staleness {
			g.logger.Warn("dropping stale queued event",
				"session", sessionID, "subscription", next.SubscriptionName,
				"queued_at", next.QueuedAt, "event", next.Event.ID)
			stale = append(stale, next)
			continue
		}
		st.active++
		dispatchable = append(dispatchable, next)
	}
	if len(st.queue) == 0 {
		st.queue = nil
	}
	g.mu.Unlock()

	for _, q := range stale {
		g.reportDrop(sessionID, DropStale, q)
	}
	for _, q := range dispatchable {
		g.dispatch(sessionID, q)
	}
}

func (g *Gate) ActiveCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.sessions[sessionID]; ok {
		return st.active
	}
	return 0
}

func (g *Gate) QueueDepth(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.sessions[sessionID]; ok {
		return len(st.queue)
	}
	return 0
}

// Depths reports queue depth per session with queued work.
func (g *Gate) Depths() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]int{}
	for id, st := range g.sessions {
		if len(st.queue) > 0 {
			out[id] = len(st.queue)
		}
	}
	return out
}

// ClearQueue drops all queued entries for the session and returns how many
// were dropped. In-flight counts are untouched.
func (g *Gate) ClearQueue(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.sessions[sessionID]
	if !ok {
		return 0
	}
	n := len(st.queue)
	st.queue = nil
	return n
}

// Remove wipes all state for the session, queued and in-flight.
func (g *Gate) Remove(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// StopAll wipes queued and in-flight state for every session.
func (g *Gate) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = map[string]*sessionState{}
}

// state returns the session entry, creating it with safe defaults. Callers
// hold g.mu.
func (g *Gate) state(sessionID string) *sessionState {
	st, ok := g.sessions[sessionID]
	if !ok {
		st = &sessionState{limits: Limits{MaxConcurrent: 1, QueueCapacity: 10}}
		g.sessions[sessionID] = st
	}
	return st
}
