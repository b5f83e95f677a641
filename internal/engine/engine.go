// Package engine coordinates the Cue automation core: it owns the session
// registry, the subscription scheduler, the per-session concurrency gate,
// fan-in/fan-out completion chaining, the heartbeat loop, and sleep/wake
// reconciliation. All mutable state hangs off one Engine instance and is
// reached only through its methods.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuedev/cued/internal/eventbus"
	"github.com/cuedev/cued/internal/fanin"
	"github.com/cuedev/cued/internal/gate"
	"github.com/cuedev/cued/internal/idgen"
	"github.com/cuedev/cued/internal/reconcile"
	"github.com/cuedev/cued/internal/rules"
	"github.com/cuedev/cued/internal/runner"
	"github.com/cuedev/cued/internal/schema"
	"github.com/cuedev/cued/internal/state"
	"github.com/cuedev/cued/internal/watchfs"
)

const (
	heartbeatInterval = 30 * time.Second
	sleepGapThreshold = 2 * time.Minute
	journalRetention  = 7 * 24 * time.Hour
	activityLogCap    = 500
	outputTailLimit   = 5000
)

// Session is one registered agent workspace.
type Session struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Root string `json:"root"`
}

type sessionRuntime struct {
	session   Session
	config    rules.Config
	hasConfig bool

	stopTimers    []chan struct{}
	watchCancels  []func()
	reloadCancel  func()
	lastTriggered map[string]time.Time
	nextTrigger   map[string]time.Time
}

type activeRun struct {
	result schema.RunResult
	cancel context.CancelFunc
}

type configLoader func(root string) (rules.Config, bool, error)
type configWatcher func(root string, onChange func()) (func(), error)
type fileWatcher func(glob, root string, debounce time.Duration, onEvent func(watchfs.ChangeEvent)) (func(), error)

type Engine struct {
	runner runner.Runner
	store  *state.Store // nil disables persistence
	bus    *eventbus.Bus
	logger *slog.Logger

	nowFn    func() time.Time
	newRunID func() string
	loadFn   configLoader
	ruleFn   configWatcher
	watchFn  fileWatcher

	gate   *gate.Gate
	fanins *fanin.Tracker

	mu         sync.Mutex
	enabled    bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
	sessions   map[string]*sessionRuntime
	order      []string
	runs       map[string]*activeRun
	activity   []schema.RunResult
}

type Option func(*Engine)

func WithClock(nowFn func() time.Time) Option {
	return func(e *Engine) {
		if nowFn != nil {
			e.nowFn = nowFn
		}
	}
}

func WithRunIDs(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newRunID = fn
		}
	}
}

func WithConfigLoader(fn configLoader) Option {
	return func(e *Engine) {
		if fn != nil {
			e.loadFn = fn
		}
	}
}

func WithConfigWatcher(fn configWatcher) Option {
	return func(e *Engine) {
		if fn != nil {
			e.ruleFn = fn
		}
	}
}

func WithFileWatcher(fn fileWatcher) Option {
	return func(e *Engine) {
		if fn != nil {
			e.watchFn = fn
		}
	}
}

func New(r runner.Runner, store *state.Store, bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		runner:   r,
		store:    store,
		bus:      bus,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
		newRunID: idgen.NewRunID,
		loadFn:   rules.Load,
		ruleFn:   rules.Watch,
		watchFn:  watchfs.Watch,
		sessions: map[string]*sessionRuntime{},
		runs:     map[string]*activeRun{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.gate = gate.New(e.startRun, logger,
		gate.WithClock(e.nowFn), gate.WithDropReporter(e.reportQueueDrop))
	e.fanins = fanin.New(e.finishAggregation, logger,
		fanin.WithTimeoutReporter(e.reportFanInTimeout))
	return e
}

func (e *Engine) now() time.Time {
	return e.nowFn().UTC()
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Start enables the engine: journal pruning, session initialization, sleep
// detection against the last persisted heartbeat, then the heartbeat loop.
// Storage problems are warnings; the engine always comes up.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.enabled {
		e.mu.Unlock()
		return
	}
	e.enabled = true
	ctx, cancel := context.WithCancel(context.Background())
	e.baseCtx, e.baseCancel = ctx, cancel
	ids := append([]string{}, e.order...)
	e.mu.Unlock()

	e.pruneJournal(ctx)
	for _, id := range ids {
		e.initSession(id, false)
	}
	e.detectSleep(ctx)
	e.writeHeartbeat(ctx)
	go e.heartbeatLoop(ctx)
	e.logger.Info("cue engine started", "sessions", len(ids))
}

// Stop disables the engine: every session's timers and watchers are torn
// down (standby watchers included), fan-in state and queues cleared, all
// in-flight runs aborted, the heartbeat loop cancelled, and storage closed.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	e.enabled = false
	cancel := e.baseCancel
	ids := append([]string{}, e.order...)
	e.mu.Unlock()

	for _, id := range ids {
		e.teardownSession(id)
	}
	e.fanins.Clear()
	e.StopAll()
	e.gate.StopAll()
	if cancel != nil {
		cancel()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("close store", "error", err)
		}
	}
	e.logger.Info("cue engine stopped")
}

// RegisterSession adds a session to the registry. With the engine enabled
// the session is initialized immediately.
func (e *Engine) RegisterSession(s Session) {
	e.mu.Lock()
	_, exists := e.sessions[s.ID]
	e.mu.Unlock()
	if exists {
		// Re-registration replaces the runtime; drop the old timers first.
		e.teardownSession(s.ID)
	}

	e.mu.Lock()
	if !exists {
		e.order = append(e.order, s.ID)
	}
	e.sessions[s.ID] = &sessionRuntime{
		session:       s,
		lastTriggered: map[string]time.Time{},
		nextTrigger:   map[string]time.Time{},
	}
	enabled := e.enabled
	e.mu.Unlock()

	if enabled {
		e.initSession(s.ID, false)
	}
}

// Sessions returns the registered sessions in registration order.
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Session, 0, len(e.order))
	for _, id := range e.order {
		if rt, ok := e.sessions[id]; ok {
			out = append(out, rt.session)
		}
	}
	return out
}

// RefreshSession tears a session down and re-initializes it from its rule
// file. An absent file leaves a standby watcher that re-initializes the
// session the moment the file reappears.
func (e *Engine) RefreshSession(id string) {
	e.mu.Lock()
	_, ok := e.sessions[id]
	enabled := e.enabled
	e.mu.Unlock()
	if !ok || !enabled {
		return
	}
	e.teardownSession(id)
	e.initSession(id, true)
}

// RemoveSession tears the session down and forgets it: queue, in-flight
// counters, fan-in aggregations, and any standby watcher go with it.
func (e *Engine) RemoveSession(id string) {
	e.teardownSession(id)
	e.gate.Remove(id)
	e.fanins.RemoveSession(id)

	e.mu.Lock()
	delete(e.sessions, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.logger.Info("session removed", "session", id)
}

func (e *Engine) pruneJournal(ctx context.Context) {
	if e.store == nil {
		return
	}
	cutoff := e.now().Add(-journalRetention)
	pruned, err := e.store.PruneEventsOlderThan(ctx, cutoff)
	if err != nil {
		e.logger.Warn("journal prune failed", "error", err)
		return
	}
	if pruned > 0 {
		e.logger.Info("journal pruned", "rows", pruned)
	}
}

func (e *Engine) detectSleep(ctx context.Context) {
	if e.store == nil {
		return
	}
	beat, present, err := e.store.ReadHeartbeat(ctx)
	if err != nil {
		e.logger.Warn("heartbeat read failed, skipping sleep detection", "error", err)
		return
	}
	if !present {
		return
	}
	wake := e.now()
	gap := wake.Sub(beat)
	if gap < sleepGapThreshold {
		return
	}
	e.logger.Info("sleep gap detected", "gap_minutes", int(gap.Minutes()))

	e.mu.Lock()
	snapshots := make([]reconcile.SessionSnapshot, 0, len(e.order))
	for _, id := range e.order {
		rt := e.sessions[id]
		if rt == nil || !rt.hasConfig {
			continue
		}
		snapshots = append(snapshots, reconcile.SessionSnapshot{
			SessionID:   rt.session.ID,
			SessionName: rt.session.Name,
			Config:      rt.config,
		})
	}
	e.mu.Unlock()

	for _, c := range reconcile.Plan(beat, wake, snapshots) {
		sub, ok := e.findSubscription(c.SessionID, c.SubscriptionName)
		if !ok {
			continue
		}
		ev := schema.NewEvent(schema.KindInterval, c.SubscriptionName, map[string]any{
			"reconciled":      true,
			"missedCount":     c.MissedCount,
			"sleepDurationMs": c.SleepDuration.Milliseconds(),
		})
		e.logger.Info("reconciling missed interval",
			"session", c.SessionID, "subscription", c.SubscriptionName, "missed", c.MissedCount)
		e.submitEvent(c.SessionID, sub, ev)
	}
}

func (e *Engine) writeHeartbeat(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.WriteHeartbeat(ctx, e.now()); err != nil {
		e.logger.Warn("heartbeat write failed", "error", err)
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.writeHeartbeat(ctx)
		}
	}
}

func (e *Engine) findSubscription(sessionID, name string) (rules.Subscription, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.sessions[sessionID]
	if !ok || !rt.hasConfig {
		return rules.Subscription{}, false
	}
	for _, sub := range rt.config.Subscriptions {
		if sub.Name == name {
			return sub, true
		}
	}
	return rules.Subscription{}, false
}

// resolveSession matches an id or display name against the live session
// list, first match in registration order winning.
func (e *Engine) resolveSession(idOrName string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.order {
		rt, ok := e.sessions[id]
		if !ok {
			continue
		}
		if rt.session.ID == idOrName || rt.session.Name == idOrName {
			return rt.session, true
		}
	}
	return Session{}, false
}
