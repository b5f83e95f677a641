package engine

import (
	"time"

	"github.com/cuedev/cued/internal/rules"
	"github.com/cuedev/cued/internal/schema"
	"github.com/cuedev/cued/internal/watchfs"
)

// initSession loads the session's rule file and arms its interval timers
// and file watchers. Without a rule file the session goes to standby with
// only a rule-file watcher armed, so dropping a cue.yaml into the
// workspace activates it without a restart.
func (e *Engine) initSession(id string, reloaded bool) {
	e.mu.Lock()
	rt, ok := e.sessions[id]
	if !ok || !e.enabled {
		e.mu.Unlock()
		return
	}
	root := rt.session.Root
	e.mu.Unlock()

	cfg, present, err := e.loadFn(root)
	if err != nil {
		e.logger.Warn("cue config rejected", "session", id, "error", err)
		present = false
	}

	e.mu.Lock()
	rt, ok = e.sessions[id]
	if !ok || !e.enabled {
		e.mu.Unlock()
		return
	}
	rt.config = cfg
	rt.hasConfig = present
	e.mu.Unlock()

	e.armRuleWatch(id, root)
	if !present {
		if reloaded {
			e.logger.Info("cue config removed, session on standby", "session", id)
		} else {
			e.logger.Info("session on standby, no cue config", "session", id)
		}
		return
	}

	subs := cfg.EnabledSubscriptions()
	for _, sub := range subs {
		switch sub.Kind {
		case schema.KindInterval:
			e.armInterval(id, sub)
		case schema.KindFileChange:
			e.armFileWatch(id, root, sub)
		case schema.KindAgentCompleted:
			// driven by completion chaining, nothing to arm
		}
	}
	if reloaded {
		e.logger.Info("cue config reloaded", "session", id, "subscriptions", len(subs))
	} else {
		e.logger.Info("session initialized", "session", id, "subscriptions", len(subs))
	}
}

func (e *Engine) armRuleWatch(id, root string) {
	cancel, err := e.ruleFn(root, func() {
		e.logger.Info("cue config changed on disk", "session", id)
		e.RefreshSession(id)
	})
	if err != nil {
		e.logger.Warn("cue config watch failed", "session", id, "error", err)
		return
	}
	e.mu.Lock()
	rt, ok := e.sessions[id]
	if !ok || !e.enabled {
		e.mu.Unlock()
		cancel()
		return
	}
	rt.reloadCancel = cancel
	e.mu.Unlock()
}

func (e *Engine) armFileWatch(id, root string, sub rules.Subscription) {
	name := sub.Name
	cancel, err := e.watchFn(sub.WatchGlob, root, watchfs.DefaultDebounce, func(ch watchfs.ChangeEvent) {
		s, ok := e.findSubscription(id, name)
		if !ok {
			return
		}
		ev := schema.NewEvent(schema.KindFileChange, name, map[string]any{
			"path":       ch.Path,
			"filename":   ch.Filename,
			"dir":        ch.Dir,
			"ext":        ch.Ext,
			"changeKind": string(ch.Kind),
		})
		e.submitEvent(id, s, ev)
	})
	if err != nil {
		e.logger.Warn("file watch failed", "session", id, "subscription", name, "error", err)
		return
	}
	e.mu.Lock()
	rt, ok := e.sessions[id]
	if !ok || !e.enabled {
		e.mu.Unlock()
		cancel()
		return
	}
	rt.watchCancels = append(rt.watchCancels, cancel)
	e.mu.Unlock()
}

// teardownSession stops the session's timers and watchers, including the
// standby rule-file watcher, and clears its trigger bookkeeping. The
// session stays registered; in-flight runs keep going.
func (e *Engine) teardownSession(id string) {
	e.mu.Lock()
	rt, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	stops := rt.stopTimers
	cancels := rt.watchCancels
	reload := rt.reloadCancel
	rt.stopTimers = nil
	rt.watchCancels = nil
	rt.reloadCancel = nil
	rt.hasConfig = false
	rt.config = rules.Config{}
	rt.lastTriggered = map[string]time.Time{}
	rt.nextTrigger = map[string]time.Time{}
	e.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	for _, cancel := range cancels {
		cancel()
	}
	if reload != nil {
		reload()
	}
}
