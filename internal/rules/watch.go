package rules

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debounce window for rule-file change notifications. Editors tend to
// write-then-rename, producing bursts of events for one logical save.
const watchDebounce = 250 * time.Millisecond

// Watch observes the rule file at root and invokes onChange after each
// debounced create/write/remove burst. It watches the directory rather
// than the file so it survives rename-replace cycles and fires when a
// deleted file is recreated. The returned cancel is idempotent.
func Watch(root string, onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rule watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	var mu sync.Mutex
	var pending *time.Timer
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != FileName {
					continue
				}
				mu.Lock()
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(watchDebounce, onChange)
				mu.Unlock()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			mu.Unlock()
		})
	}
	return cancel, nil
}
