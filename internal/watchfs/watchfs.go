// Package watchfs turns raw fsnotify events into a debounced, glob-filtered
// change stream. Consumers receive one event per path per burst.
package watchfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuedev/cued/internal/filter"
)

type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "change"
	ChangeRemove ChangeKind = "remove"
)

// ChangeEvent describes one debounced file-system change.
type ChangeEvent struct {
	Path     string     `json:"path"`
	Filename string     `json:"filename"`
	Dir      string     `json:"dir"`
	Ext      string     `json:"ext"`
	Kind     ChangeKind `json:"changeKind"`
}

const DefaultDebounce = 500 * time.Millisecond

// Watch observes root recursively and invokes onEvent for every change
// whose root-relative path matches glob. Events for the same path within
// the debounce window coalesce into one delivery carrying the latest kind.
// The returned cancel stops the watcher and pending timers.
func Watch(glob, root string, debounce time.Duration, onEvent func(ChangeEvent)) (func(), error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := addRecursive(watcher, root); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &watchState{
		glob:     glob,
		root:     root,
		debounce: debounce,
		onEvent:  onEvent,
		watcher:  watcher,
		pending:  map[string]*pendingChange{},
		done:     make(chan struct{}),
	}
	go w.loop()

	return w.cancel, nil
}

type pendingChange struct {
	timer *time.Timer
	kind  ChangeKind
}

type watchState struct {
	glob     string
	root     string
	debounce time.Duration
	onEvent  func(ChangeEvent)
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	pending  map[string]*pendingChange
	done     chan struct{}
	stopOnce sync.Once
}

func (w *watchState) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *watchState) handle(ev fsnotify.Event) {
	kind, ok := kindOf(ev.Op)
	if !ok {
		return
	}
	// New directories must be registered so nested changes keep flowing.
	if kind == ChangeAdd {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = addRecursive(w.watcher, ev.Name)
			return
		}
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	if !matchesGlob(w.glob, rel) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, exists := w.pending[ev.Name]; exists {
		p.kind = kind
		p.timer.Reset(w.debounce)
		return
	}
	p := &pendingChange{kind: kind}
	path := ev.Name
	p.timer = time.AfterFunc(w.debounce, func() { w.fire(path) })
	w.pending[path] = p
}

func (w *watchState) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	select {
	case <-w.done:
		w.mu.Unlock()
		return
	default:
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	w.onEvent(ChangeEvent{
		Path:     path,
		Filename: filepath.Base(path),
		Dir:      filepath.Dir(path),
		Ext:      filepath.Ext(path),
		Kind:     p.kind,
	})
}

func (w *watchState) cancel() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		close(w.done)
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	})
}

func kindOf(op fsnotify.Op) (ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return ChangeAdd, true
	case op.Has(fsnotify.Write):
		return ChangeModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return ChangeRemove, true
	default:
		return "", false
	}
}

// matchesGlob matches the relative path, falling back to the base name so
// that patterns like "*.go" apply anywhere under the root.
func matchesGlob(glob, rel string) bool {
	if glob == "" || glob == "*" {
		return true
	}
	rel = filepath.ToSlash(rel)
	if filter.Glob(glob, rel) {
		return true
	}
	return !strings.Contains(glob, "/") && filter.Glob(glob, filepath.Base(rel))
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
