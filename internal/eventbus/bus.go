// Package eventbus fans engine events out to live subscribers and mirrors
// them into the sqlite journal for auditing. Delivery to subscribers is
// best effort: slow consumers drop, and a missing store degrades the bus
// to in-memory broadcast only.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cuedev/cued/internal/state"
)

// Entry is one published engine event.
type Entry struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	SessionID string         `json:"session_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Input is the publish request; the bus assigns ID and CreatedAt.
type Input struct {
	Stream    string
	SessionID string
	Subject   string
	Payload   map[string]any
}

type Bus struct {
	store  *state.Store // nil disables journaling
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	streams map[string]struct{}
	ch      chan Entry
}

func New(store *state.Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{store: store, logger: logger, subs: map[string]*subscriber{}}
}

// Publish assigns an id, journals the entry when a store is available, and
// broadcasts to subscribers. Journal failures are logged, never returned.
func (b *Bus) Publish(ctx context.Context, input Input) Entry {
	entry := Entry{
		ID:        ulid.Make().String(),
		Stream:    input.Stream,
		SessionID: input.SessionID,
		Subject:   input.Subject,
		Payload:   input.Payload,
		CreatedAt: time.Now().UTC(),
	}

	if b.store != nil {
		err := b.store.AppendEvent(ctx, state.JournalEntry{
			ID:        entry.ID,
			Stream:    entry.Stream,
			SessionID: entry.SessionID,
			Subject:   entry.Subject,
			Payload:   entry.Payload,
			CreatedAt: entry.CreatedAt,
		})
		if err != nil {
			b.logger.Warn("journal write failed", "stream", entry.Stream, "error", err)
		}
	}

	b.broadcast(entry)
	return entry
}

// Recent returns journal rows, newest first. Without a store it returns
// nothing: the bus keeps no in-memory history.
func (b *Bus) Recent(ctx context.Context, stream string, limit int) ([]Entry, error) {
	if b.store == nil {
		return nil, nil
	}
	rows, err := b.store.RecentEvents(ctx, stream, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, Entry{
			ID:        row.ID,
			Stream:    row.Stream,
			SessionID: row.SessionID,
			Subject:   row.Subject,
			Payload:   row.Payload,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

// Subscribe delivers matching entries until ctx is cancelled. An empty
// stream list matches every stream.
func (b *Bus) Subscribe(ctx context.Context, streams []string) <-chan Entry {
	ch := make(chan Entry, 64)
	streamSet := map[string]struct{}{}
	for _, s := range streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := ulid.Make().String()

	b.mu.Lock()
	b.subs[id] = &subscriber{streams: streamSet, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(entry Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[entry.Stream]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- entry:
		default:
			// Drop if subscriber is slow.
		}
	}
}
