package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cuedev/cued/internal/eventbus"
	"github.com/cuedev/cued/internal/schema"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (r *recordingWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.messages = append(r.messages, cp)
	return nil
}

func (r *recordingWriter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestStreamEventsForwardsMatchingStreams(t *testing.T) {
	bus := eventbus.New(nil, nil)
	writer := &recordingWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- streamEvents(ctx, bus, []string{schema.StreamRuns}, writer)
	}()

	waitForSubscribers(t, bus)
	bus.Publish(ctx, eventbus.Input{Stream: schema.StreamRuns, Subject: "tick"})
	bus.Publish(ctx, eventbus.Input{Stream: schema.StreamTriggers, Subject: "skip"})

	deadline := time.Now().Add(2 * time.Second)
	for writer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if writer.count() != 1 {
		t.Fatalf("forwarded %d message(s), want 1", writer.count())
	}

	var entry eventbus.Entry
	if err := json.Unmarshal(writer.messages[0], &entry); err != nil {
		t.Fatalf("decode forwarded entry: %v", err)
	}
	if entry.Stream != schema.StreamRuns || entry.Subject != "tick" {
		t.Fatalf("entry: %+v", entry)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Fatalf("streamEvents returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("streamEvents did not return after cancel")
	}
}

func waitForSubscribers(t *testing.T, bus *eventbus.Bus) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if bus.SubscriberCount() == 0 {
		t.Fatalf("subscriber never registered")
	}
}
