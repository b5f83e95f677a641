package fanin

import (
	"sync"
	"testing"
	"time"
)

type resolution struct {
	key Key
	res Result
}

type recorder struct {
	mu   sync.Mutex
	seen []resolution
}

func (r *recorder) fn(key Key, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, resolution{key: key, res: res})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *recorder) first(t *testing.T) resolution {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		t.Fatalf("no resolution recorded")
	}
	return r.seen[0]
}

var sourcesAB = []SourceRef{{ID: "a", Name: "alpha"}, {ID: "b", Name: "beta"}}

func TestAllSourcesCompleteDispatchesOnce(t *testing.T) {
	rec := &recorder{}
	tr := New(rec.fn, nil)
	key := Key{SessionID: "owner", SubscriptionName: "fan-in"}

	done := tr.Record(key, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha", Output: "out-a"}, time.Minute, PolicyBreak)
	if done {
		t.Fatalf("first of two sources should not resolve")
	}
	if tr.Pending(key) != 1 {
		t.Fatalf("pending: got %d", tr.Pending(key))
	}

	done = tr.Record(key, sourcesAB, SourceResult{SourceID: "b", SourceName: "beta", Output: "out-b"}, time.Minute, PolicyBreak)
	if !done {
		t.Fatalf("second source should resolve")
	}

	got := rec.first(t)
	if got.res.Partial {
		t.Fatalf("full completion should not be partial")
	}
	if len(got.res.Sources) != 2 || got.res.Sources[0].SourceName != "alpha" || got.res.Sources[1].SourceName != "beta" {
		t.Fatalf("completion order: %+v", got.res.Sources)
	}
	if tr.Pending(key) != 0 {
		t.Fatalf("aggregation should be removed after resolution")
	}

	// No late timer fire after resolution.
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("dispatched %d times, want exactly 1", rec.count())
	}
}

func TestTimeoutContinueDispatchesPartial(t *testing.T) {
	rec := &recorder{}
	tr := New(rec.fn, nil)
	key := Key{SessionID: "owner", SubscriptionName: "fan-in"}

	tr.Record(key, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha", Output: "out-a"}, 30*time.Millisecond, PolicyContinue)

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	got := rec.first(t)
	if !got.res.Partial {
		t.Fatalf("timeout resolution should be partial")
	}
	if len(got.res.TimedOut) != 1 || got.res.TimedOut[0] != "beta" {
		t.Fatalf("timed out sources: %v", got.res.TimedOut)
	}
	if len(got.res.Sources) != 1 || got.res.Sources[0].SourceID != "a" {
		t.Fatalf("partial sources: %+v", got.res.Sources)
	}
	if tr.Pending(key) != 0 {
		t.Fatalf("aggregation should be discarded after timeout")
	}
}

func TestTimeoutBreakDiscardsWithoutDispatch(t *testing.T) {
	rec := &recorder{}
	tr := New(rec.fn, nil)
	key := Key{SessionID: "owner", SubscriptionName: "fan-in"}

	tr.Record(key, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha"}, 30*time.Millisecond, PolicyBreak)

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("break policy must not dispatch, got %d", rec.count())
	}
	if tr.Pending(key) != 0 {
		t.Fatalf("aggregation should be discarded")
	}
}

func TestDuplicateSourceKeepsOrderRefreshesOutput(t *testing.T) {
	rec := &recorder{}
	tr := New(rec.fn, nil)
	key := Key{SessionID: "owner", SubscriptionName: "fan-in"}

	tr.Record(key, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha", Output: "v1"}, time.Minute, PolicyBreak)
	tr.Record(key, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha", Output: "v2"}, time.Minute, PolicyBreak)
	tr.Record(key, sourcesAB, SourceResult{SourceID: "b", SourceName: "beta", Output: "out-b"}, time.Minute, PolicyBreak)

	got := rec.first(t)
	if got.res.Sources[0].Output != "v2" {
		t.Fatalf("duplicate completion should refresh output, got %q", got.res.Sources[0].Output)
	}
	if rec.count() != 1 {
		t.Fatalf("dispatched %d times", rec.count())
	}
}

func TestRemoveSessionStopsPendingAggregations(t *testing.T) {
	rec := &recorder{}
	tr := New(rec.fn, nil)
	key := Key{SessionID: "owner", SubscriptionName: "fan-in"}

	tr.Record(key, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha"}, 30*time.Millisecond, PolicyContinue)
	tr.RemoveSession("owner")

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("removed aggregation must not dispatch")
	}

	// A fresh aggregation for the same key starts clean.
	if tr.Pending(key) != 0 {
		t.Fatalf("pending after removal: %d", tr.Pending(key))
	}
}

func TestSingleSourceAggregationResolvesImmediately(t *testing.T) {
	rec := &recorder{}
	tr := New(rec.fn, nil)
	key := Key{SessionID: "owner", SubscriptionName: "solo"}

	done := tr.Record(key, []SourceRef{{ID: "a", Name: "alpha"}}, SourceResult{SourceID: "a", SourceName: "alpha"}, time.Minute, PolicyBreak)
	if !done || rec.count() != 1 {
		t.Fatalf("single-source aggregation should resolve on first record")
	}
}

type timeoutRecorder struct {
	mu   sync.Mutex
	keys []Key
	seen [][]string
	sent []bool
}

func (r *timeoutRecorder) fn(key Key, missing []string, dispatched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.seen = append(r.seen, missing)
	r.sent = append(r.sent, dispatched)
}

func (r *timeoutRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func TestTimeoutReporterSeesBothPolicies(t *testing.T) {
	rec := &recorder{}
	timeouts := &timeoutRecorder{}
	tr := New(rec.fn, nil, WithTimeoutReporter(timeouts.fn))

	breakKey := Key{SessionID: "owner", SubscriptionName: "break-sub"}
	contKey := Key{SessionID: "owner", SubscriptionName: "cont-sub"}
	tr.Record(breakKey, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha"}, 30*time.Millisecond, PolicyBreak)
	tr.Record(contKey, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha"}, 30*time.Millisecond, PolicyContinue)

	deadline := time.Now().Add(2 * time.Second)
	for timeouts.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if timeouts.count() != 2 {
		t.Fatalf("timeout reports: got %d, want 2", timeouts.count())
	}

	timeouts.mu.Lock()
	defer timeouts.mu.Unlock()
	for i, key := range timeouts.keys {
		if len(timeouts.seen[i]) != 1 || timeouts.seen[i][0] != "beta" {
			t.Fatalf("missing sources for %v: %v", key, timeouts.seen[i])
		}
		wantDispatched := key == contKey
		if timeouts.sent[i] != wantDispatched {
			t.Fatalf("dispatched flag for %v: got %v", key, timeouts.sent[i])
		}
	}
}

func TestCompletionResolutionSkipsTimeoutReporter(t *testing.T) {
	rec := &recorder{}
	timeouts := &timeoutRecorder{}
	tr := New(rec.fn, nil, WithTimeoutReporter(timeouts.fn))
	key := Key{SessionID: "owner", SubscriptionName: "fan-in"}

	tr.Record(key, sourcesAB, SourceResult{SourceID: "a", SourceName: "alpha"}, time.Minute, PolicyBreak)
	tr.Record(key, sourcesAB, SourceResult{SourceID: "b", SourceName: "beta"}, time.Minute, PolicyBreak)

	if rec.count() != 1 {
		t.Fatalf("completion should dispatch once, got %d", rec.count())
	}
	if timeouts.count() != 0 {
		t.Fatalf("completion resolution must not report a timeout")
	}
}
