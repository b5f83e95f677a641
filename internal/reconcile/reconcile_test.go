package reconcile

import (
	"testing"
	"time"

	"github.com/cuedev/cued/internal/rules"
	"github.com/cuedev/cued/internal/schema"
)

func snapshot(subs ...rules.Subscription) []SessionSnapshot {
	return []SessionSnapshot{{
		SessionID:   "s1",
		SessionName: "backend",
		Config:      rules.Config{Subscriptions: subs},
	}}
}

func interval(name string, minutes float64) rules.Subscription {
	return rules.Subscription{
		Name:            name,
		Kind:            schema.KindInterval,
		IntervalMinutes: minutes,
		Prompt:          "catch up",
	}
}

func TestPlanComputesMissedCount(t *testing.T) {
	wake := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	sleep := wake.Add(-60 * time.Minute)

	plan := Plan(sleep, wake, snapshot(interval("every-15", 15)))
	if len(plan) != 1 {
		t.Fatalf("expected one catch-up, got %d", len(plan))
	}
	c := plan[0]
	if c.MissedCount != 4 {
		t.Fatalf("missed count: got %d, want 4", c.MissedCount)
	}
	if c.SleepDuration != 60*time.Minute {
		t.Fatalf("sleep duration: got %v", c.SleepDuration)
	}
	if c.SubscriptionName != "every-15" || c.SessionID != "s1" {
		t.Fatalf("identity: %+v", c)
	}
}

func TestPlanOnePerSubscriptionRegardlessOfMissed(t *testing.T) {
	wake := time.Now().UTC()
	sleep := wake.Add(-10 * time.Hour)

	plan := Plan(sleep, wake, snapshot(interval("every-1", 1), interval("every-30", 30)))
	if len(plan) != 2 {
		t.Fatalf("expected one catch-up per subscription, got %d", len(plan))
	}
	if plan[0].MissedCount != 600 {
		t.Fatalf("every-1 missed: got %d", plan[0].MissedCount)
	}
	if plan[1].MissedCount != 20 {
		t.Fatalf("every-30 missed: got %d", plan[1].MissedCount)
	}
}

func TestPlanZeroOrNegativeGap(t *testing.T) {
	now := time.Now().UTC()
	if got := Plan(now, now, snapshot(interval("a", 1))); got != nil {
		t.Fatalf("zero gap should plan nothing, got %v", got)
	}
	if got := Plan(now.Add(time.Hour), now, snapshot(interval("a", 1))); got != nil {
		t.Fatalf("negative gap should plan nothing, got %v", got)
	}
}

func TestPlanSkipsGapShorterThanInterval(t *testing.T) {
	wake := time.Now().UTC()
	plan := Plan(wake.Add(-10*time.Minute), wake, snapshot(interval("every-15", 15)))
	if len(plan) != 0 {
		t.Fatalf("gap shorter than interval should plan nothing, got %v", plan)
	}
}

func TestPlanSkipsDisabledAndNonIntervalKinds(t *testing.T) {
	disabled := false
	subs := []rules.Subscription{
		{Name: "off", Kind: schema.KindInterval, IntervalMinutes: 1, Prompt: "p", Enabled: &disabled},
		{Name: "watcher", Kind: schema.KindFileChange, WatchGlob: "*.go", Prompt: "p"},
		{Name: "chain", Kind: schema.KindAgentCompleted, Sources: rules.StringList{"other"}, Prompt: "p"},
	}
	wake := time.Now().UTC()
	plan := Plan(wake.Add(-2*time.Hour), wake, snapshot(subs...))
	if len(plan) != 0 {
		t.Fatalf("only enabled interval subscriptions reconcile, got %v", plan)
	}
}
