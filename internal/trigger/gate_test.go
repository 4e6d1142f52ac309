package trigger

import (
	"testing"
	"time"

	"github.com/beekhof/streamplan-sync/internal/config"
	"github.com/beekhof/streamplan-sync/internal/feed"
)

var now = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

func startedAgo(summary string, d time.Duration) feed.RawEvent {
	start := now.Add(-d)
	return feed.RawEvent{UID: summary, Summary: summary, Start: start, End: start.Add(2 * time.Hour), HasEnd: true}
}

func defaultGate() Gate {
	return Gate{MinAge: config.DefaultTriggerMinAge, MaxAge: config.DefaultTriggerMaxAge}
}

func TestEvaluate_Window(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		run  bool
	}{
		{"started 45 minutes ago", 45 * time.Minute, true},
		{"started 20 minutes ago", 20 * time.Minute, false},
		{"started 70 minutes ago", 70 * time.Minute, false},
		{"lower bound", 30 * time.Minute, true},
		{"upper bound", 65 * time.Minute, true},
		{"just past upper bound", 65*time.Minute + time.Second, false},
		{"upcoming", -time.Hour, false},
	}

	gate := defaultGate()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gate.Evaluate(config.ModePeriodic, []feed.RawEvent{startedAgo("Stream", tt.age)}, now)
			if got.Run != tt.run {
				t.Errorf("Expected run=%v, got %v (%s)", tt.run, got.Run, got.Reason)
			}
			if got.Run && (got.Trigger == nil || got.Trigger.Summary != "Stream") {
				t.Errorf("Expected trigger event to be reported, got %+v", got.Trigger)
			}
		})
	}
}

func TestEvaluate_ManualAlwaysRuns(t *testing.T) {
	got := defaultGate().Evaluate(config.ModeManual, nil, now)
	if !got.Run {
		t.Error("Expected manual mode to run with no events")
	}
	if got.Trigger != nil {
		t.Errorf("Expected no trigger event for manual run, got %+v", got.Trigger)
	}

	got = defaultGate().Evaluate(config.ModeManual, []feed.RawEvent{startedAgo("Old", 24*time.Hour)}, now)
	if !got.Run {
		t.Error("Expected manual mode to run regardless of events")
	}
}

func TestEvaluate_FirstMatchInFeedOrder(t *testing.T) {
	events := []feed.RawEvent{
		startedAgo("Too early", 10*time.Minute),
		startedAgo("Second show", 50*time.Minute),
		startedAgo("First show", 40*time.Minute),
	}

	got := defaultGate().Evaluate(config.ModePeriodic, events, now)
	if !got.Run {
		t.Fatalf("Expected run, got skip: %s", got.Reason)
	}
	if got.Trigger.Summary != "Second show" {
		t.Errorf("Expected trigger 'Second show', got %q", got.Trigger.Summary)
	}
}

func TestEvaluate_IgnoresAllDayEvents(t *testing.T) {
	allDay := startedAgo("Holiday", 45*time.Minute)
	allDay.AllDay = true

	got := defaultGate().Evaluate(config.ModePeriodic, []feed.RawEvent{allDay}, now)
	if got.Run {
		t.Error("Expected all-day event not to open the gate")
	}
}

func TestEvaluate_ComparesInUTC(t *testing.T) {
	berlin := time.FixedZone("CEST", 2*60*60)
	ev := startedAgo("Berlin", 45*time.Minute)
	ev.Start = ev.Start.In(berlin)

	got := defaultGate().Evaluate(config.ModePeriodic, []feed.RawEvent{ev}, now.In(berlin))
	if !got.Run {
		t.Errorf("Expected run for zoned event, got skip: %s", got.Reason)
	}
}

func TestNewGate(t *testing.T) {
	gate := NewGate(config.Config{TriggerMinAge: 5 * time.Minute, TriggerMaxAge: 10 * time.Minute})
	if gate.MinAge != 5*time.Minute || gate.MaxAge != 10*time.Minute {
		t.Errorf("Expected window 5m-10m, got %s-%s", gate.MinAge, gate.MaxAge)
	}
}
