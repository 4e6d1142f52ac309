package event

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/beekhof/streamplan-sync/internal/feed"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func raw(summary string, start time.Time, duration time.Duration) feed.RawEvent {
	return feed.RawEvent{
		UID:     summary,
		Summary: summary,
		Start:   start,
		End:     start.Add(duration),
		HasEnd:  true,
	}
}

func TestNormalize_Scenario(t *testing.T) {
	logger, _ := test.NewNullLogger()
	input := []feed.RawEvent{
		raw("Show B", now.Add(3*time.Hour), 30*time.Minute),
		raw("Old show", now.Add(-2*time.Hour), time.Hour),
		raw("Show A", now.Add(1*time.Hour), 60*time.Minute),
	}

	got := Normalize(input, now, logger)
	want := []Event{
		{Title: "Show A", Start: now.Add(1 * time.Hour), DurationMinutes: 60},
		{Title: "Show B", Start: now.Add(3 * time.Hour), DurationMinutes: 30},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
	}
	if got[0].StartTime() != "2025-06-01T13:00:00Z" {
		t.Errorf("Expected start time 2025-06-01T13:00:00Z, got %s", got[0].StartTime())
	}
}

func TestNormalize_StartEqualToNowIsExcluded(t *testing.T) {
	logger, _ := test.NewNullLogger()
	input := []feed.RawEvent{
		raw("Now", now, time.Hour),
		raw("Just after", now.Add(time.Second), time.Hour),
	}

	got := Normalize(input, now, logger)
	if len(got) != 1 || got[0].Title != "Just after" {
		t.Errorf("Expected only the event after now, got %v", got)
	}
}

func TestNormalize_SortedAscending(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var input []feed.RawEvent
	for _, h := range []int{9, 2, 7, 2, 5, 1} {
		input = append(input, raw("h", now.Add(time.Duration(h)*time.Hour), time.Hour))
	}

	got := Normalize(input, now, logger)
	if len(got) != len(input) {
		t.Fatalf("Expected %d events, got %d", len(input), len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Start.Before(got[i-1].Start) {
			t.Errorf("Events not sorted at index %d: %s before %s", i, got[i-1].StartTime(), got[i].StartTime())
		}
	}
}

func TestNormalize_DuplicatesAreKept(t *testing.T) {
	logger, _ := test.NewNullLogger()
	start := now.Add(time.Hour)
	input := []feed.RawEvent{
		raw("First", start, time.Hour),
		raw("Second", start, time.Hour),
	}

	got := Normalize(input, now, logger)
	if len(got) != 2 {
		t.Fatalf("Expected both same-time events to survive, got %d", len(got))
	}
	if got[0].Title != "First" || got[1].Title != "Second" {
		t.Errorf("Expected feed order to be kept for equal starts, got %v", got)
	}
}

func TestNormalize_TimezonesRenderInUTC(t *testing.T) {
	logger, _ := test.NewNullLogger()
	berlin := time.FixedZone("CEST", 2*60*60)
	input := []feed.RawEvent{
		raw("Berlin", time.Date(2025, 6, 2, 20, 0, 0, 0, berlin), time.Hour),
	}

	got := Normalize(input, now, logger)
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].StartTime() != "2025-06-02T18:00:00Z" {
		t.Errorf("Expected UTC rendering, got %s", got[0].StartTime())
	}
}

func TestNormalize_SkipsIncompleteAndAllDay(t *testing.T) {
	logger, hook := test.NewNullLogger()
	incomplete := raw("No end", now.Add(time.Hour), 0)
	incomplete.HasEnd = false
	allDay := raw("Holiday", now.Add(24*time.Hour), 24*time.Hour)
	allDay.AllDay = true

	got := Normalize([]feed.RawEvent{incomplete, allDay, raw("Ok", now.Add(2*time.Hour), time.Hour)}, now, logger)
	if len(got) != 1 || got[0].Title != "Ok" {
		t.Fatalf("Expected only the complete timed event, got %v", got)
	}

	entry := hook.LastEntry()
	if entry == nil || !strings.Contains(entry.Message, "without end") {
		t.Errorf("Expected a warning for the incomplete event, got %v", entry)
	}
}

func TestNormalize_DurationFloorsToMinutes(t *testing.T) {
	logger, _ := test.NewNullLogger()
	input := []feed.RawEvent{
		raw("Odd", now.Add(time.Hour), 90*time.Minute+59*time.Second),
		raw("Backwards", now.Add(2*time.Hour), -time.Hour),
	}

	got := Normalize(input, now, logger)
	if got[0].DurationMinutes != 90 {
		t.Errorf("Expected 90 minutes, got %d", got[0].DurationMinutes)
	}
	if got[1].DurationMinutes != 0 {
		t.Errorf("Expected negative span to clamp to 0, got %d", got[1].DurationMinutes)
	}
}

func TestTruncateTitle(t *testing.T) {
	long := strings.Repeat("ä", 200)

	got := TruncateTitle(long)
	if n := len([]rune(got)); n != MaxTitleLength {
		t.Errorf("Expected %d code points, got %d", MaxTitleLength, n)
	}
	if !strings.HasPrefix(long, got) {
		t.Error("Expected truncated title to be a prefix of the input title")
	}

	short := "Short title"
	if TruncateTitle(short) != short {
		t.Errorf("Expected short title unchanged, got %q", TruncateTitle(short))
	}

	exact := strings.Repeat("x", MaxTitleLength)
	if TruncateTitle(exact) != exact {
		t.Error("Expected a title of exactly the limit to be unchanged")
	}
}

func TestTruncateTitle_InvalidUTF8(t *testing.T) {
	long := "Stream \xff\xfe " + strings.Repeat("ü", 200)

	got := TruncateTitle(long)
	if !strings.HasPrefix(long, got) {
		t.Errorf("Expected truncated title to be a byte prefix of the input, got %q", got)
	}
	if !strings.Contains(got, "\xff\xfe") {
		t.Error("Expected invalid bytes to be kept, not replaced")
	}
	if n := utf8.RuneCountInString(got); n != MaxTitleLength {
		t.Errorf("Expected %d code points, got %d", MaxTitleLength, n)
	}
}
