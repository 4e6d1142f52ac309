// Package event derives the canonical list of upcoming stream events.
package event

import (
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/beekhof/streamplan-sync/internal/feed"
)

// MaxTitleLength is the schedule API's title limit, in code points.
const MaxTitleLength = 140

// StartTimeLayout renders start times in UTC with a literal Z suffix.
const StartTimeLayout = "2006-01-02T15:04:05Z"

// ErrEventIncomplete marks a raw event that cannot be synced because it
// has no end.
var ErrEventIncomplete = errors.New("event incomplete")

// Event is an upcoming stream event ready to be pushed downstream.
type Event struct {
	Title           string    `json:"title"`
	Start           time.Time `json:"start_time"` // UTC
	DurationMinutes int       `json:"duration_minutes"`
}

// StartTime returns Start formatted with StartTimeLayout.
func (e Event) StartTime() string {
	return e.Start.UTC().Format(StartTimeLayout)
}

func (e Event) String() string {
	return fmt.Sprintf("%q at %s (%dm)", e.Title, e.StartTime(), e.DurationMinutes)
}

// Normalize converts raw feed events into the upcoming-event list: only
// timed events starting strictly after now, sorted ascending by start.
// Events without an end are skipped with a warning.
func Normalize(raw []feed.RawEvent, now time.Time, log logrus.FieldLogger) []Event {
	events := make([]Event, 0, len(raw))

	for _, r := range raw {
		if r.AllDay || r.Start.IsZero() {
			continue
		}

		start := r.Start.UTC()
		if !start.After(now) {
			continue
		}

		if !r.HasEnd {
			log.WithError(ErrEventIncomplete).WithFields(logrus.Fields{
				"uid":   r.UID,
				"title": r.Summary,
				"start": start.Format(StartTimeLayout),
			}).Warn("Skipping event without end")
			continue
		}

		events = append(events, Event{
			Title:           TruncateTitle(r.Summary),
			Start:           start,
			DurationMinutes: durationMinutes(start, r.End),
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events
}

// TruncateTitle cuts title to MaxTitleLength code points. The result is
// always a byte prefix of title; an invalid byte counts as one code point.
func TruncateTitle(title string) string {
	offset := 0
	for n := 0; offset < len(title); n++ {
		if n == MaxTitleLength {
			return title[:offset]
		}
		_, size := utf8.DecodeRuneInString(title[offset:])
		offset += size
	}
	return title
}

// durationMinutes floors the span to whole minutes; a negative span is 0.
func durationMinutes(start, end time.Time) int {
	seconds := int64(end.Sub(start) / time.Second)
	if seconds <= 0 {
		return 0
	}
	return int(seconds / 60)
}
