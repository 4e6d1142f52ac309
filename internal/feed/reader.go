// Package feed fetches the stream calendar and turns it into raw event records.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/sirupsen/logrus"
	"github.com/teambition/rrule-go"
)

// CalendarMarker must appear in every well-formed feed body.
const CalendarMarker = "BEGIN:VCALENDAR"

var (
	// ErrFeedUnavailable means the feed could not be fetched.
	ErrFeedUnavailable = errors.New("feed unavailable")
	// ErrFeedMalformed means the fetched body is not a usable calendar document.
	ErrFeedMalformed = errors.New("feed malformed")
)

// RawEvent is one VEVENT (or one occurrence of a recurring VEVENT) as read
// from the feed. Start and End carry the source timezone; floating values
// are parsed as UTC and flagged.
type RawEvent struct {
	UID      string
	Summary  string
	Start    time.Time
	End      time.Time
	HasEnd   bool // false when the event has neither DTEND nor DURATION
	AllDay   bool // DTSTART is a DATE rather than a DATE-TIME
	Floating bool // DTSTART had no timezone
}

// Options controls parsing and recurrence expansion.
type Options struct {
	// ExpandRecurrences emits one RawEvent per occurrence of an RRULE/RDATE
	// event inside [Now()-Lookback, Now()+Horizon]. When false, only the
	// master instance is emitted.
	ExpandRecurrences bool
	Lookback          time.Duration
	Horizon           time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Reader fetches and parses calendar feeds.
type Reader struct {
	client *http.Client
	opts   Options
	log    logrus.FieldLogger
}

// NewReader creates a Reader. A nil client uses a client with a 30s timeout.
func NewReader(client *http.Client, opts Options, log logrus.FieldLogger) *Reader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Lookback == 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.Horizon == 0 {
		opts.Horizon = 90 * 24 * time.Hour
	}
	return &Reader{client: client, opts: opts, log: log}
}

// Read fetches feedURL and parses it into raw events in feed order.
func (r *Reader) Read(ctx context.Context, feedURL string) ([]RawEvent, error) {
	body, err := r.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	return r.Parse(body)
}

// Fetch downloads the feed body. Any transport failure or non-2xx status is
// reported as ErrFeedUnavailable.
func (r *Reader) Fetch(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	req.Header.Set("Accept", "text/calendar")

	r.log.WithField("url", redactURL(feedURL)).Debug("feed fetch start")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFeedUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFeedUnavailable, err)
	}

	r.log.WithFields(logrus.Fields{
		"url":   redactURL(feedURL),
		"bytes": len(body),
	}).Debug("feed fetch success")
	return body, nil
}

// Parse decodes a calendar body. Events without DTSTART are skipped.
func (r *Reader) Parse(body []byte) ([]RawEvent, error) {
	if !bytes.Contains(body, []byte(CalendarMarker)) {
		return nil, fmt.Errorf("%w: missing %s", ErrFeedMalformed, CalendarMarker)
	}

	var vevents []ical.Event
	dec := ical.NewDecoder(bytes.NewReader(body))
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFeedMalformed, err)
		}
		vevents = append(vevents, cal.Events()...)
	}

	overrides := overriddenInstances(vevents)
	now := r.opts.Now()
	from, to := now.Add(-r.opts.Lookback), now.Add(r.opts.Horizon)

	var events []RawEvent
	for i := range vevents {
		ev := &vevents[i]
		raw, ok, err := toRawEvent(ev)
		if err != nil {
			r.log.WithError(err).WithField("uid", raw.UID).Warn("Skipping event with unreadable dates")
			continue
		}
		if !ok {
			r.log.WithField("uid", raw.UID).Debug("Skipping event without DTSTART")
			continue
		}

		if !r.opts.ExpandRecurrences || !isRecurring(ev) || ev.Props.Get(ical.PropRecurrenceID) != nil {
			events = append(events, raw)
			continue
		}

		occurrences, err := expand(ev, raw, from, to, overrides[raw.UID])
		if err != nil {
			r.log.WithError(err).WithField("uid", raw.UID).Warn("Failed to expand recurrence, using master instance only")
			events = append(events, raw)
			continue
		}
		events = append(events, occurrences...)
	}

	r.log.WithField("event_count", len(events)).Debug("feed parse completed")
	return events, nil
}

func toRawEvent(ev *ical.Event) (RawEvent, bool, error) {
	var raw RawEvent
	if uid := ev.Props.Get(ical.PropUID); uid != nil {
		raw.UID = uid.Value
	}
	if summary, err := ev.Props.Text(ical.PropSummary); err == nil {
		raw.Summary = summary
	}

	startProp := ev.Props.Get(ical.PropDateTimeStart)
	if startProp == nil || startProp.Value == "" {
		return raw, false, nil
	}
	raw.AllDay = isDateValue(startProp)
	raw.Floating = !raw.AllDay && isFloating(startProp)

	// Floating values are interpreted as UTC, the feed's convention.
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return raw, false, fmt.Errorf("DTSTART: %w", err)
	}
	raw.Start = start

	if ev.Props.Get(ical.PropDateTimeEnd) != nil || ev.Props.Get(ical.PropDuration) != nil {
		end, err := ev.DateTimeEnd(time.UTC)
		if err != nil {
			return raw, false, fmt.Errorf("DTEND: %w", err)
		}
		raw.End = end
		raw.HasEnd = true
	}
	return raw, true, nil
}

func isDateValue(prop *ical.Prop) bool {
	if strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE") {
		return true
	}
	return !strings.Contains(prop.Value, "T")
}

func isFloating(prop *ical.Prop) bool {
	return prop.Params.Get("TZID") == "" && !strings.HasSuffix(strings.ToUpper(prop.Value), "Z")
}

func isRecurring(ev *ical.Event) bool {
	return ev.Props.Get(ical.PropRecurrenceRule) != nil || ev.Props.Get("RDATE") != nil
}

// overriddenInstances maps UID to the RECURRENCE-ID instants replaced by a
// separate VEVENT.
func overriddenInstances(vevents []ical.Event) map[string][]time.Time {
	out := make(map[string][]time.Time)
	for i := range vevents {
		ev := &vevents[i]
		rid := ev.Props.Get(ical.PropRecurrenceID)
		uid := ev.Props.Get(ical.PropUID)
		if rid == nil || uid == nil {
			continue
		}
		t, err := rid.DateTime(time.UTC)
		if err != nil {
			continue
		}
		out[uid.Value] = append(out[uid.Value], t)
	}
	return out
}

func expand(ev *ical.Event, master RawEvent, from, to time.Time, skip []time.Time) ([]RawEvent, error) {
	set, err := ev.RecurrenceSet(time.UTC)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return []RawEvent{master}, nil
	}

	duration := master.End.Sub(master.Start)
	var out []RawEvent
	for _, start := range between(set, from, to) {
		if containsInstant(skip, start) {
			continue
		}
		occ := master
		occ.Start = start
		if master.HasEnd {
			occ.End = start.Add(duration)
		}
		out = append(out, occ)
	}
	return out, nil
}

// between lists occurrences in [from, to], capped to keep a runaway rule
// from flooding the schedule.
func between(set *rrule.Set, from, to time.Time) []time.Time {
	const maxOccurrences = 500
	occurrences := set.Between(from, to, true)
	if len(occurrences) > maxOccurrences {
		occurrences = occurrences[:maxOccurrences]
	}
	return occurrences
}

func containsInstant(list []time.Time, t time.Time) bool {
	for _, v := range list {
		if v.Equal(t) {
			return true
		}
	}
	return false
}

// redactURL hides the path and query of a feed URL for logging; private
// calendar links carry their secret there.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
