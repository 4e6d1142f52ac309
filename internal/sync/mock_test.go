package sync

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/beekhof/streamplan-sync/internal/feed"
	"github.com/beekhof/streamplan-sync/internal/nextstream"
	"github.com/beekhof/streamplan-sync/internal/twitch"
)

// mockScheduleClient is an in-memory schedule API for testing.
type mockScheduleClient struct {
	broadcasters map[string]string
	segments     map[string]twitch.Segment
	nextID       int

	resolveCalls  int
	listCalls     int
	deletedIDs    []string
	createdTitles []string
	requests      []twitch.CreateSegmentRequest

	failDelete map[string]bool
	failCreate map[string]bool
	failList   bool
}

func newMockScheduleClient() *mockScheduleClient {
	return &mockScheduleClient{
		broadcasters: map[string]string{"somechannel": "4711"},
		segments:     make(map[string]twitch.Segment),
		failDelete:   make(map[string]bool),
		failCreate:   make(map[string]bool),
	}
}

func (m *mockScheduleClient) addSegment(title string, start time.Time, duration time.Duration) string {
	m.nextID++
	id := "seg-" + strconv.Itoa(m.nextID)
	end := start.Add(duration)
	m.segments[id] = twitch.Segment{ID: id, StartTime: start, EndTime: &end, Title: title}
	return id
}

func (m *mockScheduleClient) ResolveBroadcasterID(ctx context.Context, login string) (string, error) {
	m.resolveCalls++
	id, ok := m.broadcasters[login]
	if !ok {
		return "", fmt.Errorf("%w: %q", twitch.ErrUserNotFound, login)
	}
	return id, nil
}

func (m *mockScheduleClient) ListSegments(ctx context.Context, broadcasterID string) ([]twitch.Segment, error) {
	m.listCalls++
	if m.failList {
		return nil, &twitch.APIError{StatusCode: http.StatusInternalServerError}
	}
	var out []twitch.Segment
	for _, seg := range m.segments {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockScheduleClient) DeleteSegment(ctx context.Context, broadcasterID, segmentID string) error {
	if m.failDelete[segmentID] {
		return &twitch.APIError{StatusCode: http.StatusInternalServerError, Message: "delete failed"}
	}
	if _, ok := m.segments[segmentID]; !ok {
		return &twitch.APIError{StatusCode: http.StatusNotFound}
	}
	delete(m.segments, segmentID)
	m.deletedIDs = append(m.deletedIDs, segmentID)
	return nil
}

func (m *mockScheduleClient) CreateSegment(ctx context.Context, broadcasterID string, req twitch.CreateSegmentRequest) (*twitch.Segment, error) {
	m.requests = append(m.requests, req)
	if m.failCreate[req.Title] {
		return nil, &twitch.APIError{StatusCode: http.StatusBadRequest, Message: "create failed"}
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return nil, &twitch.APIError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}
	minutes, err := strconv.Atoi(req.Duration)
	if err != nil {
		return nil, &twitch.APIError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}
	id := m.addSegment(req.Title, start, time.Duration(minutes)*time.Minute)
	m.createdTitles = append(m.createdTitles, req.Title)
	seg := m.segments[id]
	return &seg, nil
}

// scheduleSet renders the schedule as sorted "start|duration|title" keys.
func (m *mockScheduleClient) scheduleSet() []string {
	var out []string
	for _, seg := range m.segments {
		out = append(out, fmt.Sprintf("%s|%d|%s", seg.StartTime.UTC().Format(time.RFC3339), seg.DurationMinutes(), seg.Title))
	}
	sort.Strings(out)
	return out
}

// mockFeedReader returns fixed events or a fixed error.
type mockFeedReader struct {
	events []feed.RawEvent
	err    error
	calls  int
}

func (m *mockFeedReader) Read(ctx context.Context, url string) ([]feed.RawEvent, error) {
	m.calls++
	return m.events, m.err
}

// failingStore is a next-stream store whose writes always fail.
type failingStore struct {
	status int
}

func (f *failingStore) Name() string { return "failing" }

func (f *failingStore) Upsert(ctx context.Context, rec nextstream.Record) error {
	return &nextstream.StatusError{StatusCode: f.status, Message: "write refused"}
}

func (f *failingStore) Clear(ctx context.Context) error {
	return &nextstream.StatusError{StatusCode: f.status, Message: "write refused"}
}
