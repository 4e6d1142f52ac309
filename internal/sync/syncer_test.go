package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/streamplan-sync/internal/config"
	"github.com/beekhof/streamplan-sync/internal/feed"
	"github.com/beekhof/streamplan-sync/internal/lock"
	"github.com/beekhof/streamplan-sync/internal/metrics"
	"github.com/beekhof/streamplan-sync/internal/nextstream"
)

func rawEvent(title string, start time.Time, duration time.Duration) feed.RawEvent {
	return feed.RawEvent{UID: title, Summary: title, Start: start, End: start.Add(duration), HasEnd: true}
}

// scenarioFeed has two future events and one that started 45 minutes ago.
func scenarioFeed() []feed.RawEvent {
	return []feed.RawEvent{
		rawEvent("Show B", now.Add(3*time.Hour), 30*time.Minute),
		rawEvent("Earlier show", now.Add(-45*time.Minute), time.Hour),
		rawEvent("Show A", now.Add(time.Hour), 60*time.Minute),
	}
}

type fixture struct {
	reader   *mockFeedReader
	schedule *mockScheduleClient
	store    *nextstream.MemoryStore
	syncer   *Syncer
}

func newFixture(t *testing.T, cfg config.Config, events []feed.RawEvent, opts ...Option) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f := &fixture{
		reader:   &mockFeedReader{events: events},
		schedule: newMockScheduleClient(),
		store:    nextstream.NewMemoryStore(),
	}
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	f.syncer = NewSyncer(cfg, f.reader, f.schedule, f.store, logger, opts...)
	return f
}

func TestRun_Scenario(t *testing.T) {
	f := newFixture(t, testConfig(config.PolicyReplace), scenarioFeed())
	f.schedule.addSegment("Leftover", now.Add(5*time.Hour), time.Hour)

	report := f.syncer.Run(context.Background(), config.ModePeriodic)

	require.Equal(t, StatusClean, report.Status, report.Error)
	require.Len(t, report.Events, 2)
	assert.Equal(t, "Show A", report.Events[0].Title)
	assert.Equal(t, "Show B", report.Events[1].Title)

	assert.True(t, report.Decision.Run)
	require.NotNil(t, report.Decision.Trigger)
	assert.Equal(t, "Earlier show", report.Decision.Trigger.Summary)

	assert.Len(t, f.schedule.deletedIDs, 1)
	assert.Equal(t, []string{"Show A", "Show B"}, f.schedule.createdTitles)

	rec, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, nextstream.Record{Title: "Show A", StartTime: "2025-06-01T13:00:00Z"}, rec)

	assert.Equal(t, ExitClean, report.ExitCode(0))
	assert.NotEmpty(t, report.RunID)
}

func TestRun_MalformedFeedMakesNoDownstreamCalls(t *testing.T) {
	f := newFixture(t, testConfig(config.PolicyReplace), nil)
	f.reader.err = feed.ErrFeedMalformed

	report := f.syncer.Run(context.Background(), config.ModeManual)

	assert.Equal(t, StatusFatal, report.Status)
	assert.True(t, errors.Is(report.Err, feed.ErrFeedMalformed), "got %v", report.Err)
	assert.Equal(t, 0, f.schedule.resolveCalls)
	assert.Equal(t, 0, f.schedule.listCalls)
	assert.Equal(t, 0, f.store.Len())
	assert.Nil(t, report.Schedule)
	assert.Nil(t, report.NextStream)
	assert.Equal(t, ExitFatal, report.ExitCode(0))
}

func TestRun_GateClosedSkips(t *testing.T) {
	events := []feed.RawEvent{rawEvent("Later", now.Add(2*time.Hour), time.Hour)}
	f := newFixture(t, testConfig(config.PolicyReplace), events)

	report := f.syncer.Run(context.Background(), config.ModePeriodic)

	assert.Equal(t, StatusSkipped, report.Status)
	assert.False(t, report.Decision.Run)
	assert.Equal(t, 0, f.schedule.resolveCalls)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 3, report.ExitCode(3))
}

func TestRun_ManualBypassesGate(t *testing.T) {
	events := []feed.RawEvent{rawEvent("Later", now.Add(2*time.Hour), time.Hour)}
	f := newFixture(t, testConfig(config.PolicyReplace), events)

	report := f.syncer.Run(context.Background(), config.ModeManual)

	assert.Equal(t, StatusClean, report.Status)
	assert.Equal(t, []string{"Later"}, f.schedule.createdTitles)
}

func TestRun_NoStoreStillReconciles(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reader := &mockFeedReader{events: scenarioFeed()}
	schedule := newMockScheduleClient()
	syncer := NewSyncer(testConfig(config.PolicyReplace), reader, schedule, nil, logger,
		WithClock(func() time.Time { return now }))

	report := syncer.Run(context.Background(), config.ModePeriodic)

	assert.Equal(t, StatusClean, report.Status)
	assert.Equal(t, RecordSkipped, report.NextStream.Action)
	assert.Equal(t, []string{"Show A", "Show B"}, schedule.createdTitles)
}

func TestRun_PathsAreIndependent(t *testing.T) {
	t.Run("store failure", func(t *testing.T) {
		logger, _ := test.NewNullLogger()
		schedule := newMockScheduleClient()
		syncer := NewSyncer(testConfig(config.PolicyReplace), &mockFeedReader{events: scenarioFeed()}, schedule,
			&failingStore{status: 500}, logger, WithClock(func() time.Time { return now }))

		report := syncer.Run(context.Background(), config.ModePeriodic)

		assert.Equal(t, StatusPartial, report.Status)
		assert.True(t, report.NextStream.Failed())
		assert.Equal(t, []string{"Show A", "Show B"}, schedule.createdTitles)
		assert.Equal(t, ExitPartial, report.ExitCode(0))
	})

	t.Run("identity failure", func(t *testing.T) {
		cfg := testConfig(config.PolicyReplace)
		cfg.Twitch.Channel = "unknown"
		f := newFixture(t, cfg, scenarioFeed())

		report := f.syncer.Run(context.Background(), config.ModePeriodic)

		assert.Equal(t, StatusPartial, report.Status)
		assert.True(t, errors.Is(report.Schedule.Err, ErrIdentityResolution))
		rec, ok := f.store.Get()
		require.True(t, ok)
		assert.Equal(t, "Show A", rec.Title)
	})
}

type stubLocker struct {
	err      error
	released bool
}

func (s *stubLocker) Acquire(ctx context.Context, channel string) (lock.Lease, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

func (s *stubLocker) Release(ctx context.Context) error {
	s.released = true
	return nil
}

func TestRun_Lock(t *testing.T) {
	held := &stubLocker{err: lock.ErrLocked}
	f := newFixture(t, testConfig(config.PolicyReplace), scenarioFeed(), WithLocker(held))
	report := f.syncer.Run(context.Background(), config.ModePeriodic)
	assert.Equal(t, StatusSkipped, report.Status)
	assert.Equal(t, 0, f.schedule.resolveCalls)

	broken := &stubLocker{err: errors.New("connection refused")}
	f = newFixture(t, testConfig(config.PolicyReplace), scenarioFeed(), WithLocker(broken))
	report = f.syncer.Run(context.Background(), config.ModePeriodic)
	assert.Equal(t, StatusFatal, report.Status)

	free := &stubLocker{}
	f = newFixture(t, testConfig(config.PolicyReplace), scenarioFeed(), WithLocker(free))
	report = f.syncer.Run(context.Background(), config.ModePeriodic)
	assert.Equal(t, StatusClean, report.Status)
	assert.True(t, free.released, "expected lock to be released after the run")
}

func TestRun_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	f := newFixture(t, testConfig(config.PolicyReplace), scenarioFeed(), WithMetrics(m))

	f.syncer.Run(context.Background(), config.ModePeriodic)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "streamplan_sync_runs_total")
	assert.Contains(t, names, "streamplan_sync_segment_operations_total")
}

func TestRunReport_Lines(t *testing.T) {
	f := newFixture(t, testConfig(config.PolicyReplace), scenarioFeed())
	f.schedule.failCreate["Show B"] = true

	report := f.syncer.Run(context.Background(), config.ModePeriodic)
	text := strings.Join(report.Lines(), "\n")

	assert.Contains(t, text, "Feed: 2 upcoming events")
	assert.Contains(t, text, "Trigger: run")
	assert.Contains(t, text, "Next stream [memory]: 'Show A' at 2025-06-01T13:00:00Z: 200")
	assert.Contains(t, text, "Sync 'Show A' at 2025-06-01T13:00:00Z: 200")
	assert.Contains(t, text, "Sync 'Show B' at 2025-06-01T15:00:00Z: 400 (")
	assert.Contains(t, text, "Result: partial")

	fatal := &RunReport{RunID: "x", Mode: config.ModeManual}
	fatal.fail(StatusFatal, feed.ErrFeedUnavailable)
	assert.Contains(t, strings.Join(fatal.Lines(), "\n"), "Aborted: feed unavailable")
}
