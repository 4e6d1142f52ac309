// Package sync pushes the stream calendar to the schedule API and the
// next-stream store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/beekhof/streamplan-sync/internal/config"
	"github.com/beekhof/streamplan-sync/internal/event"
	"github.com/beekhof/streamplan-sync/internal/feed"
	"github.com/beekhof/streamplan-sync/internal/lock"
	"github.com/beekhof/streamplan-sync/internal/metrics"
	"github.com/beekhof/streamplan-sync/internal/nextstream"
	"github.com/beekhof/streamplan-sync/internal/trigger"
	"github.com/beekhof/streamplan-sync/internal/twitch"
)

// FeedReader fetches and parses the calendar feed.
type FeedReader interface {
	Read(ctx context.Context, url string) ([]feed.RawEvent, error)
}

// Syncer runs one sync at a time per call to Run. It holds no state
// between runs.
type Syncer struct {
	feedURL    string
	channel    string
	reader     FeedReader
	gate       trigger.Gate
	reconciler *Reconciler
	recorder   *Recorder
	locker     lock.Locker
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	now        func() time.Time
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithClock replaces time.Now as the run's reference instant.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithLocker guards runs with locker.
func WithLocker(locker lock.Locker) Option {
	return func(s *Syncer) { s.locker = locker }
}

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// NewSyncer creates a Syncer. store may be nil when no next-stream backend
// is configured.
func NewSyncer(cfg config.Config, reader FeedReader, schedule twitch.ScheduleClient, store nextstream.Store, log logrus.FieldLogger, opts ...Option) *Syncer {
	s := &Syncer{
		feedURL: cfg.ICSURL,
		channel: cfg.Twitch.Channel,
		reader:  reader,
		gate:    trigger.NewGate(cfg),
		locker:  lock.Noop{},
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reconciler = NewReconciler(schedule, cfg, s.metrics, log)
	s.recorder = NewRecorder(store, cfg, s.metrics, log)
	return s
}

// Run reads the feed, applies the trigger gate and, when the gate opens,
// updates the next-stream record and the schedule. The two downstream
// paths are independent: a failure in one does not stop the other.
func (s *Syncer) Run(ctx context.Context, mode config.Mode) *RunReport {
	report := &RunReport{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: s.now().UTC(),
	}
	log := s.log.WithFields(logrus.Fields{"run_id": report.RunID, "mode": mode})
	defer s.finish(report, log)

	log.Info("Starting sync...")

	raw, err := s.reader.Read(ctx, s.feedURL)
	if err != nil {
		report.fail(StatusFatal, fmt.Errorf("failed to read feed: %w", err))
		log.WithError(err).Error("Failed to read feed")
		return report
	}

	now := s.now().UTC()
	report.Events = event.Normalize(raw, now, log)
	s.metrics.UpcomingEvents(len(report.Events))

	report.Decision = s.gate.Evaluate(mode, raw, now)
	if !report.Decision.Run {
		report.Status = StatusSkipped
		log.WithField("reason", report.Decision.Reason).Info("Trigger gate closed, nothing to do")
		return report
	}
	log.WithField("reason", report.Decision.Reason).Info("Trigger gate open")

	lease, err := s.locker.Acquire(ctx, s.channel)
	if errors.Is(err, lock.ErrLocked) {
		report.fail(StatusSkipped, err)
		log.Warn("Another sync run holds the lock, skipping")
		return report
	}
	if err != nil {
		report.fail(StatusFatal, err)
		log.WithError(err).Error("Failed to acquire run lock")
		return report
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release run lock")
		}
	}()

	report.NextStream = s.recorder.Record(ctx, report.Events)
	report.Schedule = s.reconciler.Reconcile(ctx, report.Events)

	report.Status = StatusClean
	if report.NextStream.Failed() || report.Schedule.Failed() {
		report.Status = StatusPartial
	}
	return report
}

func (s *Syncer) finish(report *RunReport, log logrus.FieldLogger) {
	report.FinishedAt = s.now().UTC()
	s.metrics.RunFinished(string(report.Status), report.StartedAt, report.FinishedAt)
	log.WithFields(logrus.Fields{
		"status":   report.Status,
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("Sync complete")
}
