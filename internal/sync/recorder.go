package sync

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/beekhof/streamplan-sync/internal/config"
	"github.com/beekhof/streamplan-sync/internal/event"
	"github.com/beekhof/streamplan-sync/internal/metrics"
	"github.com/beekhof/streamplan-sync/internal/nextstream"
)

// Recorder keeps the next-stream record pointed at the earliest upcoming
// event.
type Recorder struct {
	store       nextstream.Store
	emptyPolicy string
	metrics     *metrics.Metrics
	log         logrus.FieldLogger
}

// NewRecorder creates a Recorder. A nil store disables recording.
func NewRecorder(store nextstream.Store, cfg config.Config, m *metrics.Metrics, log logrus.FieldLogger) *Recorder {
	return &Recorder{
		store:       store,
		emptyPolicy: cfg.NextStream.EmptyPolicy,
		metrics:     m,
		log:         log,
	}
}

// Record upserts the first of events, which must be sorted by start. With
// no events the empty policy decides between keeping and clearing the row.
func (r *Recorder) Record(ctx context.Context, events []event.Event) *RecordReport {
	if r.store == nil {
		r.log.Debug("No next-stream store configured, skipping")
		return &RecordReport{Action: RecordSkipped}
	}

	report := &RecordReport{Store: r.store.Name()}
	log := r.log.WithField("store", report.Store)

	if len(events) == 0 {
		if r.emptyPolicy != config.EmptyPolicyClear {
			report.Action = RecordKept
			log.Info("No upcoming events, leaving next-stream record unchanged")
			return report
		}

		report.Action = RecordCleared
		err := r.store.Clear(ctx)
		r.metrics.NextStreamWrite(string(RecordCleared), err)
		if err != nil {
			report.fail(err)
			report.Status = nextstream.StatusCode(err)
			log.WithError(err).Warn("Failed to clear next-stream record")
			return report
		}
		report.Status = http.StatusNoContent
		log.Info("No upcoming events, cleared next-stream record")
		return report
	}

	next := events[0]
	rec := nextstream.Record{Title: next.Title, StartTime: next.StartTime()}
	report.Action = RecordUpserted
	report.Record = &rec

	err := r.store.Upsert(ctx, rec)
	r.metrics.NextStreamWrite(string(RecordUpserted), err)
	if err != nil {
		report.fail(err)
		report.Status = nextstream.StatusCode(err)
		log.WithError(err).WithField("title", rec.Title).Warn("Failed to upsert next-stream record")
		return report
	}

	report.Status = http.StatusOK
	log.WithFields(logrus.Fields{
		"title":      rec.Title,
		"start_time": rec.StartTime,
	}).Info("Updated next-stream record")
	return report
}
