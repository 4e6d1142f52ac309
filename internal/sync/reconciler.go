package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/beekhof/streamplan-sync/internal/config"
	"github.com/beekhof/streamplan-sync/internal/event"
	"github.com/beekhof/streamplan-sync/internal/metrics"
	"github.com/beekhof/streamplan-sync/internal/twitch"
)

// ErrIdentityResolution means the channel could not be mapped to a
// broadcaster id. No schedule call is possible without it.
var ErrIdentityResolution = errors.New("identity resolution failed")

// Reconciler converges the channel's schedule onto the desired events.
type Reconciler struct {
	client   twitch.ScheduleClient
	channel  string
	timezone string
	policy   string
	dryRun   bool
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
}

// NewReconciler creates a Reconciler for the configured channel.
func NewReconciler(client twitch.ScheduleClient, cfg config.Config, m *metrics.Metrics, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		client:   client,
		channel:  cfg.Twitch.Channel,
		timezone: cfg.Twitch.Timezone,
		policy:   cfg.ReconcilePolicy,
		dryRun:   cfg.DryRun,
		metrics:  m,
		log:      log,
	}
}

// Reconcile resolves the broadcaster, lists its segments, then deletes and
// creates segments as planned. A failed write is recorded and the
// remaining writes still run.
func (r *Reconciler) Reconcile(ctx context.Context, desired []event.Event) *ScheduleReport {
	report := &ScheduleReport{Policy: r.policy, DryRun: r.dryRun}

	broadcasterID, err := r.client.ResolveBroadcasterID(ctx, r.channel)
	if err != nil {
		report.fail(fmt.Errorf("%w: channel %q: %v", ErrIdentityResolution, r.channel, err))
		r.log.WithError(err).WithField("channel", r.channel).Error("Failed to resolve broadcaster")
		return report
	}
	report.BroadcasterID = broadcasterID
	log := r.log.WithField("broadcaster_id", broadcasterID)

	existing, err := r.client.ListSegments(ctx, broadcasterID)
	if err != nil {
		report.fail(fmt.Errorf("failed to list schedule: %w", err))
		log.WithError(err).Error("Failed to list schedule segments")
		return report
	}
	report.Existing = len(existing)

	deletions := PlanDeletions(existing, desired, r.policy)
	creations := PlanCreations(existing, desired, r.policy)
	report.Kept = len(existing) - len(deletions)

	log.WithFields(logrus.Fields{
		"existing":  len(existing),
		"deletions": len(deletions),
		"creations": len(creations),
		"policy":    r.policy,
	}).Info("Reconciling schedule")

	for _, seg := range deletions {
		outcome := Outcome{
			Operation: OpDelete,
			SegmentID: seg.ID,
			Title:     seg.Title,
			StartTime: seg.StartTime.UTC().Format(event.StartTimeLayout),
		}
		if r.dryRun {
			outcome.Planned = true
			report.Deletions = append(report.Deletions, outcome)
			continue
		}

		err := r.client.DeleteSegment(ctx, broadcasterID, seg.ID)
		r.metrics.SegmentOp(OpDelete, err)
		if err != nil {
			outcome.Status = twitch.StatusCode(err)
			outcome.Error = err.Error()
			log.WithError(err).WithField("segment_id", seg.ID).Warn("Failed to delete segment")
		} else {
			outcome.Status = http.StatusNoContent
			log.WithField("segment_id", seg.ID).Debug("Deleted segment")
		}
		report.Deletions = append(report.Deletions, outcome)
	}

	for _, ev := range creations {
		outcome := Outcome{
			Operation: OpCreate,
			Title:     ev.Title,
			StartTime: ev.StartTime(),
		}
		if r.dryRun {
			outcome.Planned = true
			report.Creations = append(report.Creations, outcome)
			continue
		}

		req := twitch.NewCreateSegmentRequest(ev.StartTime(), r.timezone, ev.DurationMinutes, ev.Title)
		seg, err := r.client.CreateSegment(ctx, broadcasterID, req)
		r.metrics.SegmentOp(OpCreate, err)
		if err != nil {
			outcome.Status = twitch.StatusCode(err)
			outcome.Error = err.Error()
			log.WithError(err).WithField("title", ev.Title).Warn("Failed to create segment")
		} else {
			outcome.Status = http.StatusOK
			if seg != nil {
				outcome.SegmentID = seg.ID
			}
			log.WithFields(logrus.Fields{
				"title":      ev.Title,
				"start_time": ev.StartTime(),
				"segment_id": outcome.SegmentID,
			}).Debug("Created segment")
		}
		report.Creations = append(report.Creations, outcome)
	}

	return report
}

// segmentKey identifies a segment or event by what the schedule shows.
type segmentKey struct {
	start    string
	duration int
	title    string
}

func keyOfSegment(s twitch.Segment) segmentKey {
	return segmentKey{
		start:    s.StartTime.UTC().Format(event.StartTimeLayout),
		duration: s.DurationMinutes(),
		title:    s.Title,
	}
}

func keyOfEvent(e event.Event) segmentKey {
	return segmentKey{start: e.StartTime(), duration: e.DurationMinutes, title: e.Title}
}

// matchSegments pairs each desired event with at most one identical
// existing segment, first come first served. It returns the indexes of
// the kept segments and of the events already satisfied.
func matchSegments(existing []twitch.Segment, desired []event.Event) (kept, satisfied map[int]bool) {
	kept = make(map[int]bool)
	satisfied = make(map[int]bool)

	available := make(map[segmentKey][]int)
	for i, seg := range existing {
		k := keyOfSegment(seg)
		available[k] = append(available[k], i)
	}
	for j, ev := range desired {
		k := keyOfEvent(ev)
		if idx := available[k]; len(idx) > 0 {
			kept[idx[0]] = true
			satisfied[j] = true
			available[k] = idx[1:]
		}
	}
	return kept, satisfied
}

// PlanDeletions returns the existing segments to delete. The replace
// policy deletes all of them; diff keeps one exact match per desired event
// and deletes the rest, duplicates included.
func PlanDeletions(existing []twitch.Segment, desired []event.Event, policy string) []twitch.Segment {
	if policy != config.PolicyDiff {
		return append([]twitch.Segment(nil), existing...)
	}

	kept, _ := matchSegments(existing, desired)
	var out []twitch.Segment
	for i, seg := range existing {
		if !kept[i] {
			out = append(out, seg)
		}
	}
	return out
}

// PlanCreations returns the desired events to create. The replace policy
// creates all of them; diff creates those without a kept match.
func PlanCreations(existing []twitch.Segment, desired []event.Event, policy string) []event.Event {
	if policy != config.PolicyDiff {
		return append([]event.Event(nil), desired...)
	}

	_, satisfied := matchSegments(existing, desired)
	var out []event.Event
	for j, ev := range desired {
		if !satisfied[j] {
			out = append(out, ev)
		}
	}
	return out
}
