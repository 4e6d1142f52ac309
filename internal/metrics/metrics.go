// Package metrics exposes sync run counters through prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "streamplan_sync"

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	lastRun          prometheus.Gauge
	upcomingEvents   prometheus.Gauge
	segmentOps       *prometheus.CounterVec
	nextStreamWrites *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "The number of sync runs by final status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "The number of seconds each sync run takes",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last sync run finished",
		}),
		upcomingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upcoming_events",
			Help:      "The number of upcoming events in the last feed read",
		}),
		segmentOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_operations_total",
			Help:      "Schedule segment create and delete calls by result",
		}, []string{"operation", "result"}),
		nextStreamWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "next_stream_writes_total",
			Help:      "Next-stream record writes by action and result",
		}, []string{"action", "result"}),
	}
	m.Registry.MustRegister(
		m.runs,
		m.runDuration,
		m.lastRun,
		m.upcomingEvents,
		m.segmentOps,
		m.nextStreamWrites,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RunFinished records the outcome of one run.
func (m *Metrics) RunFinished(status string, started, finished time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(finished.Sub(started).Seconds())
	m.lastRun.Set(float64(finished.Unix()))
}

// UpcomingEvents records the size of the normalized event list.
func (m *Metrics) UpcomingEvents(n int) {
	if m == nil {
		return
	}
	m.upcomingEvents.Set(float64(n))
}

// SegmentOp records one schedule write. op is "create" or "delete".
func (m *Metrics) SegmentOp(op string, err error) {
	if m == nil {
		return
	}
	m.segmentOps.WithLabelValues(op, result(err)).Inc()
}

// NextStreamWrite records one next-stream store write.
func (m *Metrics) NextStreamWrite(action string, err error) {
	if m == nil {
		return
	}
	m.nextStreamWrites.WithLabelValues(action, result(err)).Inc()
}

// Push sends the registry to a pushgateway under job. Single runs exit
// before any scrape could happen, so they push instead.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(m.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
