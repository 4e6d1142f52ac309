package sync

import (
	"fmt"
	"time"

	"github.com/beekhof/streamplan-sync/internal/config"
	"github.com/beekhof/streamplan-sync/internal/event"
	"github.com/beekhof/streamplan-sync/internal/nextstream"
	"github.com/beekhof/streamplan-sync/internal/trigger"
)

// Status is the overall outcome of a run.
type Status string

const (
	// StatusClean means every step that ran succeeded.
	StatusClean Status = "clean"
	// StatusPartial means the run finished but at least one downstream
	// write or the identity lookup failed.
	StatusPartial Status = "partial"
	// StatusFatal means the run aborted before any downstream call.
	StatusFatal Status = "fatal"
	// StatusSkipped means the trigger gate or the run lock ended the run.
	StatusSkipped Status = "skipped"
)

// Exit codes for a finished run. A skipped run uses the caller's choice.
const (
	ExitClean   = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// Segment operations.
const (
	OpCreate = "create"
	OpDelete = "delete"
)

// Outcome is the result of one schedule write.
type Outcome struct {
	Operation string `json:"operation"`
	SegmentID string `json:"segment_id,omitempty"`
	Title     string `json:"title"`
	StartTime string `json:"start_time"`
	// Status is the HTTP status of the call, 0 when no response was received
	// or the write was only planned.
	Status  int    `json:"status"`
	Planned bool   `json:"planned,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failed reports whether the write was attempted and did not succeed.
func (o Outcome) Failed() bool {
	return o.Error != ""
}

// ScheduleReport is the schedule reconciliation result.
type ScheduleReport struct {
	BroadcasterID string    `json:"broadcaster_id,omitempty"`
	Policy        string    `json:"policy"`
	DryRun        bool      `json:"dry_run,omitempty"`
	Existing      int       `json:"existing"`
	Kept          int       `json:"kept"`
	Deletions     []Outcome `json:"deletions"`
	Creations     []Outcome `json:"creations"`
	Err           error     `json:"-"`
	Error         string    `json:"error,omitempty"`
}

func (r *ScheduleReport) fail(err error) {
	r.Err = err
	r.Error = err.Error()
}

// Failed reports whether the path aborted or any single write failed.
func (r ScheduleReport) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, o := range r.Deletions {
		if o.Failed() {
			return true
		}
	}
	for _, o := range r.Creations {
		if o.Failed() {
			return true
		}
	}
	return false
}

// RecordAction is what the recorder did with the next-stream row.
type RecordAction string

const (
	RecordUpserted RecordAction = "upsert"
	RecordCleared  RecordAction = "clear"
	RecordKept     RecordAction = "keep"
	RecordSkipped  RecordAction = "skipped"
)

// RecordReport is the next-stream recorder result.
type RecordReport struct {
	Store  string             `json:"store,omitempty"`
	Action RecordAction       `json:"action"`
	Record *nextstream.Record `json:"record,omitempty"`
	Status int                `json:"status,omitempty"`
	Err    error              `json:"-"`
	Error  string             `json:"error,omitempty"`
}

func (r *RecordReport) fail(err error) {
	r.Err = err
	r.Error = err.Error()
}

// Failed reports whether the store write failed.
func (r RecordReport) Failed() bool {
	return r.Err != nil
}

// RunReport describes one run. It is kept in memory only.
type RunReport struct {
	RunID      string           `json:"run_id"`
	Mode       config.Mode      `json:"mode"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Status     Status           `json:"status"`
	Decision   trigger.Decision `json:"decision"`
	Events     []event.Event    `json:"events"`
	Schedule   *ScheduleReport  `json:"schedule,omitempty"`
	NextStream *RecordReport    `json:"next_stream,omitempty"`
	Err        error            `json:"-"`
	Error      string           `json:"error,omitempty"`
}

func (r *RunReport) fail(status Status, err error) {
	r.Status = status
	r.Err = err
	r.Error = err.Error()
}

// ExitCode maps the status to a process exit code. skipCode is returned
// for skipped runs.
func (r *RunReport) ExitCode(skipCode int) int {
	switch r.Status {
	case StatusClean:
		return ExitClean
	case StatusPartial:
		return ExitPartial
	case StatusSkipped:
		return skipCode
	default:
		return ExitFatal
	}
}

// Lines renders one human-readable status line per step and per write.
func (r *RunReport) Lines() []string {
	lines := []string{fmt.Sprintf("Run %s (%s mode)", r.RunID, r.Mode)}

	if r.Status == StatusFatal && r.Schedule == nil && r.NextStream == nil {
		lines = append(lines, fmt.Sprintf("Aborted: %s", r.Error))
		return append(lines, fmt.Sprintf("Result: %s", r.Status))
	}

	lines = append(lines, fmt.Sprintf("Feed: %d upcoming events", len(r.Events)))
	if r.Decision.Run {
		lines = append(lines, fmt.Sprintf("Trigger: run (%s)", r.Decision.Reason))
	} else {
		lines = append(lines, fmt.Sprintf("Trigger: skip (%s)", r.Decision.Reason))
	}
	if r.Status == StatusSkipped && r.Error != "" {
		lines = append(lines, fmt.Sprintf("Skipped: %s", r.Error))
	}

	if ns := r.NextStream; ns != nil {
		switch ns.Action {
		case RecordSkipped:
			lines = append(lines, "Next stream: skipped (no store configured)")
		case RecordKept:
			lines = append(lines, fmt.Sprintf("Next stream [%s]: no upcoming events, record kept", ns.Store))
		case RecordCleared:
			lines = append(lines, fmt.Sprintf("Next stream [%s]: clear: %s", ns.Store, statusText(ns.Status, ns.Error)))
		case RecordUpserted:
			title, start := "", ""
			if ns.Record != nil {
				title, start = ns.Record.Title, ns.Record.StartTime
			}
			lines = append(lines, fmt.Sprintf("Next stream [%s]: '%s' at %s: %s", ns.Store, title, start, statusText(ns.Status, ns.Error)))
		}
	}

	if sr := r.Schedule; sr != nil {
		if sr.Err != nil {
			lines = append(lines, fmt.Sprintf("Schedule: failed: %s", sr.Error))
		} else {
			mode := ""
			if sr.DryRun {
				mode = ", dry run"
			}
			lines = append(lines, fmt.Sprintf("Schedule: broadcaster %s, %d existing, %d kept, policy %s%s",
				sr.BroadcasterID, sr.Existing, sr.Kept, sr.Policy, mode))
		}
		for _, o := range sr.Deletions {
			lines = append(lines, fmt.Sprintf("Delete segment %s ('%s'): %s", o.SegmentID, o.Title, outcomeText(o)))
		}
		for _, o := range sr.Creations {
			lines = append(lines, fmt.Sprintf("Sync '%s' at %s: %s", o.Title, o.StartTime, outcomeText(o)))
		}
	}

	return append(lines, fmt.Sprintf("Result: %s", r.Status))
}

func outcomeText(o Outcome) string {
	if o.Planned {
		return "planned"
	}
	return statusText(o.Status, o.Error)
}

func statusText(status int, errMsg string) string {
	switch {
	case errMsg != "" && status != 0:
		return fmt.Sprintf("%d (%s)", status, errMsg)
	case errMsg != "":
		return fmt.Sprintf("error (%s)", errMsg)
	default:
		return fmt.Sprintf("%d", status)
	}
}
