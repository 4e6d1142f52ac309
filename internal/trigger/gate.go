// Package trigger decides whether a periodic invocation should sync.
package trigger

import (
	"fmt"
	"time"

	"github.com/beekhof/streamplan-sync/internal/config"
	"github.com/beekhof/streamplan-sync/internal/feed"
)

// Gate runs a periodic invocation only when some event started between
// MinAge and MaxAge before now. Both bounds are inclusive.
type Gate struct {
	MinAge time.Duration
	MaxAge time.Duration
}

// Decision is the outcome of Evaluate. Trigger is the event that opened the
// gate, nil for manual runs and skips.
type Decision struct {
	Run     bool           `json:"run"`
	Reason  string         `json:"reason"`
	Trigger *feed.RawEvent `json:"trigger,omitempty"`
}

// NewGate returns a Gate using the configured window.
func NewGate(cfg config.Config) Gate {
	return Gate{MinAge: cfg.TriggerMinAge, MaxAge: cfg.TriggerMaxAge}
}

// Evaluate decides whether the run proceeds. Manual runs always proceed.
// In periodic mode the first event in feed order whose start lies inside
// the window is reported as the trigger. All-day events never trigger.
func (g Gate) Evaluate(mode config.Mode, events []feed.RawEvent, now time.Time) Decision {
	if mode == config.ModeManual {
		return Decision{Run: true, Reason: "manual invocation"}
	}

	now = now.UTC()
	for i := range events {
		ev := events[i]
		if ev.AllDay || ev.Start.IsZero() {
			continue
		}
		age := now.Sub(ev.Start.UTC())
		if age >= g.MinAge && age <= g.MaxAge {
			return Decision{
				Run:     true,
				Reason:  fmt.Sprintf("%q started %s ago", ev.Summary, age.Round(time.Minute)),
				Trigger: &ev,
			}
		}
	}

	return Decision{
		Run:    false,
		Reason: fmt.Sprintf("no event started between %s and %s ago", g.MinAge, g.MaxAge),
	}
}
