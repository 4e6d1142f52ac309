// Package nextstream stores the single "next upcoming stream" record read by
// the website.
package nextstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/beekhof/streamplan-sync/internal/config"
)

// RecordID is the fixed key of the next-stream row. Every write targets it.
const RecordID = 1

// Record is the content of the next-stream row.
type Record struct {
	Title     string `json:"title"`
	StartTime string `json:"start_time"`
}

// Store persists the next-stream record. Upsert must replace the row under
// RecordID, never add a sibling.
type Store interface {
	Name() string
	Upsert(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// StatusError is a failed store call that carries an HTTP-style status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store returned status %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the status carried by err, or 0 when err has none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// New builds the store selected by cfg. It returns a nil Store when no
// backend is configured; the next-stream path is then disabled.
func New(cfg config.NextStreamConfig, httpClient *http.Client, log logrus.FieldLogger) (Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case config.BackendSupabase:
		return NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.Table, httpClient), nil
	case config.BackendSQL:
		store, err := OpenSQLStore(cfg.DSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		log.Debug("Using in-memory next-stream store")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown next-stream backend %q", cfg.Backend)
	}
}
