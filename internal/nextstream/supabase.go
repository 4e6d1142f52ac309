package nextstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SupabaseStore writes the record through the PostgREST endpoint of a
// Supabase project.
type SupabaseStore struct {
	baseURL string
	key     string
	table   string
	client  *http.Client
}

// NewSupabaseStore creates a store for table in the project at projectURL.
func NewSupabaseStore(projectURL, key, table string, client *http.Client) *SupabaseStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SupabaseStore{
		baseURL: strings.TrimRight(projectURL, "/"),
		key:     key,
		table:   table,
		client:  client,
	}
}

func (s *SupabaseStore) Name() string { return "supabase" }

type supabaseRow struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	StartTime string `json:"start_time"`
}

// Upsert inserts the row, merging into the existing one on an id conflict.
func (s *SupabaseStore) Upsert(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(supabaseRow{ID: RecordID, Title: rec.Title, StartTime: rec.StartTime})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	query := url.Values{"on_conflict": {"id"}}
	req, err := s.newRequest(ctx, http.MethodPost, query, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	return s.do(req)
}

// Clear deletes the row.
func (s *SupabaseStore) Clear(ctx context.Context) error {
	query := url.Values{"id": {"eq." + strconv.Itoa(RecordID)}}
	req, err := s.newRequest(ctx, http.MethodDelete, query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return s.do(req)
}

func (s *SupabaseStore) newRequest(ctx context.Context, method string, query url.Values, body io.Reader) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?%s", s.baseURL, url.PathEscape(s.table), query.Encode())
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	return req, nil
}

func (s *SupabaseStore) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("supabase request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return nil
}
