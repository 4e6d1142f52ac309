// Package twitch is a small client for the Helix users and schedule endpoints.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ScheduleClient is the set of schedule operations the sync engine needs.
// Client implements it against Helix; tests substitute mocks.
type ScheduleClient interface {
	ResolveBroadcasterID(ctx context.Context, login string) (string, error)
	ListSegments(ctx context.Context, broadcasterID string) ([]Segment, error)
	DeleteSegment(ctx context.Context, broadcasterID, segmentID string) error
	CreateSegment(ctx context.Context, broadcasterID string, req CreateSegmentRequest) (*Segment, error)
}

// ErrUserNotFound is returned when a login does not resolve to a user.
var ErrUserNotFound = errors.New("user not found")

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("helix API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("helix API returned status %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status carried by err, or 0 when err is not
// an APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Segment is one entry of a broadcaster's stream schedule.
type Segment struct {
	ID          string     `json:"id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Title       string     `json:"title"`
	IsRecurring bool       `json:"is_recurring"`
}

// DurationMinutes is the segment length in whole minutes, 0 when the
// segment has no end.
func (s Segment) DurationMinutes() int {
	if s.EndTime == nil {
		return 0
	}
	d := s.EndTime.Sub(s.StartTime)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// CreateSegmentRequest is the body of a create-segment call. Duration is
// sent as a string of minutes.
type CreateSegmentRequest struct {
	StartTime   string `json:"start_time"`
	Timezone    string `json:"timezone"`
	Duration    string `json:"duration"`
	IsRecurring bool   `json:"is_recurring"`
	Title       string `json:"title"`
}

// NewCreateSegmentRequest builds a one-off segment request.
func NewCreateSegmentRequest(startTime, timezone string, durationMinutes int, title string) CreateSegmentRequest {
	return CreateSegmentRequest{
		StartTime:   startTime,
		Timezone:    timezone,
		Duration:    strconv.Itoa(durationMinutes),
		IsRecurring: false,
		Title:       title,
	}
}

// Client talks to Helix. The underlying http.Client is expected to add the
// bearer token (see auth.NewClient).
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
	log      logrus.FieldLogger
}

// NewClient creates a Helix client rooted at baseURL.
func NewClient(baseURL, clientID string, httpClient *http.Client, log logrus.FieldLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		http:     httpClient,
		log:      log,
	}
}

type usersResponse struct {
	Data []struct {
		ID    string `json:"id"`
		Login string `json:"login"`
	} `json:"data"`
}

type scheduleResponse struct {
	Data struct {
		Segments []Segment `json:"segments"`
	} `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

type segmentResponse struct {
	Data struct {
		Segments []Segment `json:"segments"`
	} `json:"data"`
}

// ResolveBroadcasterID maps a channel login to its broadcaster id.
func (c *Client) ResolveBroadcasterID(ctx context.Context, login string) (string, error) {
	var resp usersResponse
	if err := c.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to look up user %q: %w", login, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].ID == "" {
		return "", fmt.Errorf("%w: %q", ErrUserNotFound, login)
	}
	return resp.Data[0].ID, nil
}

// ListSegments returns every segment of the broadcaster's schedule,
// following pagination cursors. Helix answers 404 for an empty schedule;
// that is reported as no segments.
func (c *Client) ListSegments(ctx context.Context, broadcasterID string) ([]Segment, error) {
	var segments []Segment
	cursor := ""
	for {
		query := url.Values{"broadcaster_id": {broadcasterID}, "first": {"25"}}
		if cursor != "" {
			query.Set("after", cursor)
		}

		var resp scheduleResponse
		err := c.do(ctx, http.MethodGet, "/schedule", query, nil, &resp)
		if StatusCode(err) == http.StatusNotFound {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list schedule segments: %w", err)
		}

		segments = append(segments, resp.Data.Segments...)
		if resp.Pagination.Cursor == "" || resp.Pagination.Cursor == cursor || len(resp.Data.Segments) == 0 {
			break
		}
		cursor = resp.Pagination.Cursor
	}

	c.log.WithFields(logrus.Fields{
		"broadcaster_id": broadcasterID,
		"segment_count":  len(segments),
	}).Debug("Listed schedule segments")
	return segments, nil
}

// DeleteSegment removes one segment.
func (c *Client) DeleteSegment(ctx context.Context, broadcasterID, segmentID string) error {
	query := url.Values{"broadcaster_id": {broadcasterID}, "id": {segmentID}}
	if err := c.do(ctx, http.MethodDelete, "/schedule/segment", query, nil, nil); err != nil {
		return fmt.Errorf("failed to delete segment %s: %w", segmentID, err)
	}
	return nil
}

// CreateSegment adds one segment and returns it as stored by Helix.
func (c *Client) CreateSegment(ctx context.Context, broadcasterID string, req CreateSegmentRequest) (*Segment, error) {
	var resp segmentResponse
	query := url.Values{"broadcaster_id": {broadcasterID}}
	if err := c.do(ctx, http.MethodPost, "/schedule/segment", query, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create segment %q: %w", req.Title, err)
	}
	if len(resp.Data.Segments) == 0 {
		return nil, nil
	}
	return &resp.Data.Segments[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Client-Id", c.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		apiErr.Message = payload.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
