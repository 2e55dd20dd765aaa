package fieldsyncsdk

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

// Client is a minimal Fieldsync HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// Item is one offline mutation pushed by a device.
type Item struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId,omitempty"`
	Action     string         `json:"action"`
	Data       map[string]any `json:"data,omitempty"`
	LocalID    string         `json:"localId"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Result correlates an item's localId with its server outcome.
type Result struct {
	LocalID  string `json:"localId"`
	ServerID string `json:"serverId,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Status   string `json:"status"`
}

// Change is a server-side change the device has not seen yet.
type Change struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     string         `json:"action"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurredAt"`
	Seq        int64          `json:"seq"`
}

// SyncResponse answers one pushed batch.
type SyncResponse struct {
	Synced        []Result  `json:"synced"`
	ServerChanges []Change  `json:"serverChanges"`
	SyncTimestamp time.Time `json:"syncTimestamp"`
}

// ChangesResponse is the delta feed without a push.
type ChangesResponse struct {
	ServerChanges []Change  `json:"serverChanges"`
	SyncTimestamp time.Time `json:"syncTimestamp"`
}

// Operation is the server record of a pushed item.
type Operation struct {
	Seq            int64          `json:"seq"`
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	DeviceID       string         `json:"deviceId"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId,omitempty"`
	Action         string         `json:"action"`
	Data           map[string]any `json:"data"`
	LocalID        string         `json:"localId"`
	SubmittedAt    time.Time      `json:"submittedAt"`
	Priority       string         `json:"priority"`
	Status         string         `json:"status"`
	ServerEntityID string         `json:"serverEntityId,omitempty"`
	Error          string         `json:"error,omitempty"`
	Attempts       int            `json:"attempts"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty"`
	ProcessedAt    *time.Time     `json:"processedAt,omitempty"`
}

// SyncRun summarizes the latest accepted batch.
type SyncRun struct {
	DeviceID      string    `json:"deviceId"`
	Items         int       `json:"items"`
	Synced        int       `json:"synced"`
	Failed        int       `json:"failed"`
	Conflicts     int       `json:"conflicts"`
	Changes       int       `json:"changes"`
	SyncTimestamp time.Time `json:"syncTimestamp"`
}

// Status reports the last run and per-status operation counts.
type Status struct {
	UserID     string         `json:"userId"`
	LastRun    *SyncRun       `json:"lastRun,omitempty"`
	Operations map[string]int `json:"operations"`
}

// Event represents a sync log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	UserID      string         `json:"userId"`
	DeviceID    string         `json:"deviceId"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	OperationID string         `json:"operationId"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedOperations wraps list responses with cursors.
type PaginatedOperations struct {
	Items      []Operation `json:"items"`
	NextCursor string      `json:"nextCursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"nextCursor"`
}

// OperationsQuery filters Operations. Zero values are omitted.
type OperationsQuery struct {
	Status   string
	DeviceID string
	UserID   string
	Limit    int
	Cursor   string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Sync pushes a batch and returns per-item results plus server changes since
// lastSync. A nil lastSync requests no changes.
func (c *Client) Sync(ctx context.Context, deviceID string, items []Item, lastSync *time.Time) (SyncResponse, error) {
	body := map[string]any{
		"deviceId": deviceID,
		"items":    items,
	}
	if lastSync != nil {
		body["lastSyncTimestamp"] = lastSync.UTC().Format(time.RFC3339Nano)
	}
	var resp SyncResponse
	err := c.do(ctx, http.MethodPost, "sync", body, &resp)
	return resp, err
}

// Status returns the caller's sync status, or userID's for operators.
func (c *Client) Status(ctx context.Context, userID string) (Status, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("userId", userID)
	}
	var resp Status
	err := c.do(ctx, http.MethodGet, withQuery("sync/status", q), nil, &resp)
	return resp, err
}

// Operations lists operations newest first.
func (c *Client) Operations(ctx context.Context, query OperationsQuery) (PaginatedOperations, error) {
	q := url.Values{}
	if query.Status != "" {
		q.Set("status", query.Status)
	}
	if query.DeviceID != "" {
		q.Set("deviceId", query.DeviceID)
	}
	if query.UserID != "" {
		q.Set("userId", query.UserID)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Cursor != "" {
		q.Set("cursor", query.Cursor)
	}
	var resp PaginatedOperations
	err := c.do(ctx, http.MethodGet, withQuery("sync/operations", q), nil, &resp)
	return resp, err
}

// Operation fetches one operation by id.
func (c *Client) Operation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodGet, "sync/operations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Retry re-dispatches a FAILED operation. force ignores nextRetryAt.
func (c *Client) Retry(ctx context.Context, id string, force bool) (Operation, error) {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	var resp Operation
	err := c.do(ctx, http.MethodPost, withQuery("sync/operations/"+url.PathEscape(id)+"/retry", q), nil, &resp)
	return resp, err
}

// Changes returns server changes since the given time, excluding deviceID's own.
func (c *Client) Changes(ctx context.Context, deviceID string, since *time.Time) (ChangesResponse, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("deviceId", deviceID)
	}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var resp ChangesResponse
	err := c.do(ctx, http.MethodGet, withQuery("sync/changes", q), nil, &resp)
	return resp, err
}

// Events returns a page of sync events, newest first.
func (c *Client) Events(ctx context.Context, evtType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("sync/events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
