package roomopssdk

import (
	"bufio"
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

// ConfirmHeader acknowledges destructive plans on apply and plan calls.
const ConfirmHeader = "X-Confirm-Destructive"

// Client is a minimal roomops HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
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

// Diff mirrors the operator's reconcile diff.
type Diff struct {
	ToJoin            []string `json:"toJoin"`
	ToKick            []string `json:"toKick"`
	ToEnsure          []string `json:"toEnsure"`
	ToSeed            []string `json:"toSeed"`
	ToPromote         []string `json:"toPromote"`
	ToDeleteArtifacts []string `json:"toDeleteArtifacts"`
	ToApply           []string `json:"toApply"`
	Blocked           []string `json:"blocked"`
}

type Applied struct {
	Joined   int `json:"joined"`
	Kicked   int `json:"kicked"`
	Seeded   int `json:"seeded"`
	Promoted int `json:"promoted"`
	Deleted  int `json:"deleted"`
	Policies int `json:"policies"`
}

// ApplyResult is returned by Apply and Plan. Queued results only carry
// Message and CorrelationID.
type ApplyResult struct {
	Message         string   `json:"message"`
	CorrelationID   string   `json:"correlation_id"`
	RoomID          string   `json:"room_id"`
	Success         bool     `json:"success"`
	PartialSuccess  bool     `json:"partial_success"`
	DryRun          bool     `json:"dry_run"`
	Phase           string   `json:"phase"`
	Diff            *Diff    `json:"diff"`
	Remaining       *Diff    `json:"remaining"`
	Applied         *Applied `json:"applied"`
	Warnings        []string `json:"warnings"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// Queued reports whether the operator accepted the request for later.
func (r ApplyResult) Queued() bool {
	return r.Message == "queued"
}

type RoomStatus struct {
	RoomID               string    `json:"roomId"`
	CurrentPhase         string    `json:"currentPhase"`
	IsReconciling        bool      `json:"isReconciling"`
	PendingDiff          *Diff     `json:"pendingDiff"`
	Blocked              []string  `json:"blocked"`
	LastReconcile        time.Time `json:"lastReconcile"`
	LastCorrelationID    string    `json:"lastCorrelationId"`
	CyclesSinceConverged int       `json:"cyclesSinceConverged"`
}

type Status struct {
	Version        string       `json:"version"`
	Health         string       `json:"health"`
	Rooms          []RoomStatus `json:"rooms"`
	QueuedRequests int          `json:"queuedRequests"`
	Reconciling    bool         `json:"reconciling"`
}

type AuditEntry struct {
	Seq             int64          `json:"seq"`
	Type            string         `json:"type"`
	Action          string         `json:"action"`
	CorrelationID   string         `json:"correlationId"`
	Timestamp       time.Time      `json:"timestamp"`
	OperatorVersion string         `json:"operatorVersion"`
	SpecVersion     int            `json:"specVersion"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type AuditList struct {
	Items  []AuditEntry `json:"items"`
	Source string       `json:"source"`
}

type Run struct {
	CorrelationID  string    `json:"correlation_id"`
	RoomID         string    `json:"room_id"`
	SpecName       string    `json:"spec_name"`
	SpecVersion    int       `json:"spec_version"`
	DryRun         bool      `json:"dry_run"`
	Success        bool      `json:"success"`
	PartialSuccess bool      `json:"partial_success"`
	LastPhase      string    `json:"last_phase"`
	Joined         int       `json:"joined"`
	Kicked         int       `json:"kicked"`
	Seeded         int       `json:"seeded"`
	Deleted        int       `json:"deleted"`
	Errors         []string  `json:"errors"`
	Warnings       []string  `json:"warnings"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Apply submits a room spec for reconciliation. spec is any value that
// marshals to a RoomSpec document.
func (c *Client) Apply(ctx context.Context, spec any, dryRun, confirm bool) (ApplyResult, error) {
	body := map[string]any{
		"spec":    spec,
		"dry_run": dryRun,
		"confirm": confirm,
	}
	var resp ApplyResult
	err := c.do(ctx, http.MethodPost, "apply", body, confirmHeader(confirm), &resp)
	return resp, err
}

// Plan computes the diff and runs guardrails without mutating the room.
func (c *Client) Plan(ctx context.Context, spec any, confirm bool) (ApplyResult, error) {
	body := map[string]any{
		"spec":    spec,
		"confirm": confirm,
	}
	var resp ApplyResult
	err := c.do(ctx, http.MethodPost, "plan", body, confirmHeader(confirm), &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, nil, &resp)
	return resp, err
}

func (c *Client) RoomStatus(ctx context.Context, roomID string) (RoomStatus, error) {
	var resp RoomStatus
	err := c.do(ctx, http.MethodGet, "rooms/"+url.PathEscape(roomID)+"/status", nil, nil, &resp)
	return resp, err
}

// Audit returns the latest count entries. source is "memory" or "db".
func (c *Client) Audit(ctx context.Context, count int, source string) (AuditList, error) {
	q := url.Values{}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	if source != "" {
		q.Set("source", source)
	}
	var resp AuditList
	err := c.do(ctx, http.MethodGet, withQuery("audit", q), nil, nil, &resp)
	return resp, err
}

// Trace returns every entry recorded for one apply call.
func (c *Client) Trace(ctx context.Context, correlationID string) (AuditList, error) {
	var resp AuditList
	err := c.do(ctx, http.MethodGet, "audit/"+url.PathEscape(correlationID), nil, nil, &resp)
	return resp, err
}

func (c *Client) Runs(ctx context.Context, roomID string, limit int) ([]Run, error) {
	q := url.Values{}
	if roomID != "" {
		q.Set("room_id", roomID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, nil, &resp)
	return resp.Items, err
}

func (c *Client) Run(ctx context.Context, correlationID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(correlationID), nil, nil, &resp)
	return resp, err
}

// Stream subscribes to the audit event stream, replaying up to replay
// recent entries first (negative uses the server default). fn is called per
// entry; returning an error stops the stream. Stream returns when ctx ends,
// the server closes the stream, or fn fails.
func (c *Client) Stream(ctx context.Context, replay int, fn func(AuditEntry) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, withQuery("audit/stream", url.Values{"replay": {strconv.Itoa(replay)}}), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The stream outlives any per-request timeout.
	hc := *c.httpClient()
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var entry AuditEntry
			if err := json.Unmarshal([]byte(data.String()), &entry); err != nil {
				return fmt.Errorf("decode audit event: %w", err)
			}
			data.Reset()
			if err := fn(entry); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, header http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := c.newRequest(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func confirmHeader(confirm bool) http.Header {
	if !confirm {
		return nil
	}
	return http.Header{ConfirmHeader: {"true"}}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
