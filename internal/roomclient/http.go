package roomclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"roomops/internal/artifacts"
	"roomops/internal/domain"
	"roomops/internal/retry"
)

const maxResponseBytes = 4 << 20

// HTTPClient implements Runtime against the room runtime REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

type HTTPOptions struct {
	BaseURL string
	Token   string
	// Timeout bounds each call. Zero means 10s.
	Timeout time.Duration
	// RequestsPerSecond throttles calls; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("room runtime base url required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("room runtime base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		timeout:    opts.Timeout,
		httpClient: opts.HTTPClient,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

func roomPath(roomID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/rooms/")
	b.WriteString(url.PathEscape(roomID))
	for _, p := range parts {
		b.WriteString("/")
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c *HTTPClient) GetState(ctx context.Context, roomID string) (domain.RoomState, error) {
	var st domain.RoomState
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "state"), nil, &st); err != nil {
		return domain.RoomState{}, fmt.Errorf("get state of room %s: %w", roomID, err)
	}
	if st.RoomID == "" {
		st.RoomID = roomID
	}
	return st, nil
}

func (c *HTTPClient) JoinEntity(ctx context.Context, roomID string, entity domain.EntitySpec) error {
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "entities"), entity, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("join %s to room %s: %w", entity.ID, roomID, err)
	}
	return nil
}

func (c *HTTPClient) KickEntity(ctx context.Context, roomID, entityID string) error {
	err := c.do(ctx, http.MethodDelete, roomPath(roomID, "entities", entityID), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("kick %s from room %s: %w", entityID, roomID, err)
	}
	return nil
}

func (c *HTTPClient) GetArtifactHash(ctx context.Context, roomID, name string) (string, bool, error) {
	var resp struct {
		ContentHash string `json:"contentHash"`
	}
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "artifacts", name), nil, &resp)
	if err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get artifact %s in room %s: %w", name, roomID, err)
	}
	return resp.ContentHash, true, nil
}

type seedRequest struct {
	Type        string   `json:"type"`
	Workspace   string   `json:"workspace"`
	Tags        []string `json:"tags,omitempty"`
	Content     string   `json:"content"`
	ContentHash string   `json:"contentHash"`
}

func (c *HTTPClient) SeedArtifact(ctx context.Context, roomID string, a domain.ArtifactSeedSpec, content []byte) error {
	body := seedRequest{
		Type:        a.Type,
		Workspace:   a.Workspace,
		Tags:        a.Tags,
		Content:     base64.StdEncoding.EncodeToString(content),
		ContentHash: artifacts.Fingerprint(a, content),
	}
	if err := c.do(ctx, http.MethodPut, roomPath(roomID, "artifacts", a.Name), body, nil); err != nil {
		return fmt.Errorf("seed artifact %s in room %s: %w", a.Name, roomID, err)
	}
	return nil
}

func (c *HTTPClient) PromoteArtifact(ctx context.Context, roomID, name string) error {
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "artifacts", name, "promote"), struct{}{}, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("promote artifact %s in room %s: %w", name, roomID, err)
	}
	return nil
}

func (c *HTTPClient) DeleteArtifact(ctx context.Context, roomID, name string) error {
	err := c.do(ctx, http.MethodDelete, roomPath(roomID, "artifacts", name), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete artifact %s in room %s: %w", name, roomID, err)
	}
	return nil
}

func (c *HTTPClient) ApplyPolicy(ctx context.Context, roomID, policyName, value string) error {
	body := map[string]string{"value": value}
	if err := c.do(ctx, http.MethodPut, roomPath(roomID, "policies", policyName), body, nil); err != nil {
		return fmt.Errorf("apply policy %s in room %s: %w", policyName, roomID, err)
	}
	return nil
}

// do sends one JSON request. Client errors other than 408 and 429 are marked
// permanent so the retry executor does not repeat them.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encode request body: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response from %s %s: %w", method, path, err))
		}
		return nil
	}

	apiErr := &APIError{StatusCode: res.StatusCode}
	if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(res.StatusCode), " ", "_"))
	}
	if res.StatusCode >= 400 && res.StatusCode < 500 &&
		res.StatusCode != http.StatusRequestTimeout && res.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(apiErr)
	}
	return apiErr
}
