// Package taskapi is the HTTP client for the remote task service: task
// creation, snapshots, cancellation, event streams, approvals and history.
package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"taskpilot/internal/infra/httpclient"
	"taskpilot/internal/infra/observability"
	apperrors "taskpilot/internal/shared/errors"
	"taskpilot/internal/shared/logging"
)

const (
	defaultMaxResponseBytes = 8 << 20
	defaultHistoryCacheSize = 128
)

// Credentials identify the acting user. They are attached to every request
// and never persisted.
type Credentials struct {
	SessionToken string
	UserID       string
}

// Client talks to the task service over HTTP.
type Client struct {
	baseURL     *url.URL
	creds       Credentials
	http        *http.Client
	stream      *http.Client
	logger      logging.Logger
	metrics     *observability.Metrics
	retry       apperrors.RetryConfig
	maxBody     int64
	historySize int
	history     *lru.Cache[string, *History]
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for request/response calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithStreamClient sets the client used for event streams. It should not
// carry an overall timeout.
func WithStreamClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.stream = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

// WithMetrics records API latency on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithRetryConfig overrides the retry policy for idempotent calls.
func WithRetryConfig(cfg apperrors.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithHistoryCacheSize bounds the number of cached task histories.
func WithHistoryCacheSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.historySize = size
		}
	}
}

// New builds a Client for baseURL.
func New(baseURL string, creds Credentials, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL:     parsed,
		creds:       creds,
		logger:      logging.NewComponentLogger("TaskAPI"),
		retry:       apperrors.DefaultRetryConfig(),
		maxBody:     defaultMaxResponseBytes,
		historySize: defaultHistoryCacheSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(30*time.Second, c.logger, httpclient.WithBreaker("task-api"))
	}
	if c.stream == nil {
		c.stream = httpclient.NewStreaming(c.logger)
	}
	c.history, err = lru.New[string, *History](c.historySize)
	if err != nil {
		return nil, fmt.Errorf("history cache: %w", err)
	}
	return c, nil
}

// CreateTask starts a task and returns its id. Creation is not retried since
// the endpoint is not idempotent.
func (c *Client) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	if strings.TrimSpace(req.Input) == "" {
		return "", fmt.Errorf("create task: input is required")
	}
	var resp createResponse
	if err := c.do(ctx, "create_task", "", http.MethodPost, "/api/tasks", req, &resp); err != nil {
		return "", err
	}
	id := resp.TaskID
	if id == "" {
		id = resp.RunID
	}
	if id == "" {
		return "", fmt.Errorf("create task: response carried no task id")
	}
	return id, nil
}

// GetTask returns the server snapshot of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	return apperrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (*TaskRecord, error) {
		var rec TaskRecord
		if err := c.do(ctx, "get_task", taskID, http.MethodGet, taskPath(taskID, ""), nil, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	}, c.logger)
}

// CancelTask asks the server to stop a task. The endpoint is idempotent.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return apperrors.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.do(ctx, "cancel_task", taskID, http.MethodPost, taskPath(taskID, "cancel"), nil, nil)
	}, c.logger)
}

// OpenStream opens the event stream of a task. The caller owns the returned
// body and must close it; cancelling ctx also ends the stream.
func (c *Client) OpenStream(ctx context.Context, taskID string) (io.ReadCloser, error) {
	ctx, span := observability.StartSpan(ctx, "taskapi.open_stream", observability.TaskAttrs("open_stream", taskID)...)
	started := time.Now()
	body, err := c.openStream(ctx, taskID)
	c.metrics.ObserveAPI("open_stream", err, time.Since(started))
	observability.EndSpan(span, err)
	return body, err
}

func (c *Client) openStream(ctx context.Context, taskID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, taskPath(taskID, "events"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := httpclient.ReadAllWithLimit(resp.Body, 4096)
		return nil, &StatusError{Operation: "open stream", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}

// SubmitApproval resolves one approval.
func (c *Client) SubmitApproval(ctx context.Context, decision Decision) (Ack, error) {
	var ack Ack
	err := c.do(ctx, "submit_approval", decision.TaskID, http.MethodPost, "/api/approvals", decision, &ack)
	return ack, err
}

// SubmitApprovals resolves several approvals in one request.
func (c *Client) SubmitApprovals(ctx context.Context, decisions []Decision) (Ack, error) {
	if len(decisions) == 0 {
		return Ack{Success: true}, nil
	}
	var ack Ack
	body := struct {
		Decisions []Decision `json:"decisions"`
	}{Decisions: decisions}
	err := c.do(ctx, "submit_approvals", decisions[0].TaskID, http.MethodPost, "/api/approvals/batch", body, &ack)
	return ack, err
}

// History returns the recorded events of a task. Histories of finished tasks
// cannot change and are served from an LRU cache after the first fetch.
func (c *Client) History(ctx context.Context, taskID string) (*History, error) {
	if cached, ok := c.history.Get(taskID); ok {
		return cached, nil
	}
	h, err := apperrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (*History, error) {
		var h History
		if err := c.do(ctx, "history", taskID, http.MethodGet, taskPath(taskID, "history"), nil, &h); err != nil {
			return nil, err
		}
		return &h, nil
	}, c.logger)
	if err != nil {
		return nil, err
	}
	if h.TaskID == "" {
		h.TaskID = taskID
	}
	if h.Terminal() {
		c.history.Add(taskID, h)
	}
	return h, nil
}

func (c *Client) do(ctx context.Context, operation, taskID, method, path string, in, out any) (err error) {
	ctx, span := observability.StartSpan(ctx, "taskapi."+operation, observability.TaskAttrs(operation, taskID)...)
	started := time.Now()
	defer func() {
		c.metrics.ObserveAPI(operation, err, time.Since(started))
		observability.EndSpan(span, err)
	}()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", operation, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int(observability.AttrHTTPStatus, resp.StatusCode))

	data, err := httpclient.ReadAllWithLimit(resp.Body, c.maxBody)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", operation, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("%s %s -> %d", method, path, resp.StatusCode)
		return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewPermanentError(fmt.Errorf("%s: decode response: %w", operation, err), "malformed response from task service")
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token := strings.TrimSpace(c.creds.SessionToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if user := strings.TrimSpace(c.creds.UserID); user != "" {
		req.Header.Set("X-User-ID", user)
	}
	return req, nil
}

func taskPath(taskID, suffix string) string {
	p := "/api/tasks/" + taskID
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
