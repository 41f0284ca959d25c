// Package client is a Go client for the fleetline REST API.
package client

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
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when cancelling a job that already
	// completed or was cancelled.
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
)

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("request failed: %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Client wraps HTTP interaction with the fleetline REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	agentID    string
	attempts   uint
	delay      time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAgentID sets the agent identity sent when polling for jobs.
func WithAgentID(id string) Option {
	return func(c *Client) { c.agentID = id }
}

// WithRetry sets how often transient failures of idempotent requests are
// retried.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// New constructs a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q must include scheme and host", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		attempts:   3,
		delay:      time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Job is a dequeued job.
type Job struct {
	ID   uuid.UUID
	Data map[string]any
}

// UnmarshalJSON splits the job id from the job data.
func (j *Job) UnmarshalJSON(buf []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(buf, &raw); err != nil {
		return err
	}
	id, _ := raw["job_id"].(string)
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid job_id %q: %w", id, err)
	}
	delete(raw, "job_id")
	j.ID = parsed
	j.Data = raw
	return nil
}

// LogFragment is one chunk of phase output.
type LogFragment struct {
	FragmentNumber int       `json:"fragment_number"`
	Timestamp      time.Time `json:"timestamp"`
	Phase          string    `json:"phase"`
	LogData        string    `json:"log_data"`
}

// LogQuery filters retrieved fragments.
type LogQuery struct {
	Phase          string
	StartFragment  int
	StartTimestamp *time.Time
}

func (c *Client) resolve(path string, query url.Values) string {
	raw := strings.TrimSuffix(c.baseURL.String(), "/") + path
	if len(query) == 0 {
		return raw
	}
	return raw + "?" + query.Encode()
}

// do sends a request once. Used for requests the server must not see
// twice: submissions, claims and appends.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, v any) (int, error) {
	payload, err := encode(body)
	if err != nil {
		return 0, err
	}
	return c.once(ctx, method, c.resolve(path, query), payload, v)
}

// doIdempotent retries transient failures. Only for requests whose repeat
// leaves the server unchanged.
func (c *Client) doIdempotent(ctx context.Context, method, path string, query url.Values, body, v any) (int, error) {
	payload, err := encode(body)
	if err != nil {
		return 0, err
	}

	var status int
	err = retry.Do(
		func() error {
			var err error
			status, err = c.once(ctx, method, c.resolve(path, query), payload, v)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(transient),
	)
	return status, err
}

func encode(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return buf, nil
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte, v any) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// transient reports whether a request is worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= http.StatusInternalServerError
	}
	return true
}

func mapJobError(err error) error {
	var status *StatusError
	if !errors.As(err, &status) {
		return err
	}
	switch status.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, status.Body)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, status.Body)
	default:
		return err
	}
}

type submitResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// SubmitJob enqueues a job and returns its id.
func (c *Client) SubmitJob(ctx context.Context, jobData map[string]any) (uuid.UUID, error) {
	var resp submitResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/job", nil, jobData, &resp); err != nil {
		return uuid.Nil, fmt.Errorf("submit job: %w", err)
	}
	return resp.JobID, nil
}

// GetJob returns the job data of a job.
func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	var data map[string]any
	if _, err := c.doIdempotent(ctx, http.MethodGet, "/v1/job/"+id.String(), nil, nil, &data); err != nil {
		return nil, mapJobError(err)
	}
	return data, nil
}

// Poll asks for the next job on any of queues. It returns nil when none
// is available.
func (c *Client) Poll(ctx context.Context, queues []string) (*Job, error) {
	query := url.Values{"queue": queues}
	job := &Job{}
	status, err := c.do(ctx, http.MethodGet, "/v1/job", query, nil, job)
	if err != nil {
		return nil, fmt.Errorf("poll for job: %w", err)
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return job, nil
}

// Position returns the number of jobs ahead of id in its queue.
func (c *Client) Position(ctx context.Context, id uuid.UUID) (int, error) {
	var pos int
	if _, err := c.doIdempotent(ctx, http.MethodGet, "/v1/job/"+id.String()+"/position", nil, nil, &pos); err != nil {
		return 0, mapJobError(err)
	}
	return pos, nil
}

// CancelJob cancels a job. Cancelling a finished job returns
// ErrAlreadyTerminal.
func (c *Client) CancelJob(ctx context.Context, id uuid.UUID) error {
	body := map[string]string{"action": "cancel"}
	if _, err := c.do(ctx, http.MethodPost, "/v1/job/"+id.String()+"/action", nil, body, nil); err != nil {
		return mapJobError(err)
	}
	return nil
}

// CompleteAttachments makes a job waiting on attachments eligible for
// dequeue.
func (c *Client) CompleteAttachments(ctx context.Context, id uuid.UUID) error {
	if _, err := c.do(ctx, http.MethodPost, "/v1/job/"+id.String()+"/attachments", nil, nil, nil); err != nil {
		return mapJobError(err)
	}
	return nil
}

// GetResult returns the reconstructed result of a job.
func (c *Client) GetResult(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	var result map[string]any
	if _, err := c.doIdempotent(ctx, http.MethodGet, "/v1/result/"+id.String(), nil, nil, &result); err != nil {
		return nil, mapJobError(err)
	}
	return result, nil
}

// JobState returns the job_state of a job's result.
func (c *Client) JobState(ctx context.Context, id uuid.UUID) (string, error) {
	result, err := c.GetResult(ctx, id)
	if err != nil {
		return "", err
	}
	state, _ := result["job_state"].(string)
	return state, nil
}

// PostResult merges partial into the result of a job. Merging the same
// document twice gives the same result, so the request is retried.
func (c *Client) PostResult(ctx context.Context, id uuid.UUID, partial map[string]any) error {
	if _, err := c.doIdempotent(ctx, http.MethodPost, "/v1/result/"+id.String(), nil, partial, nil); err != nil {
		return mapJobError(err)
	}
	return nil
}

// PostLog uploads one log fragment.
func (c *Client) PostLog(ctx context.Context, id uuid.UUID, logType string, fragment LogFragment) error {
	path := "/v1/result/" + id.String() + "/log/" + url.PathEscape(logType)
	if _, err := c.do(ctx, http.MethodPost, path, nil, fragment, nil); err != nil {
		return mapJobError(err)
	}
	return nil
}

// GetLogs returns the stored fragments of one log type.
func (c *Client) GetLogs(ctx context.Context, id uuid.UUID, logType string, q LogQuery) ([]LogFragment, error) {
	query := url.Values{}
	if q.Phase != "" {
		query.Set("phase", q.Phase)
	}
	if q.StartFragment > 0 {
		query.Set("start_fragment", strconv.Itoa(q.StartFragment))
	}
	if q.StartTimestamp != nil {
		query.Set("start_timestamp", q.StartTimestamp.UTC().Format(time.RFC3339Nano))
	}

	var fragments []LogFragment
	path := "/v1/result/" + id.String() + "/log/" + url.PathEscape(logType)
	if _, err := c.doIdempotent(ctx, http.MethodGet, path, query, nil, &fragments); err != nil {
		return nil, mapJobError(err)
	}
	return fragments, nil
}

// Event is a lifecycle event reported by an agent.
type Event struct {
	Name      string    `json:"event_name"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

type eventsRequest struct {
	Events []Event `json:"events"`
}

// PostEvents reports lifecycle events of a job.
func (c *Client) PostEvents(ctx context.Context, id uuid.UUID, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/job/"+id.String()+"/events", nil, eventsRequest{Events: events}, nil); err != nil {
		return mapJobError(err)
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
}

// Ping verifies the API health endpoint responds with a healthy status.
func (c *Client) Ping(ctx context.Context) error {
	var payload healthResponse
	if _, err := c.doIdempotent(ctx, http.MethodGet, "/health", nil, nil, &payload); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if strings.ToLower(strings.TrimSpace(payload.Status)) != "healthy" {
		return fmt.Errorf("health check failed: status=%q", payload.Status)
	}
	return nil
}
