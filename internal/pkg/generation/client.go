package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/tidwall/gjson"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

var (
	// ErrPollTimeout is returned when a task is still running after the
	// last poll attempt.
	ErrPollTimeout = errors.New("generation timeout: polling exhausted")
	ErrNoResult    = errors.New("generation returned no result")
)

// ProviderError is a non-zero envelope code or a failed task.
type ProviderError struct {
	Code int
	Msg  string
	// Transient marks an HTTP 5xx that carried no provider envelope, i.e. a
	// gateway or load balancer failure rather than a verdict on the task.
	Transient bool
}

func (e *ProviderError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("provider error code %d", e.Code)
	}
	return e.Msg
}

// Task states reported by CheckTask.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateSuccess    = "success"
	StateFailed     = "failed"
)

// TaskResult is the outcome of CreateTask. Synchronous endpoints fill
// ResultURL, asynchronous ones TaskID.
type TaskResult struct {
	TaskID    string
	ResultURL string
	Data      json.RawMessage
}

// TaskStatus is the outcome of CheckTask.
type TaskStatus struct {
	State     string
	ResultURL string
	Message   string
}

// PollOptions bound PollTask.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

// Config for the generation proxy.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	CheckEndpoint string
	Poll          PollOptions
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		BaseURL:       strings.TrimSuffix(env.GetEnv("GENERATION_BASE_URL", ""), "/"),
		APIKey:        env.GetEnv("GENERATION_API_KEY", ""),
		Timeout:       env.GetEnvDuration("GENERATION_TIMEOUT", 120*time.Second),
		CheckEndpoint: env.GetEnv("GENERATION_CHECK_ENDPOINT", "/task/status"),
		Poll: PollOptions{
			Interval:    env.GetEnvDuration("UPSCALE_POLL_INTERVAL", 3*time.Second),
			MaxAttempts: env.GetEnvInt("UPSCALE_POLL_ATTEMPTS", 60),
		},
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("GENERATION_BASE_URL is required")
	}
	return cfg, nil
}

// Client talks to the generation proxy. Every call carries its own deadline.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.CheckEndpoint == "" {
		cfg.CheckEndpoint = "/task/status"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// PollDefaults returns the configured polling bounds.
func (c *Client) PollDefaults() PollOptions {
	return c.cfg.Poll
}

// CreateTask posts payload to endpoint (a path under the base URL).
func (c *Client) CreateTask(ctx context.Context, endpoint string, payload interface{}) (*TaskResult, error) {
	data, err := c.post(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	res := &TaskResult{
		TaskID:    firstString(data, "task_id", "taskId", "id"),
		ResultURL: firstString(data, "url", "image_url", "video_url", "output.0", "output", "images.0.url"),
		Data:      json.RawMessage(data.Raw),
	}
	if res.TaskID == "" && res.ResultURL == "" {
		return nil, ErrNoResult
	}
	return res, nil
}

// CheckTask reads the state of an asynchronous task.
func (c *Client) CheckTask(ctx context.Context, taskID string) (*TaskStatus, error) {
	data, err := c.post(ctx, c.cfg.CheckEndpoint, map[string]string{"task_id": taskID})
	if err != nil {
		return nil, err
	}
	return &TaskStatus{
		State:     normalizeState(firstString(data, "status", "state")),
		ResultURL: firstString(data, "url", "result_url", "output.0", "output"),
		Message:   firstString(data, "error", "message", "msg"),
	}, nil
}

// PollTask checks at a fixed interval until the task finishes or
// MaxAttempts checks were made. Transport errors and bare 5xx replies count
// as attempts.
func (c *Client) PollTask(ctx context.Context, taskID string, opts PollOptions) (string, error) {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		status, err := c.CheckTask(ctx, taskID)
		var perr *ProviderError
		switch {
		case errors.As(err, &perr) && !perr.Transient:
			return "", err
		case err != nil:
			log.Debugf("[Generation] Poll %d/%d for %s failed: %v", attempt, opts.MaxAttempts, taskID, err)
		case status.State == StateSuccess:
			if status.ResultURL == "" {
				return "", ErrNoResult
			}
			return status.ResultURL, nil
		case status.State == StateFailed:
			return "", &ProviderError{Msg: status.Message}
		}

		if attempt == opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
	return "", ErrPollTimeout
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.cfg.BaseURL + "/" + strings.TrimPrefix(endpoint, "/")
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}

	envelope := gjson.ParseBytes(raw)
	if !envelope.IsObject() || !envelope.Get("code").Exists() {
		if resp.StatusCode >= 400 {
			return gjson.Result{}, &ProviderError{
				Code:      resp.StatusCode,
				Msg:       strings.TrimSpace(string(raw)),
				Transient: resp.StatusCode >= 500,
			}
		}
		return gjson.Result{}, fmt.Errorf("unexpected response (status %d)", resp.StatusCode)
	}
	if code := envelope.Get("code").Int(); code != 0 {
		return gjson.Result{}, &ProviderError{Code: int(code), Msg: envelope.Get("msg").String()}
	}
	return envelope.Get("data"), nil
}

func firstString(data gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := data.Get(p); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func normalizeState(s string) string {
	switch strings.ToLower(s) {
	case "success", "succeeded", "completed", "done":
		return StateSuccess
	case "failed", "failure", "error", "cancelled":
		return StateFailed
	case "processing", "running", "in_progress":
		return StateProcessing
	default:
		return StatePending
	}
}
