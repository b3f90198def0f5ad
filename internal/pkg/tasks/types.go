package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TaskType names a registered handler.
type TaskType string

const (
	TypeJobStatus        TaskType = "job.status"
	TypeHistoryRecord    TaskType = "history.record"
	TypeMarketingNewUser TaskType = "marketing.new_user"
)

// Status defines the status of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// ErrUnknownType is returned for tasks without a registered handler.
var ErrUnknownType = errors.New("unknown task type")

// Task is a detached unit of work. Payload is the handler's JSON input.
type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ErrorMsg    string          `json:"error_msg,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
}

func (t *Task) markProcessing() {
	now := time.Now()
	t.Status = StatusProcessing
	t.ProcessedAt = &now
	t.UpdatedAt = now
}

func (t *Task) markCompleted() {
	now := time.Now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.ErrorMsg = ""
}

func (t *Task) markFailed(msg string) {
	t.Status = StatusFailed
	t.ErrorMsg = msg
	t.UpdatedAt = time.Now()
}

func (t *Task) retryable() bool {
	return t.RetryCount < t.MaxRetries
}

func (t *Task) markRetrying() {
	t.Status = StatusRetrying
	t.RetryCount++
	t.UpdatedAt = time.Now()
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// Handler executes one task. Returning an error schedules a retry.
type Handler func(ctx context.Context, task *Task) error

// Dispatcher hands detached work to a queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, taskType TaskType, payload interface{}) (*Task, error)
}

// Options tune retries and handler deadlines.
type Options struct {
	Workers        int
	MaxRetries     int
	RetryBase      time.Duration
	RetryMax       time.Duration
	HandlerTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Workers:        3,
		MaxRetries:     DefaultMaxRetries,
		RetryBase:      2 * time.Second,
		RetryMax:       2 * time.Minute,
		HandlerTimeout: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = d.RetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = d.RetryMax
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = d.HandlerTimeout
	}
	return o
}

// RetryDelay is base * 2^(attempt-1), capped at max.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Registry maps task types to handlers. Both dispatchers share one.
type Registry struct {
	mu       sync.RWMutex
	handlers map[TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[TaskType]Handler)}
}

// Register installs or replaces the handler for taskType.
func (r *Registry) Register(taskType TaskType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) run(ctx context.Context, task *Task, timeout time.Duration) error {
	r.mu.RLock()
	h, ok := r.handlers[task.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, task.Type)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h(callCtx, task)
}
