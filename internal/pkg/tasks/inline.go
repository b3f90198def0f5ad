package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics"
)

// InlineDispatcher runs each task in its own goroutine with the queue's
// retry policy. It is used when no Redis is configured and in tests.
type InlineDispatcher struct {
	registry *Registry
	opts     Options
	wg       sync.WaitGroup
}

func NewInlineDispatcher(registry *Registry, opts Options) *InlineDispatcher {
	return &InlineDispatcher{registry: registry, opts: opts.withDefaults()}
}

func (d *InlineDispatcher) Enqueue(_ context.Context, taskType TaskType, payload interface{}) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := time.Now()
	task := &Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Status:     StatusPending,
		Payload:    data,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: d.opts.MaxRetries,
	}
	metrics.RecordTask(string(taskType), "enqueued")

	// The task outlives the request that enqueued it.
	d.wg.Add(1)
	go d.run(*task)
	return task, nil
}

func (d *InlineDispatcher) run(task Task) {
	defer d.wg.Done()
	for {
		task.markProcessing()
		err := d.registry.run(context.Background(), &task, d.opts.HandlerTimeout)
		if err == nil {
			metrics.RecordTask(string(task.Type), "completed")
			return
		}
		task.markFailed(err.Error())
		if !task.retryable() || errors.Is(err, ErrUnknownType) {
			log.Errorf("[Tasks] Inline task %s (%s) permanently failed after %d retries: %v", task.ID, task.Type, task.RetryCount, err)
			metrics.RecordTask(string(task.Type), "failed")
			return
		}
		task.markRetrying()
		metrics.RecordTask(string(task.Type), "retried")
		time.Sleep(RetryDelay(task.RetryCount, d.opts.RetryBase, d.opts.RetryMax))
	}
}

// Wait blocks until every enqueued task finished or gave up.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
