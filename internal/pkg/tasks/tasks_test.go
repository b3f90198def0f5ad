package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.attempt, time.Second, 10*time.Second), "attempt %d", tt.attempt)
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{MaxRetries: -1}.withDefaults()
	assert.Equal(t, 3, o.Workers)
	assert.Equal(t, 0, o.MaxRetries)
	assert.Equal(t, 2*time.Second, o.RetryBase)
	assert.Equal(t, 30*time.Second, o.HandlerTimeout)
}

func fastOptions(maxRetries int) Options {
	return Options{
		Workers:        1,
		MaxRetries:     maxRetries,
		RetryBase:      time.Millisecond,
		RetryMax:       5 * time.Millisecond,
		HandlerTimeout: time.Second,
	}
}

func TestInlineDispatcherRetriesUntilSuccess(t *testing.T) {
	registry := NewRegistry()
	var calls int32
	registry.Register(TypeHistoryRecord, func(ctx context.Context, task *Task) error {
		var p struct {
			ID string `json:"id"`
		}
		require.NoError(t, task.Decode(&p))
		assert.Equal(t, "h1", p.ID)
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("db unavailable")
		}
		return nil
	})

	d := NewInlineDispatcher(registry, fastOptions(5))
	task, err := d.Enqueue(context.Background(), TypeHistoryRecord, map[string]string{"id": "h1"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)

	d.Wait()
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestInlineDispatcherGivesUpAfterMaxRetries(t *testing.T) {
	registry := NewRegistry()
	var calls int32
	registry.Register(TypeJobStatus, func(ctx context.Context, task *Task) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always")
	})

	d := NewInlineDispatcher(registry, fastOptions(2))
	_, err := d.Enqueue(context.Background(), TypeJobStatus, struct{}{})
	require.NoError(t, err)

	d.Wait()
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestInlineDispatcherUnknownTypeNotRetried(t *testing.T) {
	d := NewInlineDispatcher(NewRegistry(), fastOptions(5))
	_, err := d.Enqueue(context.Background(), "nope", nil)
	require.NoError(t, err)
	d.Wait()
}

func TestHandlerGetsDeadline(t *testing.T) {
	registry := NewRegistry()
	registry.Register(TypeMarketingNewUser, func(ctx context.Context, task *Task) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	task := &Task{Type: TypeMarketingNewUser}
	require.NoError(t, registry.run(context.Background(), task, time.Second))
}

func TestQueueProcessesAndRetries(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedTasksTestRedisDB)

	registry := NewRegistry()
	var calls int32
	done := make(chan struct{})
	registry.Register(TypeJobStatus, func(ctx context.Context, task *Task) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	q := NewQueue(client, registry, fastOptions(3))
	q.Start()
	defer q.Stop()

	task, err := q.Enqueue(context.Background(), TypeJobStatus, map[string]string{"job_id": "j1"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task was not retried to completion")
	}

	assert.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats[StatusCompleted] == 1
	}, 5*time.Second, 50*time.Millisecond)

	_, err = q.GetTask(context.Background(), task.ID)
	assert.Error(t, err, "completed tasks are removed")
}

func TestQueueRecoverStuck(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedTasksTestRedisDB)
	q := NewQueue(client, NewRegistry(), fastOptions(1))
	ctx := context.Background()

	started := time.Now().Add(-time.Hour)
	stuck := &Task{ID: "stuck-1", Type: TypeJobStatus, Status: StatusProcessing, ProcessedAt: &started, UpdatedAt: started}
	q.save(ctx, stuck)
	require.NoError(t, client.LPush(ctx, TaskProcessingKey, stuck.ID).Err())

	assert.Equal(t, 1, q.recoverStuck(ctx, 10*time.Minute))

	pending, processing, err := q.Sizes(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
	assert.EqualValues(t, 0, processing)

	got, err := q.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}
