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
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics"
)

const (
	// Redis key prefixes
	TaskKeyPrefix     = "task:"
	TaskQueueKey      = "task_queue"
	TaskProcessingKey = "task_processing"
	TaskStatsKey      = "task_stats"

	DefaultMaxRetries = 5
	TaskTTL           = 24 * time.Hour
)

// Queue runs detached tasks from Redis with a bounded worker pool.
type Queue struct {
	client     *redis.Client
	registry   *Registry
	opts       Options
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new task queue
func NewQueue(client *redis.Client, registry *Registry, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		client:     client,
		registry:   registry,
		opts:       opts,
		workerPool: make(chan struct{}, opts.Workers),
		stopCh:     make(chan struct{}),
	}
}

// Start starts the workers and the stuck-processing sweeper.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[Tasks] Starting %d workers", q.opts.Workers)

	for i := 0; i < q.opts.Workers; i++ {
		q.workerPool <- struct{}{}
	}
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, time.Minute)
}

// Stop stops the workers and waits for in-flight tasks.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[Tasks] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[Tasks] All workers stopped")
}

// Enqueue stores the task and pushes its id onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, taskType TaskType, payload interface{}) (*Task, error) {
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
		MaxRetries: q.opts.MaxRetries,
	}

	taskData, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, TaskKeyPrefix+task.ID, taskData, TaskTTL)
	pipe.LPush(ctx, TaskQueueKey, task.ID)
	pipe.HIncrBy(ctx, TaskStatsKey, string(StatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	metrics.RecordTask(string(taskType), "enqueued")
	log.Debugf("[Tasks] Enqueued task %s (Type: %s)", task.ID, task.Type)
	return task, nil
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		default:
			<-q.workerPool

			task, err := q.dequeue(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[Tasks] Worker %d: Error dequeuing task: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			q.process(ctx, task)
			q.workerPool <- struct{}{}
		}
	}
}

func (q *Queue) dequeue(ctx context.Context) (*Task, error) {
	taskID, err := q.client.BRPopLPush(ctx, TaskQueueKey, TaskProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	data, err := q.client.Get(ctx, TaskKeyPrefix+taskID).Result()
	if err != nil {
		q.client.LRem(ctx, TaskProcessingKey, 1, taskID)
		return nil, fmt.Errorf("task data not found for ID %s", taskID)
	}

	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		q.client.LRem(ctx, TaskProcessingKey, 1, taskID)
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

func (q *Queue) process(ctx context.Context, task *Task) {
	task.markProcessing()
	q.save(ctx, task)

	err := q.registry.run(ctx, task, q.opts.HandlerTimeout)
	if err == nil {
		task.markCompleted()
		q.stats(ctx, StatusCompleted)
		metrics.RecordTask(string(task.Type), "completed")
		if derr := q.client.Del(ctx, TaskKeyPrefix+task.ID).Err(); derr != nil {
			log.Errorf("[Tasks] Failed to remove completed task %s: %v", task.ID, derr)
		}
		q.removeFromProcessing(ctx, task.ID)
		return
	}

	task.markFailed(err.Error())
	if task.retryable() && !errors.Is(err, ErrUnknownType) {
		task.markRetrying()
		delay := RetryDelay(task.RetryCount, q.opts.RetryBase, q.opts.RetryMax)
		log.Warnf("[Tasks] Task %s (%s) failed, retry %d/%d in %s: %v", task.ID, task.Type, task.RetryCount, task.MaxRetries, delay, err)
		metrics.RecordTask(string(task.Type), "retried")
		q.save(ctx, task)

		id := task.ID
		time.AfterFunc(delay, func() {
			q.client.LPush(context.Background(), TaskQueueKey, id)
		})
	} else {
		log.Errorf("[Tasks] Task %s (%s) permanently failed after %d retries: %v", task.ID, task.Type, task.RetryCount, err)
		q.stats(ctx, StatusFailed)
		metrics.RecordTask(string(task.Type), "failed")
		q.save(ctx, task)
	}
	q.removeFromProcessing(ctx, task.ID)
}

// stuckSweeper returns tasks abandoned in the processing list (crashed
// worker) to the pending list.
func (q *Queue) stuckSweeper(maxAge, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.recoverStuck(ctx, maxAge)
		}
	}
}

func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration) int {
	ids, err := q.client.LRange(ctx, TaskProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[Tasks] Sweeper LRange error: %v", err)
		return 0
	}

	recovered := 0
	now := time.Now()
	for _, id := range ids {
		data, err := q.client.Get(ctx, TaskKeyPrefix+id).Result()
		if err != nil {
			_ = q.client.LRem(ctx, TaskProcessingKey, 1, id).Err()
			continue
		}
		var task Task
		if uerr := json.Unmarshal([]byte(data), &task); uerr != nil || task.Status != StatusProcessing {
			_ = q.client.LRem(ctx, TaskProcessingKey, 1, id).Err()
			continue
		}

		started := task.UpdatedAt
		if task.ProcessedAt != nil {
			started = *task.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}

		log.Warnf("[Tasks] Recovering stuck task %s (type=%s), age=%s", task.ID, task.Type, now.Sub(started))
		task.Status = StatusPending
		task.ErrorMsg = "recovered by sweeper"
		task.UpdatedAt = now
		q.save(ctx, &task)
		_ = q.client.LRem(ctx, TaskProcessingKey, 1, id).Err()
		_ = q.client.RPush(ctx, TaskQueueKey, id).Err()
		recovered++
	}
	return recovered
}

func (q *Queue) save(ctx context.Context, task *Task) {
	data, err := json.Marshal(task)
	if err != nil {
		log.Errorf("[Tasks] Failed to marshal task %s: %v", task.ID, err)
		return
	}
	if err := q.client.Set(ctx, TaskKeyPrefix+task.ID, data, TaskTTL).Err(); err != nil {
		log.Errorf("[Tasks] Failed to update task %s: %v", task.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, taskID string) {
	if err := q.client.LRem(ctx, TaskProcessingKey, 1, taskID).Err(); err != nil {
		log.Errorf("[Tasks] Failed to remove task %s from processing queue: %v", taskID, err)
	}
}

func (q *Queue) stats(ctx context.Context, status Status) {
	if err := q.client.HIncrBy(ctx, TaskStatsKey, string(status), 1).Err(); err != nil {
		log.Errorf("[Tasks] Failed to update task stats: %v", err)
	}
}

// GetTask retrieves a task by ID. Completed tasks are deleted.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := q.client.Get(ctx, TaskKeyPrefix+taskID).Result()
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// Stats returns counts per status from the stats hash.
func (q *Queue) Stats(ctx context.Context) (map[Status]int64, error) {
	raw, err := q.client.HGetAll(ctx, TaskStatsKey).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[Status]int64, len(raw))
	for status, count := range raw {
		if n, err := json.Number(count).Int64(); err == nil {
			result[Status(status)] = n
		}
	}
	return result, nil
}

// Sizes returns the pending and processing list lengths.
func (q *Queue) Sizes(ctx context.Context) (pending, processing int64, err error) {
	if pending, err = q.client.LLen(ctx, TaskQueueKey).Result(); err != nil {
		return 0, 0, err
	}
	processing, err = q.client.LLen(ctx, TaskProcessingKey).Result()
	return pending, processing, err
}
