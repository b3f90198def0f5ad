package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// ToolUsesKey buffers per-tool generation counts until the next flush.
const ToolUsesKey = "tool:counters:uses"

// Sink receives drained counts; the tool usage repository implements it.
type Sink interface {
	AddCounts(ctx context.Context, day time.Time, counts map[string]int64) error
}

// Counter buffers increments in a Redis hash.
type Counter struct {
	client *redis.Client
	key    string
}

// New creates a tool usage counter on the given Redis client.
func New(client *redis.Client) *Counter {
	return &Counter{client: client, key: ToolUsesKey}
}

// AddToolUse increments the pending counter for a tool.
func (c *Counter) AddToolUse(ctx context.Context, toolID string) error {
	return c.client.HIncrBy(ctx, c.key, toolID, 1).Err()
}

// Flush drains the hash and hands the counts to sink, dated today (UTC).
// The hash is renamed to a temporary key first, so increments arriving
// during the flush land in a fresh hash and are not lost.
func (c *Counter) Flush(ctx context.Context, sink Sink) (int, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", c.key, time.Now().UnixNano())
	if err := c.client.Rename(ctx, c.key, tmpKey).Err(); err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return 0, nil
		}
		return 0, err
	}
	defer c.client.Del(ctx, tmpKey)

	data, err := c.client.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return 0, err
	}

	counts := make(map[string]int64, len(data))
	for toolID, raw := range data {
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || n <= 0 {
			continue
		}
		counts[toolID] = n
	}
	if len(counts) == 0 {
		return 0, nil
	}

	if err := sink.AddCounts(ctx, time.Now().UTC(), counts); err != nil {
		// Put the counts back so the next flush retries them.
		pipe := c.client.Pipeline()
		for toolID, n := range counts {
			pipe.HIncrBy(ctx, c.key, toolID, n)
		}
		if _, rerr := pipe.Exec(ctx); rerr != nil {
			log.Errorf("[Counter] Failed to restore %d tool counters: %v", len(counts), rerr)
		}
		return 0, err
	}
	return len(counts), nil
}
