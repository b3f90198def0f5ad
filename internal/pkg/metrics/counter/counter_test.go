package counter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

const isolatedCounterTestRedisDB = 13

type recordingSink struct {
	counts map[string]int64
	err    error
}

func (s *recordingSink) AddCounts(_ context.Context, _ time.Time, counts map[string]int64) error {
	if s.err != nil {
		return s.err
	}
	s.counts = counts
	return nil
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedCounterTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestFlushDrainsCounters(t *testing.T) {
	client := newTestRedis(t)
	c := New(client)
	ctx := context.Background()

	require.NoError(t, c.AddToolUse(ctx, "render"))
	require.NoError(t, c.AddToolUse(ctx, "render"))
	require.NoError(t, c.AddToolUse(ctx, "video"))

	sink := &recordingSink{}
	n, err := c.Flush(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]int64{"render": 2, "video": 1}, sink.counts)

	n, err = c.Flush(ctx, sink)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlushRestoresOnSinkError(t *testing.T) {
	client := newTestRedis(t)
	c := New(client)
	ctx := context.Background()

	require.NoError(t, c.AddToolUse(ctx, "upscale"))
	_, err := c.Flush(ctx, &recordingSink{err: errors.New("db down")})
	require.Error(t, err)

	v, err := client.HGet(ctx, ToolUsesKey, "upscale").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}
