package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

const isolatedTasksTestRedisDB = 14

func resolveTestRedis(t *testing.T) (string, string, string) {
	t.Helper()

	hosts := []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1"}
	port := env.GetEnv("CACHE_PORT", "6379")
	passwords := []string{env.GetEnv("CACHE_PASSWORD", ""), ""}

	seen := make(map[string]struct{})
	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		for _, password := range passwords {
			key := host + "|" + password
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			client := redis.NewClient(&redis.Options{
				Addr:     fmt.Sprintf("%s:%s", host, port),
				Password: password,
			})
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := client.Ping(ctx).Err()
			cancel()
			_ = client.Close()
			if err == nil {
				return host, port, password
			}
			lastErr = err
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", "", ""
}

func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	host, port, password := resolveTestRedis(t)
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,
	})
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush isolated redis db %d: %v", db, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}
