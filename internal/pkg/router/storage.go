package router

import (
	"net"
	"strconv"

	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/RenderFox/internal/pkg/cache"
	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

// NewLimiterStorage returns Redis storage on database 1 (the cache uses
// DB 0) so every instance counts against the same limits.
func NewLimiterStorage() *redis.Storage {
	// Get Redis client configuration from existing cache setup
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		// Prefer password from the underlying client if present
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("LIMITER_REDIS_DB", 1),
		Reset:    false,
	})
}
