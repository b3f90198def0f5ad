package metering

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard serialises attempts per key. Acquire reports false when the key is
// already held; it never waits.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]struct{})}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, false, nil
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the key only while it still holds our token, so
// an expired lock taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard shares the guard across instances with SET NX PX.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisGuard{client: client, prefix: "metering:inflight:", ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.New().String()
	fullKey := g.prefix + key
	ok, err := g.client.SetNX(ctx, fullKey, token, g.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, g.client, []string{fullKey}, token).Err()
		})
	}, true, nil
}
