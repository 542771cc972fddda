package gate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard marks exchange records as consumed so a callback replayed with
// the same state can never reach the authority a second time.
type ReplayGuard interface {
	// MarkConsumed records id as used for ttl. It returns true only for the
	// first caller; every later call with the same id returns false.
	MarkConsumed(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is the single-instance default.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryReplayGuard constructs the in-memory guard.
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time)}
}

// MarkConsumed implements ReplayGuard.
func (g *MemoryReplayGuard) MarkConsumed(_ context.Context, id string, ttl time.Duration) (bool, error) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	// Opportunistic sweep of expired entries.
	for k, exp := range g.seen {
		if now.After(exp) {
			delete(g.seen, k)
		}
	}

	if exp, ok := g.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[id] = now.Add(ttl)
	return true, nil
}

// RedisReplayGuard shares consumption state across gate instances.
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayGuard constructs the guard from config.
func NewRedisReplayGuard(cfg RedisConfig) *RedisReplayGuard {
	return &RedisReplayGuard{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: "authgate:pkce:",
	}
}

// MarkConsumed implements ReplayGuard with SET NX so exactly one instance
// wins even under concurrent callbacks.
func (g *RedisReplayGuard) MarkConsumed(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+id, "1", ttl).Result()
}

// Close releases the underlying connection pool.
func (g *RedisReplayGuard) Close() error {
	return g.client.Close()
}
