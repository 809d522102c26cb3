package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "icebreaker:guard:"

// RedisGuard shares claims across server replicas with SETNX.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisGuard.
type RedisOption func(*RedisGuard)

// WithPrefix namespaces guard keys.
func WithPrefix(prefix string) RedisOption {
	return func(g *RedisGuard) {
		if prefix != "" {
			g.prefix = prefix
		}
	}
}

// WithTTL bounds how long a claim is remembered.
func WithTTL(ttl time.Duration) RedisOption {
	return func(g *RedisGuard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// NewRedisGuard creates a guard backed by client.
func NewRedisGuard(client redis.UniversalClient, opts ...RedisOption) *RedisGuard {
	g := &RedisGuard{client: client, prefix: defaultRedisPrefix, ttl: 24 * time.Hour}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *RedisGuard) SeenAndRecord(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("guard claim %s: %w", key, err)
	}
	return !ok, nil
}

func (g *RedisGuard) Unrecord(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("guard release %s: %w", key, err)
	}
	return nil
}

// NewRedisClient connects to addr and pings it once.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
