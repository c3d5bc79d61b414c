// Package cache stores oracle responses in memory or in Redis
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is a byte cache with per-entry TTL. Misses and backend failures
// both report ok=false.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

type entry struct {
	b   []byte
	exp time.Time
}

// Memory is an in-process cache
type Memory struct {
	mu  sync.Mutex
	m   map[string]entry
	now func() time.Time
}

// NewMemory creates an empty in-process cache
func NewMemory() *Memory {
	return &Memory{m: make(map[string]entry), now: time.Now}
}

// Get implements Cache
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && c.now().After(e.exp) {
		delete(c.m, key)
		return nil, false
	}
	return append([]byte(nil), e.b...), true
}

// Set implements Cache
func (c *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.m[key] = e
}

// Len returns the number of stored entries, expired or not
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Redis is a Cache backed by a go-redis client
type Redis struct {
	client  redis.Cmdable
	prefix  string
	timeout time.Duration
}

// NewRedis wraps client. Keys are namespaced with prefix.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, timeout: 500 * time.Millisecond}
}

// Get implements Cache
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		return nil, false
	}
	return v, true
}

// Set implements Cache
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
}

// Config selects a cache backend
type Config struct {
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// New returns a Redis cache when RedisAddr is set and an in-memory cache
// otherwise.
func New(cfg Config) Cache {
	if cfg.RedisAddr == "" {
		return NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fxrun:"
	}
	return NewRedis(client, prefix)
}
