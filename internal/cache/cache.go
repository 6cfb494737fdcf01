// Package cache provides the generic key/value caching tiers behind the
// embedding service's content-addressed cache, plus the KeyHash helper the
// session manager also uses to build its idempotency keys.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache is the minimal byte-oriented contract every tier satisfies.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// KeyHash returns a stable, content-addressed cache key for arbitrary input
// (e.g. a hash of (text, modelID) for the embedding cache).
func KeyHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ----------------------------- In-Memory TTL Cache -----------------------------

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryCache is a process-local TTL cache with a background janitor; used
// as the default embedding cache when no Redis endpoint is configured.
type InMemoryCache struct {
	mu      sync.RWMutex
	items   map[string]memEntry
	stopCh  chan struct{}
	stopped bool
}

// NewInMemory creates an in-memory cache with a janitor sweeping every
// interval for expired entries.
func NewInMemory(janitorInterval time.Duration) *InMemoryCache {
	if janitorInterval <= 0 {
		janitorInterval = 15 * time.Second
	}
	c := &InMemoryCache{
		items:  make(map[string]memEntry, 1024),
		stopCh: make(chan struct{}),
	}
	go c.janitor(janitorInterval)
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		_ = c.Delete(context.Background(), key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = memEntry{value: append([]byte(nil), value...), expiresAt: exp}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	close(c.stopCh)
	c.stopped = true
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *InMemoryCache) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, v := range c.items {
				if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// ----------------------------- Redis Cache -----------------------------

// RedisCache is the shared, concurrent-safe cache tier backed by Redis; used
// in multi-instance deployments where the embedding cache must be shared.
type RedisCache struct {
	client *redis.Client
}

// NewRedis connects to Redis using a standard URL (e.g.
// redis://localhost:6379/0) and verifies reachability with a ping.
func NewRedis(url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	cli := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return &RedisCache{client: cli}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisCache) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ----------------------------- helpers -----------------------------

// GetOrCompute returns the cached value for key, computing and storing it via
// fn on a miss.
func GetOrCompute(ctx context.Context, c Cache, key string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, bool, error) {
	if c == nil {
		return nil, false, errors.New("cache is nil")
	}
	if v, ok, err := c.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, err := fn()
	if err != nil {
		return nil, false, err
	}
	_ = c.Set(ctx, key, v, ttl)
	return v, false, nil
}
