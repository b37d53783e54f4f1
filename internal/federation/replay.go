package federation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers recently seen (serverName, nonce) pairs so a signed
// request cannot be applied twice inside the token window.
type ReplayCache interface {
	// Seen marks the pair and reports whether it was already present.
	Seen(ctx context.Context, serverName, nonce string) (bool, error)
}

// MemoryReplayCache is a process-local replay cache with a periodic sweep.
// It backs tests and single-instance deployments.
type MemoryReplayCache struct {
	ttl  time.Duration
	mu   sync.Mutex
	seen map[string]time.Time
	stop chan struct{}
	once sync.Once
}

func NewMemoryReplayCache(ttl, sweepInterval time.Duration) *MemoryReplayCache {
	if ttl <= 0 {
		ttl = TokenTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &MemoryReplayCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		stop: make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c
}

func (c *MemoryReplayCache) Seen(_ context.Context, serverName, nonce string) (bool, error) {
	key := serverName + ":" + nonce
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true, nil
	}
	c.seen[key] = now
	return false, nil
}

func (c *MemoryReplayCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.ttl)
			c.mu.Lock()
			for key, at := range c.seen {
				if at.Before(cutoff) {
					delete(c.seen, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *MemoryReplayCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// NonceSetter is the slice of redis.Client the redis replay cache uses.
type NonceSetter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisReplayCache shares nonce state across instances behind one base URL.
// SetNX with a TTL gives the mark-and-check atomically; redis expiry replaces
// the sweep.
type RedisReplayCache struct {
	client NonceSetter
	ttl    time.Duration
}

func NewRedisReplayCache(client NonceSetter, ttl time.Duration) *RedisReplayCache {
	if ttl <= 0 {
		ttl = TokenTTL
	}
	return &RedisReplayCache{client: client, ttl: ttl}
}

func (c *RedisReplayCache) Seen(ctx context.Context, serverName, nonce string) (bool, error) {
	key := fmt.Sprintf("federation:nonce:%s:%s", serverName, nonce)
	fresh, err := c.client.SetNX(ctx, key, 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}
