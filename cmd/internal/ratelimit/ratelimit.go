// Package ratelimit provides the request limiter for Relay's HTTP surface.
//
// The Redis implementation uses a fixed window per key so that multiple
// Relay instances share one budget. When Redis is not configured the caller
// falls back to the in-process limiter, which is per-instance only.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether one more event for key fits in the budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter is a fixed-window limiter over a shared Redis instance.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter constructs a limiter allowing limit events per window.
func NewRedisLimiter(rdb *redis.Client, prefix string, limit int64, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "relay:rl:"
	}
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window}
}

// Allow counts the event and reports whether it fits the window's budget.
// The counter key expires with the window, so an idle key costs nothing.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UTC().Unix() / int64(l.window.Seconds())
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, bucket)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// LocalLimiter is the in-process fallback: fixed window per key, one budget
// per Relay instance.
type LocalLimiter struct {
	limit  int64
	window time.Duration

	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	start time.Time
	count int64
}

// NewLocalLimiter constructs an in-process fixed-window limiter.
func NewLocalLimiter(limit int64, window time.Duration) *LocalLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LocalLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*localBucket),
	}
}

// Allow counts the event against the key's current window.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.allowAt(time.Now().UTC(), key), nil
}

func (l *LocalLimiter) allowAt(now time.Time, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Keys are per username, so the map would otherwise grow without bound.
	// At most one full sweep per window keeps Allow amortized O(1).
	if now.Sub(l.lastSweep) >= l.window {
		for k, b := range l.buckets {
			if now.Sub(b.start) >= l.window {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b := l.buckets[key]
	if b == nil || now.Sub(b.start) >= l.window {
		b = &localBucket{start: now}
		l.buckets[key] = b
	}
	b.count++
	return b.count <= l.limit
}
