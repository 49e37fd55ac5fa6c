package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiter(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLimiter(rdb, "test:rl:", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("event %d inside limit denied", i)
		}
	}

	ok, err := l.Allow(ctx, "alice")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatalf("event over limit allowed")
	}

	// Budgets are per key.
	ok, err = l.Allow(ctx, "bob")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !ok {
		t.Fatalf("independent key denied")
	}
}

func TestLocalLimiter(t *testing.T) {
	t.Parallel()

	l := NewLocalLimiter(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "alice"); !ok {
			t.Fatalf("event %d inside limit denied", i)
		}
	}
	if ok, _ := l.Allow(ctx, "alice"); ok {
		t.Fatalf("event over limit allowed")
	}
	if ok, _ := l.Allow(ctx, "bob"); !ok {
		t.Fatalf("independent key denied")
	}
}

func TestLocalLimiterSweepsExpiredBuckets(t *testing.T) {
	t.Parallel()

	l := NewLocalLimiter(5, time.Minute)
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		l.allowAt(base, fmt.Sprintf("room_create:user-%d", i))
	}

	l.mu.Lock()
	before := len(l.buckets)
	l.mu.Unlock()
	if before != 100 {
		t.Fatalf("buckets=%d want=100", before)
	}

	// One event a window later evicts every stale key.
	if !l.allowAt(base.Add(2*time.Minute), "room_create:user-0") {
		t.Fatalf("event in fresh window denied")
	}

	l.mu.Lock()
	after := len(l.buckets)
	l.mu.Unlock()
	if after != 1 {
		t.Fatalf("stale buckets kept: len=%d want=1", after)
	}
}
