// Package ratelimit throttles challenge issuance, code redemption and login attempts per key
// (target email or client IP).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var (
	// ErrLimited is returned when a key has used up its budget for the current window.
	ErrLimited = errors.New("rate limit exceeded")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("rate limiter unavailable")
)

// Limiter charges one hit against key and returns ErrLimited when the budget is spent.
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

// Key names a counter. Scope is the operation, subject is an email or an IP; an empty subject
// yields an empty key, which Check skips.
func Key(scope, subject string) string {
	if subject == "" {
		return ""
	}
	return "iorl:" + scope + ":" + subject
}

// RedisLimiter is a fixed-window counter shared by every instance.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
}

// NewRedisLimiter allows max hits per key per window.
func NewRedisLimiter(client *redis.Client, window time.Duration, max int) *RedisLimiter {
	return &RedisLimiter{client: client, window: window, max: max}
}

// Allow increments the key's counter and arms its expiry on the first hit of a window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) error {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if count > int64(l.max) {
		return ErrLimited
	}
	return nil
}

// MemoryLimiter is a per-process token bucket per key. Used when no Redis is configured.
type MemoryLimiter struct {
	limit rate.Limit
	burst int

	mu          sync.Mutex
	buckets     map[string]*bucket
	lastCleanup time.Time
	idle        time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter refills max tokens per window, with a burst of max.
func NewMemoryLimiter(window time.Duration, max int) *MemoryLimiter {
	if max < 1 {
		max = 1
	}
	return &MemoryLimiter{
		limit:       rate.Limit(float64(max) / window.Seconds()),
		burst:       max,
		buckets:     make(map[string]*bucket),
		lastCleanup: time.Now(),
		idle:        2 * window,
	}
}

// Allow takes one token from key's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) error {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastCleanup) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastCleanup = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if !b.limiter.AllowN(now, 1) {
		return ErrLimited
	}
	return nil
}

// New returns a Redis-backed limiter when client is non-nil, otherwise an in-process one.
func New(client *redis.Client, window time.Duration, max int) Limiter {
	if client != nil {
		return NewRedisLimiter(client, window, max)
	}
	return NewMemoryLimiter(window, max)
}

// Check charges every key in order and stops at the first refusal. A nil limiter allows everything.
// Empty keys are skipped.
func Check(ctx context.Context, l Limiter, keys ...string) error {
	if l == nil {
		return nil
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if err := l.Allow(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
