// Package ratelimit counts attempts per key in fixed windows, in redis when
// the gateway runs with one and in process memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter handles rate limiting using Redis
type Limiter struct {
	client      *redis.Client
	prefix      string
	window      time.Duration // Time window for counting attempts
	maxAttempts int           // Maximum attempts allowed in window
}

// NewLimiter creates a new rate limiter
func NewLimiter(client *redis.Client, prefix string, window time.Duration, maxAttempts int) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{
		client:      client,
		prefix:      prefix,
		window:      window,
		maxAttempts: maxAttempts,
	}
}

// AttemptKey returns the Redis key for tracking attempts of key
func (l *Limiter) AttemptKey(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Allow records one attempt for key and reports whether it fits in the current window
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	attemptKey := l.AttemptKey(key)

	count, err := l.client.Incr(ctx, attemptKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment attempt counter: %w", err)
	}

	// Set expiry on first attempt
	if count == 1 {
		if err := l.client.Expire(ctx, attemptKey, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to set expiry: %w", err)
		}
	}

	ttl, err := l.client.PTTL(ctx, attemptKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read window expiry: %w", err)
	}
	if ttl < 0 {
		// a counter without expiry would never reset
		if err := l.client.Expire(ctx, attemptKey, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to set expiry: %w", err)
		}
		ttl = l.window
	}

	return decide(int(count), l.maxAttempts, ttl, l.window), nil
}

// Reset clears the attempt counter for key
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.AttemptKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear attempt counter: %w", err)
	}
	return nil
}

// GetAttemptCount returns the current attempt count
func (l *Limiter) GetAttemptCount(ctx context.Context, key string) (int, error) {
	count, err := l.client.Get(ctx, l.AttemptKey(key)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get attempt count: %w", err)
	}
	return count, nil
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is the in-process Limiter used when no redis is configured
type MemoryLimiter struct {
	mu          sync.Mutex
	windows     map[string]*memoryWindow
	window      time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewMemoryLimiter creates a rate limiter that keeps its counters in memory
func NewMemoryLimiter(window time.Duration, maxAttempts int) *MemoryLimiter {
	return &MemoryLimiter{
		windows:     make(map[string]*memoryWindow),
		window:      window,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Allow records one attempt for key and reports whether it fits in the current window
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.sweep(now)
		w = &memoryWindow{resetAt: now.Add(l.window)}
		l.windows[key] = w
	}
	w.count++

	return decide(w.count, l.maxAttempts, w.resetAt.Sub(now), l.window), nil
}

// Reset clears the attempt counter for key
func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
	return nil
}

// GetAttemptCount returns the attempt count of the current window
func (l *MemoryLimiter) GetAttemptCount(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !l.now().Before(w.resetAt) {
		return 0, nil
	}
	return w.count, nil
}

// sweep drops expired windows; callers hold mu
func (l *MemoryLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}

func decide(count, maxAttempts int, ttl, window time.Duration) Decision {
	if ttl <= 0 {
		ttl = window
	}

	remaining := maxAttempts - count
	if remaining < 0 {
		return Decision{Allowed: false, Remaining: 0, RetryAfter: ttl}
	}
	return Decision{Allowed: true, Remaining: remaining}
}
