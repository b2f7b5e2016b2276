package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/HookFox/internal/pkg/cache"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

const (
	// Logical channels sharing the distributed quota
	ChannelUpstream = "upstream"
	ChannelExternal = "external"

	// Redis key prefix for window counters
	counterKeyPrefix = "ratelimit:"

	// Minimum pause between retries when a window is exhausted
	minRetryWait = 250 * time.Millisecond
)

// Limit is a fixed-window quota: at most Requests acquisitions per Window
type Limit struct {
	Requests int
	Window   time.Duration
}

// Limiter throttles callers across processes using fixed-window counters
// in Redis. Without a configured backend every acquisition is granted
// immediately (fail-open for local/dev use).
type Limiter struct {
	client *redis.Client
	limits map[string]Limit
}

// New creates a limiter over the given client. A nil client disables throttling.
func New(client *redis.Client, limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{client: client, limits: limits}
}

// NewFromEnv creates a limiter wired to the shared cache backend with
// per-channel quotas from the environment.
func NewFromEnv() *Limiter {
	return New(cache.GetClient(), map[string]Limit{
		ChannelUpstream: {Requests: env.GetEnvInt("RATE_LIMIT_UPSTREAM", 3), Window: time.Second},
		ChannelExternal: {Requests: env.GetEnvInt("RATE_LIMIT_EXTERNAL", 60), Window: time.Minute},
	})
}

// TryAcquire attempts to take one slot from the channel's current window.
// On denial it returns the wait until the window resets. Backend errors
// grant the slot: availability over strictness.
func (l *Limiter) TryAcquire(ctx context.Context, channel string) (bool, time.Duration) {
	if l.client == nil {
		return true, 0
	}

	limit, ok := l.limits[channel]
	if !ok || limit.Requests <= 0 {
		return true, 0
	}

	now := time.Now()
	windowStart := now.Truncate(limit.Window)
	key := fmt.Sprintf("%s%s:%d", counterKeyPrefix, channel, windowStart.UnixMilli())

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, limit.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("[RateLimit] Counter backend error on %s, granting: %v", channel, err)
		return true, 0
	}

	if incr.Val() > int64(limit.Requests) {
		return false, windowStart.Add(limit.Window).Sub(now)
	}
	return true, 0
}

// Acquire blocks until the channel has available quota. Denials are not
// errors; the only error returned is context cancellation.
func (l *Limiter) Acquire(ctx context.Context, channel string) error {
	for {
		granted, retryAfter := l.TryAcquire(ctx, channel)
		if granted {
			return nil
		}

		wait := retryAfter
		if wait < minRetryWait {
			wait = minRetryWait
		}
		log.Debugf("[RateLimit] Channel %s exhausted, waiting %s", channel, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
