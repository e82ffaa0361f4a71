// Package ratelimit throttles the HTTP surface per caller. The backing
// counter lives in Redis so limits hold across instances; without a Redis
// URL configured the limiter degrades to allowing everything.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule describes one limit: at most Limit requests per Window, counted
// under Prefix so different surfaces do not share a budget.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders renders the standard rate-limit response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter is a fixed-window counter over Redis. A nil client disables
// limiting (every request allowed); Redis errors fail open, since blocking
// all traffic on a cache outage is worse than briefly not throttling.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// New builds a limiter. client may be nil to run in noop mode.
func New(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow counts one request for key under the rule and reports whether it
// may proceed.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) Result {
	allowed := Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		ResetAt:   time.Now().Add(rule.Window),
	}
	if l.client == nil {
		return allowed
	}

	redisKey := fmt.Sprintf("ratelimit:%s:%s", rule.Prefix, key)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, rule.Window)
		return nil
	})
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing", "key", key, "error", err)
		return allowed
	}

	count := int(incr.Val())
	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = rule.Window
	}

	res := Result{
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-count, 0),
		ResetAt:   time.Now().Add(ttl),
	}
	res.Allowed = count <= rule.Limit
	return res
}

// Close releases the underlying Redis client.
func (l *Limiter) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
