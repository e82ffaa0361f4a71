package ratelimit_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mireapprove/backend/internal/ratelimit"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})
	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func uniqueRule(prefix string, limit int, window time.Duration) ratelimit.Rule {
	return ratelimit.Rule{
		Prefix: fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano()),
		Limit:  limit,
		Window: window,
	}
}

func TestLimiterAllow(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.New(testRedis, nil)
	rule := uniqueRule("api", 5, time.Minute)

	for i := 0; i < 5; i++ {
		res := limiter.Allow(ctx, rule, "user-1")
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, 5-i-1, res.Remaining)
	}

	res := limiter.Allow(ctx, rule, "user-1")
	assert.False(t, res.Allowed, "6th request should be denied")
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.ResetAt.After(time.Now()))
}

func TestLimiterPerKey(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.New(testRedis, nil)
	rule := uniqueRule("api", 3, time.Minute)

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow(ctx, rule, "user-A").Allowed)
		require.True(t, limiter.Allow(ctx, rule, "user-B").Allowed)
	}
	assert.False(t, limiter.Allow(ctx, rule, "user-A").Allowed)
	assert.False(t, limiter.Allow(ctx, rule, "user-B").Allowed)
}

func TestLimiterWindowExpiry(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.New(testRedis, nil)
	rule := uniqueRule("api", 2, 500*time.Millisecond)

	require.True(t, limiter.Allow(ctx, rule, "user-X").Allowed)
	require.True(t, limiter.Allow(ctx, rule, "user-X").Allowed)
	require.False(t, limiter.Allow(ctx, rule, "user-X").Allowed)

	time.Sleep(600 * time.Millisecond)

	assert.True(t, limiter.Allow(ctx, rule, "user-X").Allowed, "allowed again after the window")
}

func TestLimiterSeparatePrefixes(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.New(testRedis, nil)

	base := time.Now().UnixNano()
	strict := ratelimit.Rule{Prefix: fmt.Sprintf("register-%d", base), Limit: 2, Window: time.Minute}
	relaxed := ratelimit.Rule{Prefix: fmt.Sprintf("api-%d", base), Limit: 100, Window: time.Minute}

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, strict, "user")
	}
	assert.False(t, limiter.Allow(ctx, strict, "user").Allowed)
	assert.True(t, limiter.Allow(ctx, relaxed, "user").Allowed, "other prefix keeps its own budget")
}

func TestLimiterNoopMode(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.New(nil, nil)
	rule := ratelimit.Rule{Prefix: "noop", Limit: 1, Window: time.Minute}

	for i := 0; i < 100; i++ {
		res := limiter.Allow(ctx, rule, "user")
		require.True(t, res.Allowed)
		assert.Equal(t, 1, res.Remaining)
	}
}

func TestResultFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	res := ratelimit.Result{Allowed: true, Limit: 100, Remaining: 42, ResetAt: resetAt}

	headers := res.FormatHeaders()
	assert.Equal(t, "100", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, fmt.Sprintf("%d", resetAt.Unix()), headers["X-RateLimit-Reset"])
}
