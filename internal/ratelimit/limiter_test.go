package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func TestMemoryLimiterFixedWindow(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	limiter := NewMemoryLimiter(2, time.Minute, clock.Now)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := limiter.Allow(ctx, "198.51.100.7")
		if err != nil || !result.Allowed {
			t.Fatalf("attempt %d: expected allowed, got %#v (err %v)", attempt, result, err)
		}
		if result.Remaining != 2-attempt {
			t.Fatalf("attempt %d: expected remaining %d, got %d", attempt, 2-attempt, result.Remaining)
		}
	}

	blocked, err := limiter.Allow(ctx, "198.51.100.7")
	if err != nil || blocked.Allowed {
		t.Fatalf("expected third request to be throttled, got %#v (err %v)", blocked, err)
	}
	if !blocked.ResetAt.Equal(clock.now.Add(time.Minute)) {
		t.Fatalf("unexpected reset time %s", blocked.ResetAt)
	}

	other, err := limiter.Allow(ctx, "203.0.113.9")
	if err != nil || !other.Allowed {
		t.Fatalf("expected independent key to be allowed, got %#v (err %v)", other, err)
	}

	clock.now = clock.now.Add(time.Minute)
	renewed, err := limiter.Allow(ctx, "198.51.100.7")
	if err != nil || !renewed.Allowed || renewed.Remaining != 1 {
		t.Fatalf("expected new window, got %#v (err %v)", renewed, err)
	}
	if len(limiter.windows) != 1 {
		t.Fatalf("expected expired windows to be evicted, have %d", len(limiter.windows))
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Result, error) {
	return Result{}, errors.New("store offline")
}

func TestFallbackLimiterUsesLocalLimiterOnError(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	local := NewMemoryLimiter(1, time.Minute, nil)
	limiter := NewFallbackLimiter(failingLimiter{}, local, zap.New(core))

	first, err := limiter.Allow(context.Background(), "key")
	if err != nil || !first.Allowed {
		t.Fatalf("expected fallback to allow, got %#v (err %v)", first, err)
	}
	second, err := limiter.Allow(context.Background(), "key")
	if err != nil || second.Allowed {
		t.Fatalf("expected fallback to throttle, got %#v (err %v)", second, err)
	}
	if logs.FilterMessage("rate limiter store unavailable, using local limiter").Len() != 2 {
		t.Fatalf("expected fallback warnings to be logged")
	}
}

func TestRedisLimiterReportsUnreachableStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})

	limiter := NewFallbackLimiter(NewRedisLimiter(client, 5, time.Minute), NewMemoryLimiter(5, time.Minute, nil), nil)
	result, err := limiter.Allow(context.Background(), "key")
	if err != nil || !result.Allowed || result.Remaining != 4 {
		t.Fatalf("expected local fallback result, got %#v (err %v)", result, err)
	}
}

func TestNewRedisClientTreatsEmptyURLAsDisabled(t *testing.T) {
	client, err := NewRedisClient(context.Background(), "")
	if err != nil || client != nil {
		t.Fatalf("expected nil client without error, got %v (err %v)", client, err)
	}
	if _, err := NewRedisClient(context.Background(), "not a url"); err == nil {
		t.Fatalf("expected parse error")
	}
}
