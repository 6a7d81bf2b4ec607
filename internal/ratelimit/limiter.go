package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result reports the outcome of one limiter check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits at most Limit requests per key inside each fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// MemoryLimiter is a process-local fixed window limiter.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter constructs a limiter admitting limit requests per window for each key.
func NewMemoryLimiter(limit int, window time.Duration, clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]*fixedWindow),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.resetAt) {
		l.evictExpired(now)
		current = &fixedWindow{resetAt: now.Add(l.window)}
		l.windows[key] = current
	}
	if current.count >= l.limit {
		return Result{Allowed: false, Limit: l.limit, Remaining: 0, ResetAt: current.resetAt}, nil
	}
	current.count++
	return Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - current.count,
		ResetAt:   current.resetAt,
	}, nil
}

func (l *MemoryLimiter) evictExpired(now time.Time) {
	for key, existing := range l.windows {
		if !now.Before(existing.resetAt) {
			delete(l.windows, key)
		}
	}
}

// FallbackLimiter consults primary and switches to fallback for a check the primary could not answer.
type FallbackLimiter struct {
	primary  Limiter
	fallback Limiter
	logger   *zap.Logger
}

// NewFallbackLimiter pairs a shared limiter with a local one used while the shared store is unavailable.
func NewFallbackLimiter(primary, fallback Limiter, logger *zap.Logger) *FallbackLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackLimiter{primary: primary, fallback: fallback, logger: logger}
}

func (f *FallbackLimiter) Allow(ctx context.Context, key string) (Result, error) {
	result, err := f.primary.Allow(ctx, key)
	if err == nil {
		return result, nil
	}
	f.logger.Warn("rate limiter store unavailable, using local limiter", zap.Error(err))
	return f.fallback.Allow(ctx, key)
}
