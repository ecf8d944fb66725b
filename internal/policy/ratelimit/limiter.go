// Package ratelimit implements per-target token buckets for outbound API calls.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/ig2spotify/internal/telemetry"
)

// Limiter manages per-target rate limits. A target is the host of a URL, or
// the raw string when it does not parse as an absolute URL.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	pausedUntil  map[string]time.Time
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		pausedUntil:  make(map[string]time.Time),
		defaultRate:  r,
		defaultBurst: burst,
		now:          time.Now,
	}
}

// Wait blocks until a token is available for target, respecting the context
// and any pause requested through Pause.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	key := targetKey(target)
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	pause := l.pausedUntil[key].Sub(l.now())
	l.mu.Unlock()

	start := time.Now()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit pause: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens available immediately are not reported as delay.
	if duration := time.Since(start); duration > time.Millisecond {
		telemetry.ObserveRateLimitDelay(key, duration)
	}
	return nil
}

// Pause holds every caller for target until d has elapsed, e.g. after the
// remote side answered 429 with Retry-After.
func (l *Limiter) Pause(target string, d time.Duration) {
	if d <= 0 {
		return
	}
	key := targetKey(target)
	until := l.now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.pausedUntil[key]) {
		l.pausedUntil[key] = until
	}
}

func targetKey(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		if target == "" {
			return "unknown"
		}
		return target
	}
	return u.Hostname()
}
