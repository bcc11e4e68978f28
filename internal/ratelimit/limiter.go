// Package ratelimit admits calls into the dispatch and payment paths using a
// fixed-window counter per (client key, tier).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/config"
)

// Tier is a class of caller with its own quota.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// ErrUnknownTier is returned when a tier has no configured quota.
var ErrUnknownTier = errors.New("unknown rate limit tier")

// Quota is the number of requests admitted per window.
type Quota struct {
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait a rejected caller must surface to the user.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Err converts a rejection into a RateLimited error.
func (d Decision) Err(op string) error {
	if d.Allowed {
		return nil
	}
	return apperror.RateLimited(op, d.ResetAt)
}

// Limiter is implemented by the in-memory and Redis backends.
type Limiter interface {
	Check(ctx context.Context, key string, tier Tier) (Decision, error)
}

// QuotasFromConfig converts configured tiers.
func QuotasFromConfig(tiers map[string]config.TierConfig) map[Tier]Quota {
	quotas := make(map[Tier]Quota, len(tiers))
	for name, t := range tiers {
		quotas[Tier(name)] = Quota{MaxRequests: t.MaxRequests, Window: t.Window}
	}
	return quotas
}

type window struct {
	count   int
	resetAt time.Time
}

// FixedWindow is an in-process Limiter guarded by a single mutex.
type FixedWindow struct {
	mu      sync.Mutex
	quotas  map[Tier]Quota
	windows map[string]*window
	now     func() time.Time
}

// Option customises a FixedWindow.
type Option func(*FixedWindow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *FixedWindow) { f.now = now }
}

// NewFixedWindow constructs an in-memory limiter.
func NewFixedWindow(quotas map[Tier]Quota, opts ...Option) *FixedWindow {
	copied := make(map[Tier]Quota, len(quotas))
	for tier, q := range quotas {
		copied[tier] = q
	}
	f := &FixedWindow{quotas: copied, windows: make(map[string]*window), now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check satisfies Limiter.
func (f *FixedWindow) Check(_ context.Context, key string, tier Tier) (Decision, error) {
	return f.CheckLimit(key, tier)
}

// CheckLimit admits or rejects one call. A rejected call does not consume quota.
func (f *FixedWindow) CheckLimit(key string, tier Tier) (Decision, error) {
	quota, ok := f.quotas[tier]
	if !ok || quota.MaxRequests <= 0 || quota.Window <= 0 {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	now := f.now()
	id := windowKey(key, tier)

	f.mu.Lock()
	w, ok := f.windows[id]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(quota.Window)}
		f.windows[id] = w
		f.mu.Unlock()
		decisions.WithLabelValues(string(tier), "allowed").Inc()
		return Decision{Allowed: true, Limit: quota.MaxRequests, Remaining: quota.MaxRequests - 1, ResetAt: w.resetAt}, nil
	}
	if w.count >= quota.MaxRequests {
		resetAt := w.resetAt
		f.mu.Unlock()
		decisions.WithLabelValues(string(tier), "rejected").Inc()
		return Decision{Allowed: false, Limit: quota.MaxRequests, Remaining: 0, ResetAt: resetAt}, nil
	}
	w.count++
	d := Decision{Allowed: true, Limit: quota.MaxRequests, Remaining: quota.MaxRequests - w.count, ResetAt: w.resetAt}
	f.mu.Unlock()
	decisions.WithLabelValues(string(tier), "allowed").Inc()
	return d, nil
}

// Cleanup removes expired windows and returns how many were dropped.
func (f *FixedWindow) Cleanup() int {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id, w := range f.windows {
		if !now.Before(w.resetAt) {
			delete(f.windows, id)
			removed++
		}
	}
	trackedWindows.Set(float64(len(f.windows)))
	return removed
}

// Len returns the number of tracked windows.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

// Run calls Cleanup every interval until ctx is done.
func (f *FixedWindow) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.Cleanup()
		}
	}
}

func windowKey(key string, tier Tier) string {
	return string(tier) + ":" + key
}
