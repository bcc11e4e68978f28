package middleware

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/ratelimit"
)

// RateLimiter admits HTTP requests through a tiered ratelimit.Limiter. The
// client key is the JWT subject when present, otherwise the client address.
type RateLimiter struct {
	limiter ratelimit.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

func NewRateLimiter(limiter ratelimit.Limiter, logger *zap.Logger) *RateLimiter {
	if limiter == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{limiter: limiter, logger: logger, now: time.Now}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier, tier := l.identify(r)
		decision, err := l.limiter.Check(r.Context(), identifier, tier)
		if errors.Is(err, ratelimit.ErrUnknownTier) && tier != ratelimit.TierAuthenticated && tier != ratelimit.TierAnonymous {
			// A token may name a tier this deployment has no quota for.
			l.logger.Warn("unknown rate limit tier, charging as authenticated", zap.String("tier", string(tier)))
			tier = ratelimit.TierAuthenticated
			decision, err = l.limiter.Check(r.Context(), identifier, tier)
		}
		if err != nil {
			l.logger.Error("rate limit check failed", zap.Error(err), zap.String("tier", string(tier)))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			w.Header().Set("Retry-After", formatRetryAfter(decision.RetryAfter(l.now())))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) identify(r *http.Request) (string, ratelimit.Tier) {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		tier := ratelimit.TierAuthenticated
		if claims.Tier != "" {
			tier = ratelimit.Tier(claims.Tier)
		}
		return claims.Subject, tier
	}
	identifier := clientIdentifier(r)
	if identifier == "" {
		identifier = "anonymous"
	}
	return identifier, ratelimit.TierAnonymous
}

func clientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
