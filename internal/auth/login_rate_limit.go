package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"auth-service/internal/observability"
)

const defaultRateLimitPrefix = "auth:login_rate:"

// LoginRateLimiter is a fixed-window per-IP counter kept in Redis so every
// replica shares the same budget.
type LoginRateLimiter struct {
	client  redis.UniversalClient
	prefix  string
	maxHits int
	window  time.Duration
	logger  *observability.Logger
}

func NewLoginRateLimiter(client redis.UniversalClient, maxHits int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		client:  client,
		prefix:  defaultRateLimitPrefix,
		maxHits: maxHits,
		window:  window,
		logger:  logger,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.allow(r.Context(), ip)
		if err != nil {
			// Lockout still bounds guessing per identity, so an outage here
			// lets the request through.
			l.logger.Warn("login_rate_limit_unavailable", map[string]any{"client_ip": ip, "error": err.Error()})
			observability.CaptureInfra(err, "auth.login_rate_limit")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	key := l.prefix + ip

	var hits *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hits = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("count login attempt: %w", err)
	}

	// A key without expiry is either new or survived a failed EXPIRE.
	remaining := ttl.Val()
	if remaining <= 0 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("set login window: %w", err)
		}
		remaining = l.window
	}

	if int(hits.Val()) > l.maxHits {
		if remaining < time.Second {
			remaining = time.Second
		}
		return false, remaining.Round(time.Second), nil
	}
	return true, 0, nil
}
