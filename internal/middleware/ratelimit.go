package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chaoschain/gateway/internal/database"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
	"github.com/chaoschain/gateway/internal/pkg/response"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
	}
}

// RateLimit returns a per-client rate limiting middleware backed by Redis.
// A Redis outage fails open: admission quotas still bound the damage.
func RateLimit(redis *database.Redis, cfg RateLimitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("ratelimit:%s", clientID(r))
			window := time.Minute

			count, err := redis.IncrWithExpire(r.Context(), key, window)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			limit := cfg.RequestsPerMinute
			remaining := limit - int(count)
			if remaining < 0 {
				remaining = 0
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))

			if int(count) > limit+cfg.BurstSize {
				w.Header().Set("Retry-After", strconv.Itoa(60))
				response.Error(w, gerrors.ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientID identifies a caller for rate limiting purposes.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "ip:" + xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return "ip:" + xrip
	}
	return "ip:" + r.RemoteAddr
}
