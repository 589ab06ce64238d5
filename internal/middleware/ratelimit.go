package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"couponhub-api/internal/admission"
	"couponhub-api/internal/identity"
	"couponhub-api/internal/models"
)

// RateLimitMiddleware enforces limiter's policy for every request, keyed by
// the resolved client identifier. Responses carry X-RateLimit-* headers;
// rejections add Retry-After.
func RateLimitMiddleware(limiter *admission.Limiter) func(http.Handler) http.Handler {
	limit := strconv.Itoa(limiter.Policy().MaxRequests)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := identity.ClientIdentifier(r)

			res, err := limiter.CheckLimit(r.Context(), key)
			if err != nil {
				// Only reachable for a fail-closed policy.
				writeLimitError(w, http.StatusInternalServerError, "rate limit backend unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

			if !res.Allowed {
				rle := &admission.RateLimitError{RetryAfter: time.Until(res.ResetTime)}
				w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds()))
				writeLimitError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeLimitError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{Success: false, Error: msg})
}
