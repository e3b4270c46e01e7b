package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"authguard/internal/identity"
	"authguard/internal/ratelimit"
	"authguard/internal/service"
	"authguard/internal/util"
)

// setRateLimitHeaders exposes the admission state on every guarded
// response so well-behaved clients can pace themselves.
func setRateLimitHeaders(w http.ResponseWriter, outcome ratelimit.Outcome) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(outcome.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(outcome.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(outcome.ResetAt.Unix(), 10))
}

// RateLimitMiddleware guards a route subtree with one named rule. Rejected
// requests get a 429 with the rule's client-facing message and a
// Retry-After hint.
func RateLimitMiddleware(guard *service.GuardService, ruleID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := identity.ClientIP(r.Header, r.RemoteAddr)

			outcome, err := guard.Admit(r.Context(), ruleID, clientIP, r.URL.Path)
			if err != nil {
				util.Error("Rate limit evaluation failed",
					zap.String("rule", ruleID),
					zap.String("path", r.URL.Path),
					zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable,
					errorResponse("rate limiter unavailable"))
				return
			}

			setRateLimitHeaders(w, outcome)

			if !outcome.Allowed {
				retryAfter := int(outcome.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, errorResponse(outcome.Message))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
