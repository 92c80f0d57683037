package middleware

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/ratelimit"
)

// RateLimit admits requests per authenticated subject, when subjects is not
// nil, and then per client identity. Limiter errors admit the request.
func RateLimit(clients ratelimit.Limiter, subjects ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.With(zap.String("component", "ratelimit"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The subject quota goes first so a request it denies never
			// takes a slot in the client window.
			if subjects != nil {
				if sub := SubjectFromContext(r.Context()); sub != "" {
					if !admit(w, r, subjects, "subject", sub, logger) {
						return
					}
				}
			}

			if !admit(w, r, clients, "client", ratelimit.ClientID(r), logger) {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func admit(w http.ResponseWriter, r *http.Request, lim ratelimit.Limiter, scope, key string, logger *zap.Logger) bool {
	d, err := lim.Allow(r.Context(), key)
	if err != nil {
		logger.Error("rate limiter unavailable, admitting request",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err))
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	if d.Allowed {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		return true
	}

	rateLimitDenials.WithLabelValues(scope).Inc()
	logger.Info("rate limit exceeded", zap.String("scope", scope), zap.String("key", key))

	secs := int(d.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("X-RateLimit-Remaining", "0")
	respondError(w, ratelimit.DeniedMessage, http.StatusTooManyRequests)
	return false
}
