// Package middleware holds the HTTP gates and observability wrappers placed
// in front of the API handlers.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/auth"
)

// UnauthorizedMessage is the only detail a client sees for a rejected token.
const UnauthorizedMessage = "Unauthorized"

type contextKey string

const claimsContextKey contextKey = "claims"

// TokenVerifier checks an Authorization header value.
type TokenVerifier interface {
	Verify(ctx context.Context, authHeader string) (jwt.MapClaims, error)
}

// Authenticate rejects requests without a valid bearer token. The failure
// reason is logged, never returned to the client.
func Authenticate(verifier TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.With(zap.String("component", "auth"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verifier.Verify(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				reason := auth.ReasonOf(err)
				if reason == "" {
					reason = "unknown"
				}
				authFailures.WithLabelValues(reason).Inc()
				logger.Warn("unauthorized request",
					zap.String("reason", reason),
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Error(err))
				respondError(w, UnauthorizedMessage, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the verified claims stored by Authenticate.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(jwt.MapClaims)
	return claims, ok
}

// SubjectFromContext returns the token subject, or "" for anonymous requests.
func SubjectFromContext(ctx context.Context) string {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// WithClaims stores claims the way Authenticate does.
func WithClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
