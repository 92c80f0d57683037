package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ngoyal88/ragsearch/pkg/auth"
	"github.com/ngoyal88/ragsearch/pkg/ratelimit"
)

type stubVerifier struct {
	claims jwt.MapClaims
	err    error
	header string
}

func (s *stubVerifier) Verify(_ context.Context, header string) (jwt.MapClaims, error) {
	s.header = header
	return s.claims, s.err
}

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	keys     []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (ratelimit.Decision, error) {
	s.keys = append(s.keys, key)
	return s.decision, s.err
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(SubjectFromContext(r.Context())))
})

func TestAuthenticate_RejectsWithGenericBody(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	v := &stubVerifier{err: &auth.Error{Reason: auth.ReasonExpired}}
	h := Authenticate(v, zap.New(core))(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/ask", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Unauthorized", decodeError(t, rec))
	assert.Equal(t, "Bearer abc", v.header)

	entries := logs.FilterMessage("unauthorized request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, auth.ReasonExpired, entries[0].ContextMap()["reason"])
}

func TestAuthenticate_PassesClaims(t *testing.T) {
	v := &stubVerifier{claims: jwt.MapClaims{"sub": "user-42", "scope": "rag.search.invoke"}}
	h := Authenticate(v, zaptest.NewLogger(t))(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ask", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", rec.Body.String())
}

func TestRateLimit_DeniesWithRetryAfter(t *testing.T) {
	lim := &stubLimiter{decision: ratelimit.Decision{Allowed: false, Limit: 20, RetryAfter: 42 * time.Second}}
	h := RateLimit(lim, nil, zaptest.NewLogger(t))(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/ask", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded. Try again later.", decodeError(t, rec))
	assert.Equal(t, []string{"203.0.113.7"}, lim.keys)
}

func TestRateLimit_AdmitsAndSetsHeaders(t *testing.T) {
	lim := &stubLimiter{decision: ratelimit.Decision{Allowed: true, Limit: 20, Remaining: 19}}
	h := RateLimit(lim, nil, zaptest.NewLogger(t))(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ask", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "20", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "19", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_FailsOpen(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	lim := &stubLimiter{err: errors.New("redis down")}
	h := RateLimit(lim, nil, zap.New(core))(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ask", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("rate limiter unavailable, admitting request").Len())
}

func TestRateLimit_SubjectQuota(t *testing.T) {
	clients := &stubLimiter{decision: ratelimit.Decision{Allowed: true, Limit: 20, Remaining: 10}}
	subjects := &stubLimiter{decision: ratelimit.Decision{Allowed: false, Limit: 5, RetryAfter: 300 * time.Millisecond}}
	h := RateLimit(clients, subjects, zaptest.NewLogger(t))(okHandler)

	t.Run("authenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/ask", nil)
		req = req.WithContext(WithClaims(req.Context(), jwt.MapClaims{"sub": "user-1"}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		assert.Equal(t, []string{"user-1"}, subjects.keys)
		assert.Empty(t, clients.keys)
	})

	t.Run("anonymous_skips_subject_quota", func(t *testing.T) {
		subjects.keys = nil
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ask", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, subjects.keys)
	})
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Recover(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeError(t, rec))
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/tea", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/tea", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.EqualValues(t, len("short and stout"), fields["bytes"])
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://d1pfw1640errhz.cloudfront.net"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/ask", nil)
	req.Header.Set("Origin", "https://d1pfw1640errhz.cloudfront.net")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://d1pfw1640errhz.cloudfront.net", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/api/ask", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit_QuotaDenialKeepsClientSlot(t *testing.T) {
	clients := ratelimit.NewSlidingWindow(time.Minute, 1)
	subjects := &stubLimiter{decision: ratelimit.Decision{Allowed: false, Limit: 5, RetryAfter: time.Second}}
	h := RateLimit(clients, subjects, zaptest.NewLogger(t))(okHandler)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/ask", nil)
		req.RemoteAddr = "10.0.0.9:5000"
		req = req.WithContext(WithClaims(req.Context(), jwt.MapClaims{"sub": "user-1"}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusTooManyRequests, send())
	assert.Equal(t, http.StatusTooManyRequests, send())

	subjects.decision = ratelimit.Decision{Allowed: true, Limit: 5, Remaining: 4}
	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}
