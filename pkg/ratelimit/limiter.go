// Package ratelimit provides the per-client request throttles used in front
// of the ask endpoint.
package ratelimit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// Defaults match the production safety valve: 20 requests per minute per client.
const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 20
)

// ErrLimited is the rate limit error surfaced to callers that need an error value.
var ErrLimited = errors.New("rate limit exceeded")

// DeniedMessage is the client-facing body text for throttled requests.
const DeniedMessage = "Rate limit exceeded. Try again later."

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request from key may proceed and records it if so.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Err returns ErrLimited for a denied decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrLimited
}

// ClientID derives the client identity: first X-Forwarded-For entry, then
// the connection address.
func ClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	wait := oldest.Add(window).Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}
