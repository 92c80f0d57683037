// Package upstream protects calls to managed services with a timeout, an
// optional throughput limiter and a circuit breaker.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned while the breaker is open or half-open and saturated.
var ErrUnavailable = errors.New("upstream unavailable (circuit open)")

// Options configure a Guard.
type Options struct {
	// Timeout bounds each call, including time spent waiting on the limiter.
	Timeout time.Duration
	// Limiter throttles calls; nil disables throttling. May be shared.
	Limiter *rate.Limiter
	// TripAfter consecutive failures open the breaker. Defaults to 5.
	TripAfter uint32
	// OpenFor is how long the breaker stays open. Defaults to 30s.
	OpenFor time.Duration
	Logger  *zap.Logger
}

// Guard wraps calls to one upstream stage.
type Guard struct {
	stage   string
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewLimiter returns a token bucket admitting rps calls per second. A
// non-positive rps yields nil, which disables throttling.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// NewGuard builds a guard for stage (for example "embed" or "retrieve").
func NewGuard(stage string, opts Options) *Guard {
	if opts.TripAfter == 0 {
		opts.TripAfter = 5
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tripAfter := opts.TripAfter

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    stage,
		Timeout: opts.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= tripAfter
		},
		// A caller giving up is not the upstream's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state change",
				zap.String("stage", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Guard{
		stage:   stage,
		timeout: opts.Timeout,
		limiter: opts.Limiter,
		breaker: cb,
	}
}

// Stage names the guarded upstream.
func (g *Guard) Stage() string { return g.stage }

// State reports the breaker state.
func (g *Guard) State() gobreaker.State { return g.breaker.State() }

// Do runs fn under the guard's timeout, limiter and breaker.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			upstreamCalls.WithLabelValues(g.stage, "throttled").Inc()
			return fmt.Errorf("%s throttled: %w", g.stage, err)
		}
	}

	start := time.Now()
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	upstreamLatency.WithLabelValues(g.stage).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		upstreamCalls.WithLabelValues(g.stage, "ok").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		upstreamCalls.WithLabelValues(g.stage, "rejected").Inc()
		return fmt.Errorf("%s: %w", g.stage, ErrUnavailable)
	default:
		upstreamCalls.WithLabelValues(g.stage, "error").Inc()
		return err
	}
}
