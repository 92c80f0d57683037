package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Settings returns the current window and maximum.
type Settings func() (window time.Duration, max int)

// Builder creates a limiter for the given numbers.
type Builder func(window time.Duration, max int) Limiter

// Reloading rebuilds its limiter when the configured numbers change. History
// recorded under the old numbers is dropped on rebuild.
type Reloading struct {
	settings Settings
	build    Builder

	mu     sync.Mutex
	window time.Duration
	max    int
	inner  Limiter
}

// NewReloading builds the first limiter immediately.
func NewReloading(settings Settings, build Builder) *Reloading {
	window, max := settings()
	return &Reloading{
		settings: settings,
		build:    build,
		window:   window,
		max:      max,
		inner:    build(window, max),
	}
}

func (l *Reloading) Allow(ctx context.Context, key string) (Decision, error) {
	return l.current().Allow(ctx, key)
}

func (l *Reloading) current() Limiter {
	window, max := l.settings()

	l.mu.Lock()
	defer l.mu.Unlock()
	if window != l.window || max != l.max {
		l.window, l.max = window, max
		l.inner = l.build(window, max)
	}
	return l.inner
}
