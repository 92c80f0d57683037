package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow keeps a timestamp log per client in process memory.
// History is lost on restart.
type SlidingWindow struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewSlidingWindow allows at most max requests per key within window.
func NewSlidingWindow(window time.Duration, max int) *SlidingWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMaxRequests
	}
	return &SlidingWindow{
		window:  window,
		max:     max,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock replaces the time source.
func (l *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	l.now = now
	return l
}

// Allow prunes the key's bucket, then admits and records, or denies without recording.
func (l *SlidingWindow) Allow(_ context.Context, key string) (Decision, error) {
	b := l.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if now.Sub(ts) < l.window {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept

	if len(b.stamps) >= l.max {
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			RetryAfter: retryAfter(b.stamps[0], l.window, now),
		}, nil
	}

	b.stamps = append(b.stamps, now)
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: l.max - len(b.stamps),
	}, nil
}

// Len reports how many client buckets exist.
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *SlidingWindow) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}
