// Package ratelimit throttles outbound calls per endpoint with token buckets
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per endpoint key. A non-positive rps
// disables limiting.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     float64
	burst   int
}

// NewLimiter creates a limiter allowing rps requests per second per key
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{buckets: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		limit := rate.Limit(l.rps)
		if l.rps <= 0 {
			limit = rate.Inf
		}
		b = rate.NewLimiter(limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Wait blocks until key has a token or ctx ends
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.bucket(key).Wait(ctx)
}

// Stats is a point-in-time view of one bucket
type Stats struct {
	Key    string        `json:"key"`
	RPS    float64       `json:"rps"`
	Burst  int           `json:"burst"`
	Tokens float64       `json:"tokens"`
	Delay  time.Duration `json:"delay"`
}

// Throttled reports whether the next request would have to wait
func (s Stats) Throttled() bool { return s.Delay > 0 }

// Stats reports the bucket for key without taking a token
func (l *Limiter) Stats(key string) Stats {
	b := l.bucket(key)
	now := time.Now()
	r := b.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return Stats{
		Key:    key,
		RPS:    float64(b.Limit()),
		Burst:  b.Burst(),
		Tokens: b.TokensAt(now),
		Delay:  delay,
	}
}
