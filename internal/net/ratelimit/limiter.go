// Package ratelimit provides a shared token-bucket limiter for outbound
// PriceSource/FundamentalsSource calls, serializing excess workers onto the
// bucket rather than letting them hammer the live API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits requests per logical source ("prices", "fundamentals",
// a vendor name, ...) using one token bucket per source.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter builds a limiter with the given requests-per-second and burst
// capacity, shared across all sources registered with it.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// FromPerMinute is a convenience constructor matching the config surface's
// rate_limit_per_min knob.
func FromPerMinute(perMinute int) *Limiter {
	rps := float64(perMinute) / 60.0
	burst := perMinute
	if burst < 1 {
		burst = 1
	}
	return NewLimiter(rps, burst)
}

func (l *Limiter) getLimiter(source string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[source]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[source]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[source] = lim
	return lim
}

// Allow reports whether a request for source is allowed right now, without
// blocking.
func (l *Limiter) Allow(source string) bool {
	return l.getLimiter(source).Allow()
}

// Wait blocks until a request for source is permitted or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	return l.getLimiter(source).Wait(ctx)
}

// Stats reports current token-bucket state for every registered source.
func (l *Limiter) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Stats, len(l.limiters))
	for source, lim := range l.limiters {
		reservation := lim.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()
		out[source] = Stats{
			Source:          source,
			TokensAvailable: lim.Tokens(),
			Delay:           delay,
		}
	}
	return out
}

// Stats is a point-in-time read of one source's token bucket.
type Stats struct {
	Source          string
	TokensAvailable float64
	Delay           time.Duration
}
