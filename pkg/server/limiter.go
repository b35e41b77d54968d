package server

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/ecoshield-ai/ecoshield/pkg/identity"
)

// fingerprintLimiter hands out one token bucket per fingerprint. Disabled
// (nil) when the configured rate is zero.
type fingerprintLimiter struct {
	mu      sync.Mutex
	buckets map[identity.Fingerprint]*rate.Limiter
	rps     rate.Limit
	burst   int
}

func newFingerprintLimiter(rps float64, burst int) *fingerprintLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &fingerprintLimiter{
		buckets: make(map[identity.Fingerprint]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow reports whether the fingerprint may proceed. A nil limiter always
// allows.
func (l *fingerprintLimiter) Allow(fp identity.Fingerprint) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[fp]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[fp] = b
	}
	l.mu.Unlock()
	return b.Allow()
}
