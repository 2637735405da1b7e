package supernode

import (
	"sync"
	"time"
)

// nakLimiter caps how many NAK replies a single source IP can draw per
// window, so an auth-failing sender cannot use the supernode as a packet
// amplifier. Token bucket with proportional refill.
type nakLimiter struct {
	mu      sync.Mutex
	buckets map[string]*nakBucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

type nakBucket struct {
	tokens   float64
	lastFill time.Time
}

func newNakLimiter(rate int, window time.Duration) *nakLimiter {
	return &nakLimiter{
		buckets: make(map[string]*nakBucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// Allow checks whether a NAK may be sent to the given source IP.
func (rl *nakLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		rl.buckets[ip] = &nakBucket{tokens: float64(rl.rate) - 1, lastFill: now}
		return true
	}

	elapsed := now.Sub(b.lastFill)
	b.tokens += float64(rl.rate) * (float64(elapsed) / float64(rl.window))
	if b.tokens > float64(rl.rate) {
		b.tokens = float64(rl.rate)
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Cleanup drops buckets idle for more than two windows. Called from the
// purge tick.
func (rl *nakLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	threshold := rl.now().Add(-2 * rl.window)
	for ip, b := range rl.buckets {
		if b.lastFill.Before(threshold) {
			delete(rl.buckets, ip)
		}
	}
}
