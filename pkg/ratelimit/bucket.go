package ratelimit

import (
	"math"
	"sync"
	"time"
)

// bucket is the token state of one client. tokens stays in [0, maxTokens].
type bucket struct {
	mu sync.Mutex

	cfg                Config
	tokens             float64
	maxTokens          float64
	lastRefill         time.Time
	requestsThisWindow int64
	windowStart        time.Time
}

func newBucket(cfg Config, now time.Time) *bucket {
	return &bucket{
		cfg:         cfg,
		tokens:      float64(cfg.BurstSize),
		maxTokens:   float64(cfg.BurstSize),
		lastRefill:  now,
		windowStart: now,
	}
}

// refill must be called with mu held. Time moving backwards adds nothing.
func (b *bucket) refill(now time.Time) {
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens = math.Min(b.maxTokens, b.tokens+elapsed.Seconds()*b.cfg.RequestsPerSecond)
		b.lastRefill = now
	}
	if b.cfg.Window > 0 && now.Sub(b.windowStart) >= b.cfg.Window {
		b.requestsThisWindow = 0
		b.windowStart = now
	}
}

// take refills and then deducts n tokens if available. On shortfall it
// returns the time until n tokens will be present. A non-positive n is
// refused and leaves the bucket untouched.
func (b *bucket) take(now time.Time, n int) (bool, time.Duration, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if n <= 0 {
		return false, 0, b.tokens
	}
	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		b.requestsThisWindow++
		return true, 0, b.tokens
	}

	wait := (need - b.tokens) / b.cfg.RequestsPerSecond
	return false, time.Duration(math.Ceil(wait * float64(time.Second))), b.tokens
}

func (b *bucket) snapshot(now time.Time) (tokens float64, window int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return b.tokens, b.requestsThisWindow
}
