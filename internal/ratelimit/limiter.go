// Package ratelimit provides token-bucket rate limiting keyed by client.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64
	// Burst is the maximum number of requests allowed at once.
	Burst int
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(config Config, now time.Time) *Bucket {
	return &Bucket{
		tokens:     float64(config.Burst),
		maxTokens:  float64(config.Burst),
		refillRate: config.RequestsPerSecond,
		lastRefill: now,
	}
}

// take consumes a token if one is available. Otherwise it reports how
// long until the next token.
func (b *Bucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	seconds := (1 - b.tokens) / b.refillRate
	return false, time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
}

func (b *Bucket) idle(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return b.tokens >= b.maxTokens
}

// Limiter manages one bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter. Non-positive rates and bursts
// fall back to 5 requests per second with a burst of 20.
func NewLimiter(config Config) *Limiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	if config.Burst <= 0 {
		config.Burst = 20
	}
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed. When it may not,
// the returned duration is how long the client should wait.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil || !l.config.Enabled {
		return true, 0
	}
	now := l.now()
	return l.bucket(key, now).take(now)
}

func (l *Limiter) bucket(key string, now time.Time) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bucket, ok := l.buckets[key]; ok {
		return bucket
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune(now)
	}
	bucket := newBucket(l.config, now)
	l.buckets[key] = bucket
	return bucket
}

// prune drops buckets that have refilled completely (must be called with lock held).
func (l *Limiter) prune(now time.Time) {
	for key, bucket := range l.buckets {
		if bucket.idle(now) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
