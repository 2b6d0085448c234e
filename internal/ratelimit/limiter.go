package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks a token bucket per caller key. Keys are opaque strings,
// typically a user id for authenticated calls or a client IP otherwise.
// Buckets for idle callers are dropped by a background sweep so the map does
// not grow without bound.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	capacity float64
	rate     float64

	stop     chan struct{}
	stopOnce sync.Once
}

// Config sets the sustained rate and burst size applied per caller.
type Config struct {
	RequestsPerSecond float64
	Burst             float64
}

// DefaultConfig allows 20 requests per second sustained with bursts of 40.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40}
}

// NewLimiter builds a Limiter and starts its cleanup sweep.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerSecond * 2
	}
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: cfg.Burst,
		rate:     cfg.RequestsPerSecond,
		stop:     make(chan struct{}),
	}
	go l.sweepLoop(5 * time.Minute)
	return l
}

// Allow reports whether one request for key fits within the limit. Empty
// keys are never limited.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return true
	}
	return l.bucketFor(key).take()
}

// Remaining reports the tokens currently available for key.
func (l *Limiter) Remaining(key string) float64 {
	if key == "" {
		return l.capacity
	}
	return l.bucketFor(key).remaining()
}

// RetryAfter reports how long the caller should wait before retrying.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if key == "" {
		return 0
	}
	return l.bucketFor(key).retryAfter()
}

// Limit returns the configured burst capacity.
func (l *Limiter) Limit() float64 { return l.capacity }

// Reset removes the bucket for key, restoring its full burst.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Close stops the cleanup sweep.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = newBucket(l.capacity, l.rate)
	l.buckets[key] = b
	return b
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops buckets that have refilled close to capacity; those callers
// have been idle long enough to start fresh next time.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.remaining() >= l.capacity*0.95 {
			delete(l.buckets, key)
		}
	}
}

// Size reports the number of tracked callers.
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
