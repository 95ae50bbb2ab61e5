package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLimiterTTL           = 10 * time.Minute
	defaultLimiterCleanupPeriod = time.Minute
)

// RateLimiterConfig sets the per-user token bucket.
type RateLimiterConfig struct {
	PerSecond     float64
	Burst         int
	TTL           time.Duration
	CleanupPeriod time.Duration
	Clock         func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per user. Idle buckets are evicted by a background
// loop started on first use.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*limiterEntry
	limit         rate.Limit
	burst         int
	ttl           time.Duration
	cleanupPeriod time.Duration
	clock         func() time.Time
	startCleanup  sync.Once
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// NewRateLimiter builds a limiter. A non-positive rate disables limiting.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLimiterTTL
	}
	cleanupPeriod := cfg.CleanupPeriod
	if cleanupPeriod <= 0 {
		cleanupPeriod = defaultLimiterCleanupPeriod
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		entries:       make(map[string]*limiterEntry),
		limit:         limit,
		burst:         burst,
		ttl:           ttl,
		cleanupPeriod: cleanupPeriod,
		clock:         clock,
		stopCh:        make(chan struct{}),
	}
}

// Allow consumes one token for key.
func (l *RateLimiter) Allow(key string) bool {
	return l.get(key).AllowN(l.clock(), 1)
}

// Shutdown stops the cleanup loop.
func (l *RateLimiter) Shutdown() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.startCleanup.Do(func() {
		go l.cleanupLoop()
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if entry, ok := l.entries[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.entries[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (l *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *RateLimiter) evictIdle() {
	cutoff := l.clock().Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
