// Package ratelimit provides token-bucket rate limiting, generalized from
// the teacher's relay/internal/ratelimit package (which limited API keys'
// request rate and concurrent streams) to per-WebSocket-connection event
// emission (spec.md §4.I). The Control API does not use it.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides per-key rate limiting with lazy creation and idle cleanup.
type Limiter struct {
	limiters        map[string]*entry
	mu              sync.RWMutex
	defaultRPS      int
	defaultBurst    int
	cleanupInterval time.Duration
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS      int
	BurstMultiplier float64
	CleanupInterval time.Duration
}

// NewLimiter creates a new rate limiter and starts its idle-cleanup loop.
func NewLimiter(cfg Config) *Limiter {
	if cfg.BurstMultiplier < 1 {
		cfg.BurstMultiplier = 2.0
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	l := &Limiter{
		limiters:        make(map[string]*entry),
		defaultRPS:      cfg.DefaultRPS,
		defaultBurst:    int(float64(cfg.DefaultRPS) * cfg.BurstMultiplier),
		cleanupInterval: cfg.CleanupInterval,
	}

	go l.cleanupLoop()
	return l
}

// Allow checks if a request is allowed for the given key.
func (l *Limiter) Allow(key string) bool {
	e := l.getOrCreate(key)
	e.lastAccess = time.Now()
	return e.limiter.Allow()
}

// SetLimit overrides the RPS/burst for a specific key (used by the
// Broadcaster to apply WS_MAX_EVENTS_PER_SEC per connection).
func (l *Limiter) SetLimit(key string, rps int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	burst := rps * 2
	if e, ok := l.limiters[key]; ok {
		e.limiter.SetLimit(rate.Limit(rps))
		e.limiter.SetBurst(burst)
		return
	}
	l.limiters[key] = &entry{limiter: rate.NewLimiter(rate.Limit(rps), burst), lastAccess: time.Now()}
}

// Remove drops a key's limiter, e.g. on WS disconnect.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

func (l *Limiter) getOrCreate(key string) *entry {
	l.mu.RLock()
	e, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.limiters[key]; ok {
		return e
	}
	e = &entry{limiter: rate.NewLimiter(rate.Limit(l.defaultRPS), l.defaultBurst), lastAccess: time.Now()}
	l.limiters[key] = e
	return e
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		l.cleanup()
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := time.Now().Add(-l.cleanupInterval * 2)
	for key, e := range l.limiters {
		if e.lastAccess.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stats returns overall rate limiter statistics.
type Stats struct {
	TotalKeys int
}

// GetStats returns overall statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{TotalKeys: len(l.limiters)}
}
