// Package ratelimit provides per-scope token-bucket admission control for
// outbound agent calls and for the HTTP adapter's per-client throttling.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"foreman/internal/logging"
)

const (
	// DefaultCapacity is the bucket size applied to scopes without overrides.
	DefaultCapacity = 60
	// DefaultRate is the refill rate in tokens per second.
	DefaultRate = 1.0

	idleScopeTTL  = 30 * time.Minute
	sweepInterval = 5 * time.Minute
)

// Config carries the process-wide defaults for new scopes.
type Config struct {
	Capacity int
	Rate     float64
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	return c
}

type scopeLimiter struct {
	limiter    *rate.Limiter
	admitted   uint64
	rejected   uint64
	lastAccess time.Time
}

// Limiter owns one token bucket per named scope. Buckets refill lazily on
// admission; there is no blocking variant in this layer, callers decide
// whether to fail, queue, or re-poll.
type Limiter struct {
	mu        sync.Mutex
	scopes    map[string]*scopeLimiter
	defaults  Config
	lastSweep time.Time
	logger    logging.Logger
}

// NewLimiter creates a limiter with the given defaults for unseen scopes.
func NewLimiter(defaults Config, logger logging.Logger) *Limiter {
	return &Limiter{
		scopes:    make(map[string]*scopeLimiter),
		defaults:  defaults.withDefaults(),
		lastSweep: time.Now(),
		logger:    logging.OrNop(logger),
	}
}

// Configure installs scope-specific capacity and rate, resetting the bucket
// to full.
func (l *Limiter) Configure(scope string, capacity int, refillRate float64) {
	if capacity <= 0 {
		capacity = l.defaults.Capacity
	}
	if refillRate <= 0 {
		refillRate = l.defaults.Rate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.scopes[scope] = &scopeLimiter{
		limiter:    rate.NewLimiter(rate.Limit(refillRate), capacity),
		lastAccess: time.Now(),
	}
	l.logger.Debug("configured scope %q: capacity=%d rate=%.2f/s", scope, capacity, refillRate)
}

// Allow reports whether one token could be taken for the scope. The bucket
// is created on first use with the default configuration.
func (l *Limiter) Allow(scope string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepIdleLocked()

	entry, ok := l.scopes[scope]
	if !ok {
		entry = &scopeLimiter{
			limiter: rate.NewLimiter(rate.Limit(l.defaults.Rate), l.defaults.Capacity),
		}
		l.scopes[scope] = entry
	}
	entry.lastAccess = time.Now()

	if entry.limiter.Allow() {
		entry.admitted++
		return true
	}
	entry.rejected++
	return false
}

// sweepIdleLocked drops buckets idle beyond the TTL. Callers hold l.mu.
func (l *Limiter) sweepIdleLocked() {
	now := time.Now()
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for scope, entry := range l.scopes {
		if now.Sub(entry.lastAccess) > idleScopeTTL {
			delete(l.scopes, scope)
		}
	}
}

// ScopeSnapshot describes one bucket for stats reporting.
type ScopeSnapshot struct {
	Scope    string  `json:"scope"`
	Capacity int     `json:"capacity"`
	Rate     float64 `json:"rate"`
	Tokens   float64 `json:"tokens"`
	Admitted uint64  `json:"admitted"`
	Rejected uint64  `json:"rejected"`
}

// Stats aggregates admission counters across all scopes.
type Stats struct {
	Admitted uint64          `json:"admitted"`
	Rejected uint64          `json:"rejected"`
	Scopes   []ScopeSnapshot `json:"scopes"`
}

// Stats returns a point-in-time view of every bucket.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{Scopes: make([]ScopeSnapshot, 0, len(l.scopes))}
	for scope, entry := range l.scopes {
		stats.Admitted += entry.admitted
		stats.Rejected += entry.rejected
		stats.Scopes = append(stats.Scopes, ScopeSnapshot{
			Scope:    scope,
			Capacity: entry.limiter.Burst(),
			Rate:     float64(entry.limiter.Limit()),
			Tokens:   entry.limiter.Tokens(),
			Admitted: entry.admitted,
			Rejected: entry.rejected,
		})
	}
	return stats
}
