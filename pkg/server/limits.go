package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxBodyBytesSmall int64 = 64 << 10

	wsPingTimeout     = 5 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsReadLimit       = 4 << 10
	limiterIdleExpiry = 30 * time.Minute
)

// connLimiter caps concurrent log streams. A non-positive max disables it.
type connLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newConnLimiter(max int) *connLimiter {
	return &connLimiter{max: max}
}

func (l *connLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (l *connLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

func (l *connLimiter) Active() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// principalLimiter rate-limits stream opens per principal with a token
// bucket each. A non-positive rate disables it.
type principalLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newPrincipalLimiter(perSecond float64, burst int) *principalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &principalLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

func (p *principalLimiter) Allow(key string, now time.Time) bool {
	if p == nil || p.limit <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Prune drops limiters not used since before cutoff and returns how many
// were removed.
func (p *principalLimiter) Prune(cutoff time.Time) int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for key, entry := range p.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(p.entries, key)
			removed++
		}
	}
	return removed
}
