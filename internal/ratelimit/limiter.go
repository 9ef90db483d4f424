package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Limiter counts attempts per email and per IP inside a trailing window.
//
// Keys live in a map guarded by mu; each key's timestamps are guarded by the
// entry's own mutex. Locks are taken map first, then key, and never two keys
// at once.
type Limiter struct {
	maxPerEmail int
	maxPerIP    int
	window      time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	times []time.Time
	// dead is set by Sweep after the entry has been removed from the map.
	dead bool
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func New(maxPerEmail, maxPerIP int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		maxPerEmail: maxPerEmail,
		maxPerIP:    maxPerIP,
		window:      window,
		now:         time.Now,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func emailKey(email string) string {
	return "email:" + strings.ToLower(strings.TrimSpace(email))
}

func ipKey(ip string) string {
	return "ip:" + strings.TrimSpace(ip)
}

// IsAllowed is false when either key already holds its ceiling of attempts
// inside the window.
func (l *Limiter) IsAllowed(email, ip string) bool {
	now := l.now()
	if l.count(emailKey(email), now) >= l.maxPerEmail {
		return false
	}
	if ip != "" && l.count(ipKey(ip), now) >= l.maxPerIP {
		return false
	}
	return true
}

// RecordAttempt appends the current time to both keys.
func (l *Limiter) RecordAttempt(email, ip string) {
	now := l.now()
	l.record(emailKey(email), now)
	if ip != "" {
		l.record(ipKey(ip), now)
	}
}

// Sweep drops expired timestamps and removes keys left empty. It returns the
// number of keys still tracked.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.window)

	l.mu.RLock()
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	for _, k := range keys {
		l.mu.Lock()
		e, ok := l.entries[k]
		if !ok {
			l.mu.Unlock()
			continue
		}
		e.mu.Lock()
		e.times = prune(e.times, cutoff)
		if len(e.times) == 0 {
			e.dead = true
			delete(l.entries, k)
		}
		e.mu.Unlock()
		l.mu.Unlock()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Limiter) count(key string, now time.Time) int {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.times = prune(e.times, now.Add(-l.window))
	return len(e.times)
}

func (l *Limiter) record(key string, now time.Time) {
	for {
		e := l.entry(key)
		e.mu.Lock()
		if e.dead {
			// Swept between lookup and lock, fetch the replacement.
			e.mu.Unlock()
			continue
		}
		e.times = append(prune(e.times, now.Add(-l.window)), now)
		e.mu.Unlock()
		return
	}
}

func (l *Limiter) entry(key string) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// prune keeps timestamps strictly after cutoff. times is ordered.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}
