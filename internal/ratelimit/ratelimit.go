// Package ratelimit provides a minimal debounce gate for log lines that
// could otherwise fire on every evicted block under sustained cache
// pressure. Modeled on the debounce loop in the teacher's eviction.go,
// which coalesces repeated eviction requests for the same key within a
// window instead of acting on every one individually.
package ratelimit

import (
	"sync"
	"time"
)

// Gate allows one event through per Interval; subsequent calls within the
// same interval are suppressed. Zero value is ready to use but will never
// suppress (Interval must be set via New).
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// New creates a Gate that allows at most one Allow() == true per interval.
func New(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Allow reports whether the caller should proceed (log, emit a metric,
// etc.), updating the internal timestamp if so.
func (g *Gate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	return true
}
