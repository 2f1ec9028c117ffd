// Package ratelimit wraps any actuator with a minimum inter-operation
// interval. It is a generic wrapper: the shutter and every flip mount
// compose with it rather than duplicating the bookkeeping per device class.
package ratelimit

import (
	"sync"
	"time"

	"github.com/stubbslab/pandora/internal/timeutil"
)

// Limiter enforces a minimum interval Δ between successive operations on a
// single actuator. It is safe for concurrent use, though the control plane
// only ever drives one from the single control thread.
type Limiter struct {
	clock    timeutil.Clock
	interval time.Duration
	name     string

	mu               sync.Mutex
	lastOperation    time.Time
	hasOperated      bool
	marks            map[string]time.Time
	remainingAtCheck time.Duration
}

// New returns a Limiter enforcing interval between operations on the named
// actuator, using clock for all timing.
func New(clock timeutil.Clock, interval time.Duration, name string) *Limiter {
	return &Limiter{
		clock:    clock,
		interval: interval,
		name:     name,
		marks:    make(map[string]time.Time),
	}
}

// CanOperate reports whether enough time has elapsed since the last
// operation. It is non-blocking. The remaining wait, if any, is cached for
// RemainingTime.
func (l *Limiter) CanOperate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hasOperated {
		l.remainingAtCheck = 0
		return true
	}
	elapsed := l.clock.Since(l.lastOperation)
	if elapsed >= l.interval {
		l.remainingAtCheck = 0
		return true
	}
	l.remainingAtCheck = l.interval - elapsed
	return false
}

// RemainingTime returns the wait computed by the most recent CanOperate
// call, for diagnostic logging.
func (l *Limiter) RemainingTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingAtCheck
}

// SleepThroughRemaining blocks (via the configured clock, which may be a
// MockClock in tests) until the next operation slot opens.
func (l *Limiter) SleepThroughRemaining() {
	l.mu.Lock()
	remaining := l.remainingAtCheck
	l.mu.Unlock()
	if remaining > 0 {
		l.clock.Sleep(remaining)
	}
}

// UpdateLastOperationTime marks now as the time of the most recent
// operation. Callers invoke this immediately after a successful actuation.
func (l *Limiter) UpdateLastOperationTime() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastOperation = l.clock.Now()
	l.hasOperated = true
}

// Mark records the current time under label, for later ElapsedSince calls.
func (l *Limiter) Mark(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[label] = l.clock.Now()
}

// ElapsedSince returns the duration since the named mark, or zero if the
// mark was never set.
func (l *Limiter) ElapsedSince(label string) time.Duration {
	l.mu.Lock()
	t, ok := l.marks[label]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return l.clock.Since(t)
}
