package clock

import (
	"sync"
	"time"
)

// Manual is a hand-driven clock for deterministic tests. Time only moves when
// Advance or AdvanceTo is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the manual clock has advanced by d.
// A non-positive duration fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		ch <- m.now
		m.mu.Unlock()
		return ch
	}
	m.waiters = append(m.waiters, waiter{deadline: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock has advanced by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d and fires all due waiters.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	return m.AdvanceTo(target)
}

// AdvanceTo moves the clock to t (never backwards) and fires all due waiters.
func (m *Manual) AdvanceTo(t time.Time) time.Time {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	now := m.now
	kept := m.waiters[:0]
	var fire []chan time.Time
	for _, w := range m.waiters {
		if w.deadline.After(now) {
			kept = append(kept, w)
			continue
		}
		fire = append(fire, w.ch)
	}
	m.waiters = kept
	m.mu.Unlock()
	for _, ch := range fire {
		ch <- now
	}
	return now
}

// Waiters returns the number of callers currently blocked on After or Sleep.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
