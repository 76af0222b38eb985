// Package clock abstracts wall-clock time and one-shot timers so timer driven
// code can be tested deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the automation scheduler.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	Since(t time.Time) time.Duration
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop reports whether the call was prevented.
	Stop() bool
}

// Real is backed by the time package.
type Real struct{}

// NewReal returns the production clock.
func NewReal() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Mock is a manually advanced clock. Timers fire synchronously from Advance
// and Set, in deadline order, with Now reporting each timer's deadline while
// its callback runs.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*mockTimer
}

type mockTimer struct {
	mock     *Mock
	deadline time.Time
	seq      uint64
	fn       func()
}

// NewMock returns a Mock frozen at start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &mockTimer{
		mock:     m,
		deadline: m.now.Add(d),
		seq:      m.seq,
		fn:       f,
	}
	m.timers = append(m.timers, t)
	return t
}

// Pending returns the number of armed timers.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves time forward by d, firing every timer that falls due,
// including timers armed by callbacks during the advance.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
}

// Set jumps to t. Moving backwards never fires timers.
func (m *Mock) Set(t time.Time) {
	now := m.Now()
	if t.After(now) {
		m.Advance(t.Sub(now))
		return
	}

	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Mock) popDue(target time.Time) *mockTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.timers) == 0 {
		return nil
	}

	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].deadline.Equal(m.timers[j].deadline) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})

	next := m.timers[0]
	if next.deadline.After(target) {
		return nil
	}

	m.timers = m.timers[1:]
	if next.deadline.After(m.now) {
		m.now = next.deadline
	}
	return next
}

func (t *mockTimer) Stop() bool {
	m := t.mock
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}
