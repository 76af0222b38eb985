package automation

import (
	"sort"
	"time"

	"github.com/kradalby/z2m-automations/clock"
)

// Family groups timers that share a key space.
type Family string

const (
	FamilyFor      Family = "for"
	FamilyTurnOff  Family = "turn_off_after"
	FamilyDaily    Family = "daily"
	FamilyMidnight Family = "midnight"
)

// TimerKey identifies a pending timer. Name is the automation name for "for"
// and turn-off timers and the clock string for daily timers; Entity is only
// set for turn-off timers.
type TimerKey struct {
	Family Family
	Name   string
	Entity string
}

// TimerOp is a timer lifecycle transition.
type TimerOp string

const (
	TimerArmed     TimerOp = "armed"
	TimerFired     TimerOp = "fired"
	TimerCancelled TimerOp = "cancelled"
)

// TimerInfo describes a pending timer.
type TimerInfo struct {
	Key      TimerKey
	Deadline time.Time
}

type handle struct {
	timer    clock.Timer
	deadline time.Time
}

// Scheduler is a registry of single-shot timers keyed by TimerKey. Callbacks
// are funnelled through exec, which Engine uses to run them under its lock.
// Scheduler methods must be called with that lock held.
type Scheduler struct {
	clock    clock.Clock
	exec     func(func())
	handles  map[TimerKey]*handle
	onChange func(TimerKey, TimerOp, time.Time)
}

func NewScheduler(c clock.Clock, exec func(func()), onChange func(TimerKey, TimerOp, time.Time)) *Scheduler {
	if onChange == nil {
		onChange = func(TimerKey, TimerOp, time.Time) {}
	}
	return &Scheduler{
		clock:    c,
		exec:     exec,
		handles:  make(map[TimerKey]*handle),
		onChange: onChange,
	}
}

// Arm replaces any timer under key with one calling fn after d.
func (s *Scheduler) Arm(key TimerKey, d time.Duration, fn func()) {
	s.Cancel(key)

	h := &handle{deadline: s.clock.Now().Add(d)}
	h.timer = s.clock.AfterFunc(d, func() {
		s.exec(func() {
			// A timer cancelled or replaced while this callback waited
			// for the lock no longer owns the key.
			if s.handles[key] != h {
				return
			}
			delete(s.handles, key)
			s.onChange(key, TimerFired, h.deadline)
			fn()
		})
	})
	s.handles[key] = h
	s.onChange(key, TimerArmed, h.deadline)
}

// Cancel stops the timer under key and reports whether one was pending.
func (s *Scheduler) Cancel(key TimerKey) bool {
	h, ok := s.handles[key]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(s.handles, key)
	s.onChange(key, TimerCancelled, h.deadline)
	return true
}

// CancelFamily stops every pending timer of family.
func (s *Scheduler) CancelFamily(family Family) int {
	n := 0
	for key := range s.handles {
		if key.Family == family && s.Cancel(key) {
			n++
		}
	}
	return n
}

// CancelAll stops every pending timer.
func (s *Scheduler) CancelAll() int {
	n := 0
	for key := range s.handles {
		if s.Cancel(key) {
			n++
		}
	}
	return n
}

func (s *Scheduler) Pending(key TimerKey) bool {
	_, ok := s.handles[key]
	return ok
}

// Timers lists pending timers by deadline.
func (s *Scheduler) Timers() []TimerInfo {
	out := make([]TimerInfo, 0, len(s.handles))
	for key, h := range s.handles {
		out = append(out, TimerInfo{Key: key, Deadline: h.deadline})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Key.Name < out[j].Key.Name
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}
