// Package clock abstracts wall time and delayed callbacks so debounce and
// echo-suppression windows can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the callback and reports whether it was still pending.
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

// Manual is a Clock whose time only moves when Advance or Set is called.
// Callbacks that become due run synchronously on the advancing goroutine,
// in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextSeq int64
	timers  map[int64]*manualTimer
}

type manualTimer struct {
	clock    *Manual
	seq      int64
	deadline time.Time
	callback func()
}

// NewManual returns a Manual clock starting at the provided instant.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:    start,
		timers: make(map[int64]*manualTimer),
	}
}

// Now returns the manual clock's current instant.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules callback to run once the clock has advanced by delay.
func (m *Manual) AfterFunc(delay time.Duration, callback func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	timer := &manualTimer{
		clock:    m,
		seq:      m.nextSeq,
		deadline: m.now.Add(delay),
		callback: callback,
	}
	m.timers[timer.seq] = timer
	return timer
}

// Advance moves the clock forward and fires every callback that became due.
func (m *Manual) Advance(delta time.Duration) {
	m.mu.Lock()
	target := m.now.Add(delta)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to target and fires every callback that became due.
// Moving backwards is ignored.
func (m *Manual) Set(target time.Time) {
	for {
		m.mu.Lock()
		if target.Before(m.now) {
			m.mu.Unlock()
			return
		}
		due := m.dueLocked(target)
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		delete(m.timers, due.seq)
		if due.deadline.After(m.now) {
			m.now = due.deadline
		}
		m.mu.Unlock()
		due.callback()
	}
}

// Pending reports how many callbacks are scheduled and not yet fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) dueLocked(target time.Time) *manualTimer {
	candidates := make([]*manualTimer, 0, len(m.timers))
	for _, timer := range m.timers {
		if !timer.deadline.After(target) {
			candidates = append(candidates, timer)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].deadline.Equal(candidates[j].deadline) {
			return candidates[i].seq < candidates[j].seq
		}
		return candidates[i].deadline.Before(candidates[j].deadline)
	})
	return candidates[0]
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.seq]; !ok {
		return false
	}
	delete(t.clock.timers, t.seq)
	return true
}
