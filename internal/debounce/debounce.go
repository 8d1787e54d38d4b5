// Package debounce implements a cancellable quiescence timer. Each Trigger
// replaces the previously scheduled firing, so only the last mutation inside
// a window causes the action to run.
package debounce

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
)

// Debouncer runs an action once no Trigger has happened for the configured delay.
type Debouncer struct {
	mu         sync.Mutex
	clock      clock.Clock
	delay      time.Duration
	action     func()
	timer      clock.Timer
	generation uint64
}

// New constructs a Debouncer. A nil clock falls back to the real clock.
func New(timeSource clock.Clock, delay time.Duration, action func()) *Debouncer {
	if timeSource == nil {
		timeSource = clock.Real()
	}
	return &Debouncer{
		clock:  timeSource,
		delay:  delay,
		action: action,
	}
}

// Trigger cancels any pending firing and schedules a new one.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.generation++
	generation := d.generation
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.fire(generation)
	})
}

// Cancel drops the pending firing and reports whether one existed.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending := d.timer != nil
	d.stopLocked()
	d.generation++
	return pending
}

func (d *Debouncer) fire(generation uint64) {
	d.mu.Lock()
	if generation != d.generation || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.action()
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
