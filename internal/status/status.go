// Package status holds the observable sync status a host renders.
package status

import (
	"sync"
	"time"
)

// Status is the produced sync status of one synchronizer or of the whole engine.
type Status struct {
	Hydrated     bool       `json:"hydrated"`
	Saving       bool       `json:"saving"`
	Error        string     `json:"error,omitempty"`
	Queued       bool       `json:"queued"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Synced reports a hydrated status with nothing pending and no error.
func (s Status) Synced() bool {
	return s.Hydrated && !s.Saving && !s.Queued && s.Error == ""
}

// Tracker stores a Status and notifies observers on change.
type Tracker struct {
	mu        sync.Mutex
	current   Status
	nextID    int
	observers map[int]func(Status)
}

// NewTracker returns a tracker holding the zero Status.
func NewTracker() *Tracker {
	return &Tracker{observers: make(map[int]func(Status))}
}

// Current returns a copy of the current status.
func (t *Tracker) Current() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyStatus(t.current)
}

// Update applies mutate and notifies observers when the status changed.
func (t *Tracker) Update(mutate func(*Status)) {
	t.mu.Lock()
	before := copyStatus(t.current)
	mutate(&t.current)
	after := copyStatus(t.current)
	observers := make([]func(Status), 0, len(t.observers))
	for _, observer := range t.observers {
		observers = append(observers, observer)
	}
	t.mu.Unlock()

	if equal(before, after) {
		return
	}
	for _, observer := range observers {
		observer(after)
	}
}

// Subscribe registers observer and returns a function removing it.
func (t *Tracker) Subscribe(observer func(Status)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.observers[id] = observer
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

// Merge folds several statuses into one: hydrated only when all are,
// saving or queued when any is, the first error, the latest sync time.
func Merge(statuses ...Status) Status {
	if len(statuses) == 0 {
		return Status{}
	}
	merged := Status{Hydrated: true}
	for _, s := range statuses {
		merged.Hydrated = merged.Hydrated && s.Hydrated
		merged.Saving = merged.Saving || s.Saving
		merged.Queued = merged.Queued || s.Queued
		if merged.Error == "" {
			merged.Error = s.Error
		}
		if s.LastSyncedAt != nil && (merged.LastSyncedAt == nil || s.LastSyncedAt.After(*merged.LastSyncedAt)) {
			value := *s.LastSyncedAt
			merged.LastSyncedAt = &value
		}
	}
	return merged
}

func copyStatus(s Status) Status {
	if s.LastSyncedAt != nil {
		value := *s.LastSyncedAt
		s.LastSyncedAt = &value
	}
	return s
}

func equal(a, b Status) bool {
	if a.Hydrated != b.Hydrated || a.Saving != b.Saving || a.Error != b.Error || a.Queued != b.Queued {
		return false
	}
	if (a.LastSyncedAt == nil) != (b.LastSyncedAt == nil) {
		return false
	}
	return a.LastSyncedAt == nil || a.LastSyncedAt.Equal(*b.LastSyncedAt)
}
