package remotetest

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

const defaultStreamBuffer = 16

// Dispatcher fans change events out to per-user streams. Slow streams miss
// events rather than block the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*stream
	nextID      int64
	bufferSize  int
}

type stream struct {
	id     int64
	table  string
	events chan remote.ChangeEvent
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*stream),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe registers a stream for userID and table. The stream is released
// when ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID, table string) (<-chan remote.ChangeEvent, func()) {
	if userID == "" {
		closed := make(chan remote.ChangeEvent)
		close(closed)
		return closed, func() {}
	}
	subscriber := &stream{
		table:  table,
		events: make(chan remote.ChangeEvent, d.bufferSize),
	}
	d.register(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.events, cleanup
}

// Publish delivers event to every stream of the record's user watching its table.
func (d *Dispatcher) Publish(event remote.ChangeEvent) {
	userID := event.Record.UserID
	if userID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[userID]
	targets := make([]*stream, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber.table == event.Table {
			targets = append(targets, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.events <- event:
		default:
		}
	}
}

// Subscribers counts live streams of userID.
func (d *Dispatcher) Subscribers(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) register(userID string, subscriber *stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*stream)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *Dispatcher) unregister(userID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
