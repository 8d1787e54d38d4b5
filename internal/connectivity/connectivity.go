// Package connectivity tracks whether the device can reach the remote store
// and announces connectivity-regained transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
)

// Monitor holds the online flag and notifies listeners when it flips to online.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func()
	logger    *zap.Logger
}

// NewMonitor returns a monitor with the given initial state.
func NewMonitor(initiallyOnline bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		online:    initiallyOnline,
		listeners: make(map[int]func()),
		logger:    logger,
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state; an offline→online transition calls every regained listener.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	regained := online && !m.online
	changed := online != m.online
	m.online = online
	listeners := make([]func(), 0, len(m.listeners))
	if regained {
		for _, listener := range m.listeners {
			listeners = append(listeners, listener)
		}
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	for _, listener := range listeners {
		listener()
	}
}

// OnRegained registers listener for offline→online transitions and returns a function removing it.
func (m *Monitor) OnRegained(listener func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = listener
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// ReportFault marks the device offline when err is a connectivity fault and
// reports whether it did. The next successful check then fires the regained
// listeners, so work deferred by the fault is retried.
func (m *Monitor) ReportFault(err error) bool {
	if err == nil || !remote.IsConnectivity(err) {
		return false
	}
	m.Set(false)
	return true
}

// Probe checks reachability of the remote store.
type Probe func(ctx context.Context) error

// RunProber probes on every interval tick and feeds the result into monitor
// until ctx is cancelled. The first probe runs immediately. Only connectivity
// faults mark the device offline; an auth or schema failure proves the remote
// answered.
func RunProber(ctx context.Context, monitor *Monitor, probe Probe, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := probe(ctx)
		if ctx.Err() != nil {
			return
		}
		monitor.Set(err == nil || !remote.IsConnectivity(err))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
