// Package connectivity tracks whether the remote handoff server is reachable
// and fans transitions out to subscribers such as the sync queue.
package connectivity

import (
	"sort"
	"sync"

	"github.com/sbarhandoff/backend/internal/logging"
)

// Listener is called with the new state after each transition.
type Listener func(online bool)

// Monitor holds the current reachability state.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	nextID    int
}

// NewMonitor returns a Monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:    online,
		listeners: make(map[int]Listener),
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the state and notifies listeners in subscription order
// if it changed. It reports whether a transition happened.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online

	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = m.listeners[id]
	}
	m.mu.Unlock()

	logging.Info("Connectivity transition", map[string]interface{}{"online": online})

	for _, l := range listeners {
		l(online)
	}
	return true
}

// Subscribe registers l and returns a function that removes it.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}
