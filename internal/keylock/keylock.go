// Package keylock serializes work per uint64 key (vault or fund id).
package keylock

import "sync"

// Map hands out one mutex per key. Entries are removed once unused.
type Map struct {
	mu    sync.Mutex
	locks map[uint64]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty lock map.
func New() *Map {
	return &Map{locks: make(map[uint64]*entry)}
}

// Lock blocks until key is held and returns the function releasing it.
func (m *Map) Lock(key uint64) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
