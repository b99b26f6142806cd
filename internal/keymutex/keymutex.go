// Package keymutex provides one mutex per key, created on demand and dropped
// once nobody holds or waits for it.
package keymutex

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Mutex struct {
	mu    sync.Mutex
	locks map[int64]*entry
}

func New() *Mutex {
	return &Mutex{locks: make(map[int64]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (m *Mutex) Lock(key int64) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
