// Package keylock serialises work per record id. Operations on different ids
// never contend; the entry for an id is dropped once nobody holds or waits on it.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock blocks until id is free and returns the matching unlock func.
func (s *Set) Lock(id string) (unlock func()) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.entries, id)
		}
		s.mu.Unlock()
	}
}

// Len reports how many ids are currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
