package breaker

import (
	"sort"
	"sync"
)

// Set collects the breakers built at startup so their state can be reported.
type Set struct {
	mu    sync.RWMutex
	items map[string]*Breaker
}

func NewSet() *Set {
	return &Set{items: make(map[string]*Breaker)}
}

// Add registers b; a breaker with the same name is replaced.
func (s *Set) Add(b *Breaker) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[b.Name()] = b
	return b
}

// Get returns the breaker with the given name.
func (s *Set) Get(name string) (*Breaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.items[name]
	return b, ok
}

// Snapshots returns the state of every breaker ordered by name.
func (s *Set) Snapshots() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.items))
	for _, b := range s.items {
		out = append(out, b.Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
