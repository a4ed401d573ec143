package job

import (
	"sort"
	"sync"
)

// ActiveSet is the set of job ids executing in this process
type ActiveSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewActiveSet creates an empty set
func NewActiveSet() *ActiveSet {
	return &ActiveSet{ids: make(map[string]struct{})}
}

// TryAdd adds id and reports whether it was absent
func (s *ActiveSet) TryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove deletes id
func (s *ActiveSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Contains reports whether id is executing
func (s *ActiveSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of executing jobs
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// IDs returns the executing job ids, sorted
func (s *ActiveSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
