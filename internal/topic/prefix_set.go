package topic

import (
	"sort"
	"sync"
)

// PrefixSet is a concurrency-safe set of subscription prefixes.
type PrefixSet struct {
	mu       sync.RWMutex
	prefixes map[Topic]struct{}
}

func NewPrefixSet(prefixes ...Topic) *PrefixSet {
	set := &PrefixSet{prefixes: make(map[Topic]struct{}, len(prefixes))}
	set.Add(prefixes...)
	return set
}

func (s *PrefixSet) Add(prefixes ...Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prefix := range prefixes {
		s.prefixes[prefix] = struct{}{}
	}
}

func (s *PrefixSet) Remove(prefixes ...Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prefix := range prefixes {
		delete(s.prefixes, prefix)
	}
}

// Matches reports whether any prefix in the set covers t. The empty prefix
// matches everything.
func (s *PrefixSet) Matches(t Topic) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for prefix := range s.prefixes {
		if Covers(prefix, t) {
			return true
		}
	}
	return false
}

func (s *PrefixSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prefixes)
}

// List returns the prefixes in lexical order.
func (s *PrefixSet) List() []Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Topic, 0, len(s.prefixes))
	for prefix := range s.prefixes {
		out = append(out, prefix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
