package fragment

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store used for local mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	fragments map[string]*Fragment
	failures  map[string]int
	fetches   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fragments: make(map[string]*Fragment),
		failures:  make(map[string]int),
	}
}

// Add inserts or replaces a fragment.
func (s *MemoryStore) Add(frag *Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments[frag.Key] = frag
}

// FailNext makes the next n fetches for key return an error. Used to
// simulate transient upstream failures.
func (s *MemoryStore) FailNext(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = n
}

// FetchCount returns the total number of FetchFragment calls served.
func (s *MemoryStore) FetchCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetches
}

// FetchFragment returns the fragment for key or an error if unknown.
func (s *MemoryStore) FetchFragment(ctx context.Context, key string) (*Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if n := s.failures[key]; n > 0 {
		s.failures[key] = n - 1
		return nil, fmt.Errorf("simulated store failure for %q", key)
	}

	frag, ok := s.fragments[key]
	if !ok {
		return nil, fmt.Errorf("fragment %q not found", key)
	}
	return frag, nil
}

// FetchByTags returns all fragments carrying every tag in tags.
func (s *MemoryStore) FetchByTags(ctx context.Context, tags []string) ([]*Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Fragment
	for _, frag := range s.fragments {
		if hasAllTags(frag.Tags, tags) {
			out = append(out, frag)
		}
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
