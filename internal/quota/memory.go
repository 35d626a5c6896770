package quota

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store. Counters are volatile: they are lost
// on process restart.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int)}
}

func key(caller, day string) string {
	return caller + ":" + day
}

func (s *MemoryStore) Usage(_ context.Context, caller, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key(caller, day)], nil
}

func (s *MemoryStore) Increment(_ context.Context, caller, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(caller, day)
	s.counts[k]++
	return s.counts[k], nil
}

// Mirror records a count observed from the durable store. Counters never
// regress: a stale mirror is ignored.
func (s *MemoryStore) Mirror(caller, day string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(caller, day)
	if count > s.counts[k] {
		s.counts[k] = count
	}
}
