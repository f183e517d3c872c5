package idempotency

import (
	"context"
	"sync"
	"time"
)

type mark struct {
	done    bool
	expires time.Time
}

// memoryStore is a development-only in-memory idempotency store.
// WARNING: not suitable for production. State is lost on restart and
// is not shared between instances.
type memoryStore struct {
	windows
	mu    sync.Mutex
	now   func() time.Time
	marks map[string]mark
}

func newMemoryStore(w windows) *memoryStore {
	return &memoryStore{windows: w, now: time.Now, marks: make(map[string]mark)}
}

func (s *memoryStore) Claim(_ context.Context, commandID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if m, ok := s.marks[commandID]; ok && now.Before(m.expires) {
		if m.done {
			return Done, nil
		}
		return InFlight, nil
	}
	s.marks[commandID] = mark{expires: now.Add(s.lease)}
	if len(s.marks)%1024 == 0 {
		s.sweep(now)
	}
	return New, nil
}

func (s *memoryStore) Complete(_ context.Context, commandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[commandID] = mark{done: true, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *memoryStore) Forget(_ context.Context, commandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, commandID)
	return nil
}

func (s *memoryStore) sweep(now time.Time) {
	for id, m := range s.marks {
		if !now.Before(m.expires) {
			delete(s.marks, id)
		}
	}
}
