package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNonceMismatch signals the submitted nonce is not the principal's next
// expected value. Callers may refresh the nonce and retry once; any other
// failure should not be retried blindly.
var ErrNonceMismatch = errors.New("nonce: mismatch")

// Store tracks the strictly increasing per-principal request counter that
// gives relayed requests their replay and ordering protection. Expected is a
// plain read and reserves nothing; Advance is an atomic compare-and-increment
// that succeeds for exactly one of any set of racing submissions.
type Store interface {
	Expected(ctx context.Context, principal string) (uint64, error)
	Advance(ctx context.Context, principal string, nonce uint64) error
}

// MemoryStore keeps counters in a mutex-guarded map. Unseen principals expect
// nonce zero.
type MemoryStore struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{next: make(map[string]uint64)}
}

func (s *MemoryStore) Expected(ctx context.Context, principal string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next[principal], nil
}

func (s *MemoryStore) Advance(ctx context.Context, principal string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expected := s.next[principal]; nonce != expected {
		return fmt.Errorf("%w: principal %s expected %d got %d", ErrNonceMismatch, principal, expected, nonce)
	}
	s.next[principal]++
	return nil
}
