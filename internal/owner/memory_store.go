package owner

import (
	"context"
	"fmt"
	"sync"

	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

type MemoryStore struct {
	mu    sync.Mutex
	owner principal.Principal
	set   bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Get(context.Context) (principal.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return principal.Principal{}, ErrNotInitialized
	}
	return s.owner, nil
}

func (s *MemoryStore) Init(_ context.Context, initial principal.Principal) (principal.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.owner, s.set = initial, true
	}
	return s.owner, nil
}

func (s *MemoryStore) Swap(_ context.Context, expect, next principal.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return ErrNotInitialized
	}
	if s.owner != expect {
		return fmt.Errorf("%w: owner changed concurrently", ErrNotAuthorized)
	}
	s.owner = next
	return nil
}

var _ Store = (*MemoryStore)(nil)
