package cursor

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory cursor store for tests and single-process usage.
type MemoryStore struct {
	mu     sync.Mutex
	blocks map[uint64]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[uint64]uint64)}
}

func (s *MemoryStore) Get(_ context.Context, chainID uint64) (uint64, bool, error) {
	if err := validate(chainID); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[chainID]
	return b, ok, nil
}

func (s *MemoryStore) Advance(_ context.Context, chainID uint64, block uint64) error {
	if err := validate(chainID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.blocks[chainID]; ok && block < cur {
		return fmt.Errorf("%w: chain %d at %d, got %d", ErrRegression, chainID, cur, block)
	}
	s.blocks[chainID] = block
	return nil
}

var _ Store = (*MemoryStore)(nil)
