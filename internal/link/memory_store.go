package link

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

type pendingChallenge struct {
	text      string
	expiresAt time.Time
}

// MemoryChallengeStore keeps challenges in process memory. A zero TTL never expires.
type MemoryChallengeStore struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	byAddr map[common.Address]pendingChallenge
}

func NewMemoryChallengeStore(ttl time.Duration, now func() time.Time) *MemoryChallengeStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryChallengeStore{ttl: ttl, now: now, byAddr: make(map[common.Address]pendingChallenge)}
}

func (s *MemoryChallengeStore) Put(_ context.Context, addr common.Address, challenge string) error {
	if challenge == "" {
		return fmt.Errorf("%w: empty challenge", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pc := pendingChallenge{text: challenge}
	if s.ttl > 0 {
		pc.expiresAt = s.now().Add(s.ttl)
	}
	s.byAddr[addr] = pc
	return nil
}

func (s *MemoryChallengeStore) Get(_ context.Context, addr common.Address) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.liveLocked(addr)
	if !ok {
		return "", ErrNoChallenge
	}
	return pc.text, nil
}

func (s *MemoryChallengeStore) Consume(_ context.Context, addr common.Address, challenge string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.liveLocked(addr)
	if !ok || pc.text != challenge {
		return ErrNoChallenge
	}
	delete(s.byAddr, addr)
	return nil
}

func (s *MemoryChallengeStore) liveLocked(addr common.Address) (pendingChallenge, bool) {
	pc, ok := s.byAddr[addr]
	if !ok {
		return pendingChallenge{}, false
	}
	if !pc.expiresAt.IsZero() && !s.now().Before(pc.expiresAt) {
		delete(s.byAddr, addr)
		return pendingChallenge{}, false
	}
	return pc, true
}

// MemoryStore is an in-memory link store.
type MemoryStore struct {
	mu     sync.Mutex
	byAddr map[common.Address]Link
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAddr: make(map[common.Address]Link)}
}

func (s *MemoryStore) Bind(_ context.Context, l Link) error {
	if err := validateLink(l); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAddr[l.Address] = l
	return nil
}

func (s *MemoryStore) Unbind(_ context.Context, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byAddr, addr)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, addr common.Address) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byAddr[addr]
	if !ok {
		return Link{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) ListByPrincipal(_ context.Context, p principal.Principal) ([]Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Link
	for _, l := range s.byAddr {
		if l.Principal == p {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0 })
	return out, nil
}

var (
	_ ChallengeStore = (*MemoryChallengeStore)(nil)
	_ Store          = (*MemoryStore)(nil)
)
