package eth

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager tracks the next nonce of the hot wallet. The counter is seeded from the node's
// pending nonce on first use and afterwards only moves backwards through Release.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu     sync.Mutex
	next   uint64
	seeded bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

// Next reserves a nonce.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.seedLocked(ctx); err != nil {
		return 0, err
	}
	n := m.next
	m.next++
	return n, nil
}

// Release hands n back if it is the latest reservation, so a transaction that never reached the
// node does not leave a gap. It reports whether n was released.
func (m *NonceManager) Release(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded || m.next != n+1 {
		return false
	}
	m.next = n
	return true
}

// Resync re-reads the pending nonce after the node rejected stale as already used, for example
// when another process spent from the same wallet. stale is dropped if it is the latest
// reservation and the counter never ends up below the node's pending nonce.
func (m *NonceManager) Resync(ctx context.Context, stale uint64) (uint64, error) {
	pending, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	floor := m.next
	if m.seeded && m.next == stale+1 {
		floor = stale
	}
	if pending > floor {
		floor = pending
	}
	m.next = floor
	m.seeded = true
	return m.next, nil
}

func (m *NonceManager) seedLocked(ctx context.Context) error {
	if m.seeded {
		return nil
	}
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return err
	}
	m.next = n
	m.seeded = true
	return nil
}

// isNonceTooLow matches the node's rejection of an already used nonce. The error crosses JSON-RPC
// as a plain message, so it cannot be matched with errors.Is.
func isNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low")
}

// isAlreadyKnown matches the node's reply to a transaction it already holds in its pool.
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
