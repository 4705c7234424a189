// Package leader elects a single active instance per named role using expiring leases.
//
// Leadership keeps replicas from scanning the same chain at once. It is not a safety property:
// the ledger deduplicates events, so two holders overlapping after a missed renewal only cost
// extra RPC traffic.
package leader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidInput = errors.New("leader: invalid input")
	ErrNotHolder    = errors.New("leader: not holder")
)

type Lease struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}

// Store hands out leases.
//
// Acquire grants (or extends) the lease when it is absent, expired, or already held by holder.
// Otherwise it returns the current lease with ok=false. Release is a no-op for absent leases.
type Store interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, holder string) error
}

func validate(name, holder string, ttl time.Duration) error {
	if name == "" || holder == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/holder must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// Elector tracks whether this instance holds one lease.
type Elector struct {
	store  Store
	name   string
	holder string
	ttl    time.Duration
	log    *slog.Logger

	held atomic.Bool
}

func NewElector(store Store, name, holder string, ttl time.Duration, log *slog.Logger) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := validate(name, holder, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Elector{store: store, name: name, holder: holder, ttl: ttl, log: log}, nil
}

// Tick acquires or renews the lease and reports whether this instance is the leader.
// An error drops leadership.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	l, ok, err := e.store.Acquire(ctx, e.name, e.holder, e.ttl)
	if err != nil {
		if e.held.Swap(false) {
			e.log.Warn("leadership lost", "lease", e.name, "err", err)
		}
		return false, err
	}
	switch prev := e.held.Swap(ok); {
	case ok && !prev:
		e.log.Info("leadership acquired", "lease", e.name, "expires_at", l.ExpiresAt)
	case !ok && prev:
		e.log.Warn("leadership lost", "lease", e.name, "holder", l.Holder)
	}
	return ok, nil
}

func (e *Elector) Leader() bool { return e.held.Load() }

// Release gives up the lease if held.
func (e *Elector) Release(ctx context.Context) error {
	if !e.held.Swap(false) {
		return nil
	}
	if err := e.store.Release(ctx, e.name, e.holder); err != nil && !errors.Is(err, ErrNotHolder) {
		return err
	}
	e.log.Info("leadership released", "lease", e.name)
	return nil
}
