package owner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

var (
	ErrInvalidInput = errors.New("owner: invalid input")
	// ErrNotAuthorized is returned when a privileged call comes from a non-owner.
	ErrNotAuthorized = errors.New("owner: not authorized")
	// ErrNoOpTransfer is returned when the proposed owner is already the owner.
	ErrNoOpTransfer = errors.New("owner: no-op transfer")

	ErrNotInitialized = errors.New("owner: not initialized")
)

// Store holds the single owner record.
//
// Semantics:
// - Init creates the record if absent and returns the stored owner either way.
// - Swap replaces the owner only if it currently equals expect, atomically.
type Store interface {
	Get(ctx context.Context) (principal.Principal, error)
	Init(ctx context.Context, initial principal.Principal) (principal.Principal, error)
	Swap(ctx context.Context, expect, next principal.Principal) error
}

// Guard gates privileged operations on the current owner.
type Guard struct {
	store Store
	log   *slog.Logger
}

func NewGuard(ctx context.Context, store Store, initial principal.Principal, log *slog.Logger) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if initial.Zero() {
		return nil, fmt.Errorf("%w: zero initial owner", ErrInvalidInput)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cur, err := store.Init(ctx, initial)
	if err != nil {
		return nil, err
	}
	if cur != initial {
		log.Info("owner already set, ignoring configured initial owner", "owner", cur.Hex())
	}
	return &Guard{store: store, log: log}, nil
}

func (g *Guard) Owner(ctx context.Context) (principal.Principal, error) {
	return g.store.Get(ctx)
}

// Authorize returns ErrNotAuthorized unless caller is the current owner.
func (g *Guard) Authorize(ctx context.Context, caller principal.Principal) error {
	cur, err := g.store.Get(ctx)
	if err != nil {
		return err
	}
	if caller.Zero() || caller != cur {
		return fmt.Errorf("%w: caller %s", ErrNotAuthorized, caller.Hex())
	}
	return nil
}

// SetOwner hands ownership to next in a single step. Only the current owner may call it, and
// next must differ from the current owner.
func (g *Guard) SetOwner(ctx context.Context, caller, next principal.Principal) error {
	if next.Zero() {
		return fmt.Errorf("%w: zero owner", ErrInvalidInput)
	}
	if err := g.Authorize(ctx, caller); err != nil {
		return err
	}
	if next == caller {
		return fmt.Errorf("%w: %s", ErrNoOpTransfer, next.Hex())
	}
	if err := g.store.Swap(ctx, caller, next); err != nil {
		return err
	}
	g.log.Info("owner changed", "from", caller.Hex(), "to", next.Hex())
	return nil
}
