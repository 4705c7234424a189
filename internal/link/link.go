package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

var (
	ErrInvalidInput  = errors.New("link: invalid input")
	ErrInvalidConfig = errors.New("link: invalid config")
	// ErrBadSignature is returned when a signature does not recover to the challenged address.
	ErrBadSignature = errors.New("link: bad signature")
	// ErrNoChallenge is returned when no unconsumed challenge is outstanding for the address.
	ErrNoChallenge = errors.New("link: no challenge")
	ErrNotFound    = errors.New("link: not found")
)

// Link binds an external address to the principal that proved control of it.
type Link struct {
	Address   common.Address
	Principal principal.Principal
	LinkedAt  time.Time
}

// ChallengeStore holds at most one outstanding challenge per address.
//
// Semantics:
// - Put replaces any previous challenge for the address.
// - Get returns ErrNoChallenge when none is outstanding (or it expired).
// - Consume deletes the challenge only if it still equals the given text, else ErrNoChallenge.
type ChallengeStore interface {
	Put(ctx context.Context, addr common.Address, challenge string) error
	Get(ctx context.Context, addr common.Address) (string, error)
	Consume(ctx context.Context, addr common.Address, challenge string) error
}

// Store persists links. An address has at most one link; Bind overwrites it.
type Store interface {
	Bind(ctx context.Context, l Link) error
	// Unbind removes addr's link. Unlinked addresses are not an error.
	Unbind(ctx context.Context, addr common.Address) error
	// Get returns ErrNotFound for unlinked addresses.
	Get(ctx context.Context, addr common.Address) (Link, error)
	ListByPrincipal(ctx context.Context, p principal.Principal) ([]Link, error)
}

func validateLink(l Link) error {
	if (l.Address == common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidInput)
	}
	if l.Principal.Zero() {
		return fmt.Errorf("%w: zero principal", ErrInvalidInput)
	}
	return nil
}
