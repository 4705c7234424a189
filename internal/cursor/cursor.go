package cursor

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("cursor: invalid input")
	// ErrRegression is returned when an advance would move a cursor backwards.
	ErrRegression = errors.New("cursor: regression")
)

// Store persists, per chain, the last block whose events have all been durably applied.
//
// Semantics:
// - Get returns ok=false for a chain that has never advanced.
// - Advance to the current value is a no-op; to a lower value fails with ErrRegression.
type Store interface {
	Get(ctx context.Context, chainID uint64) (block uint64, ok bool, err error)
	Advance(ctx context.Context, chainID uint64, block uint64) error
}

func validate(chainID uint64) error {
	if chainID == 0 {
		return fmt.Errorf("%w: zero chain id", ErrInvalidInput)
	}
	return nil
}
