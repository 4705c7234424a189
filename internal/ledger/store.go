package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

var (
	ErrInvalidInput        = errors.New("ledger: invalid input")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAmountOverflow      = errors.New("ledger: amount overflow")
	ErrNotFound            = errors.New("ledger: not found")
	ErrInvalidTransition   = errors.New("ledger: invalid transition")
)

// Store is the balance ledger. Every mutating call is atomic: a failed call leaves no partial effect.
//
// Implementations serialize mutations either globally or per touched balance entry. No method
// performs I/O outside the backing store.
type Store interface {
	Credit(ctx context.Context, key Key, amount *big.Int) (*big.Int, error)
	Debit(ctx context.Context, key Key, amount *big.Int) (*big.Int, error)
	Transfer(ctx context.Context, from, to principal.Principal, chainID uint64, asset common.Address, amount *big.Int) error
	// BalanceOf returns zero for unknown entries.
	BalanceOf(ctx context.Context, key Key) (*big.Int, error)

	// ApplyDeposit credits d and records it as processed in one step. It returns false, and
	// changes nothing, when the event was already processed.
	ApplyDeposit(ctx context.Context, d Deposit) (bool, error)
	// Quarantine records an event as processed without a balance effect.
	Quarantine(ctx context.Context, ev ProcessedEvent) (bool, error)
	Processed(ctx context.Context, ref EventRef) (ProcessedEvent, bool, error)

	// BeginWithdrawal debits w.Key by w.Amount and stores w as pending.
	BeginWithdrawal(ctx context.Context, w Withdrawal) (Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, id string, txHash common.Hash) (Withdrawal, error)
	FailWithdrawal(ctx context.Context, id string, reason string) (Withdrawal, error)
	// RefundWithdrawal credits the held amount back and closes the withdrawal.
	RefundWithdrawal(ctx context.Context, id string, reason string) (Withdrawal, error)
	GetWithdrawal(ctx context.Context, id string) (Withdrawal, error)
	ListWithdrawals(ctx context.Context, state WithdrawalState, limit int) ([]Withdrawal, error)
	// ListWithdrawalsAfter lists in creation order starting after the withdrawal with id after,
	// whatever that withdrawal's current state. An empty after starts from the oldest.
	ListWithdrawalsAfter(ctx context.Context, state WithdrawalState, after string, limit int) ([]Withdrawal, error)
}

// ValidateWithdrawal checks the fields BeginWithdrawal relies on.
func ValidateWithdrawal(w Withdrawal) error {
	if w.ID == "" {
		return fmt.Errorf("%w: empty withdrawal id", ErrInvalidInput)
	}
	if err := ValidateKey(w.Key); err != nil {
		return err
	}
	if (w.Destination == common.Address{}) {
		return fmt.Errorf("%w: zero destination", ErrInvalidInput)
	}
	return ValidateAmount(w.Amount)
}

func ValidateKey(k Key) error {
	if k.Account.Zero() {
		return fmt.Errorf("%w: zero account", ErrInvalidInput)
	}
	if k.ChainID == 0 {
		return fmt.Errorf("%w: zero chain id", ErrInvalidInput)
	}
	return nil
}

// CheckWithdrawalTransition reports whether cur -> next is allowed, and whether it repeats the
// current state (a no-op).
//
//	pending -> sent | failed | refunded
//	failed  -> sent | refunded
func CheckWithdrawalTransition(cur, next WithdrawalState) (repeat bool, err error) {
	if cur == next {
		return true, nil
	}
	switch next {
	case WithdrawalSent, WithdrawalRefunded:
		if cur == WithdrawalPending || cur == WithdrawalFailed {
			return false, nil
		}
	case WithdrawalFailed:
		if cur == WithdrawalPending {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}
