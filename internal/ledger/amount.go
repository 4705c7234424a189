package ledger

import (
	"fmt"
	"math/big"
)

// MaxAmount is the largest representable balance, 2^256-1.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ValidateAmount accepts amounts in (0, MaxAmount].
func ValidateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(MaxAmount) > 0 {
		return fmt.Errorf("%w: amount exceeds 256 bits", ErrAmountOverflow)
	}
	return nil
}

// AddChecked returns bal+amount, failing with ErrAmountOverflow past MaxAmount.
func AddChecked(bal, amount *big.Int) (*big.Int, error) {
	out := new(big.Int)
	if bal != nil {
		out.Set(bal)
	}
	out.Add(out, amount)
	if out.Cmp(MaxAmount) > 0 {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

// SubChecked returns bal-amount, failing with ErrInsufficientBalance below zero.
func SubChecked(bal, amount *big.Int) (*big.Int, error) {
	out := new(big.Int)
	if bal != nil {
		out.Set(bal)
	}
	if out.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	return out.Sub(out, amount), nil
}

// ParseAmount parses a base-10 amount and validates it.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := ValidateAmount(v); err != nil {
		return nil, err
	}
	return v, nil
}
