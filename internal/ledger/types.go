package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/idempotency"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

// NativeAsset is the asset id of a chain's native currency.
var NativeAsset = common.Address{}

// Key addresses one balance entry.
type Key struct {
	Account principal.Principal
	ChainID uint64
	Asset   common.Address
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Account, k.ChainID, AssetString(k.Asset))
}

// AssetString renders an asset id as "native" or its checksummed address.
func AssetString(a common.Address) string {
	if a == NativeAsset {
		return "native"
	}
	return a.Hex()
}

// ParseAsset accepts "native" or a hex contract address.
func ParseAsset(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "native") {
		return NativeAsset, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: asset %q", ErrInvalidInput, s)
	}
	return common.HexToAddress(s), nil
}

// EventRef identifies a chain log.
type EventRef struct {
	ChainID  uint64
	TxHash   common.Hash
	LogIndex uint
}

// ID is the stable 32-byte record key for the event.
func (r EventRef) ID() [32]byte {
	return idempotency.EventIDV1(r.ChainID, r.TxHash, r.LogIndex)
}

func (r EventRef) String() string {
	return fmt.Sprintf("%d:%s:%d", r.ChainID, r.TxHash.Hex(), r.LogIndex)
}

// Deposit is a decoded deposit log ready to be credited.
type Deposit struct {
	Ref         EventRef
	BlockNumber uint64
	Key         Key
	Amount      *big.Int
	Sender      common.Address
}

type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeApplied
	OutcomeQuarantined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeQuarantined:
		return "quarantined"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// ProcessedEvent is the record that makes event application idempotent.
type ProcessedEvent struct {
	Ref         EventRef
	BlockNumber uint64
	Outcome     Outcome
	Reason      string
}

type WithdrawalState uint8

const (
	WithdrawalUnknown WithdrawalState = iota
	// WithdrawalPending holds debited funds while the on-chain send is unresolved.
	WithdrawalPending
	WithdrawalSent
	// WithdrawalFailed means the send definitively failed and the refund is still owed.
	WithdrawalFailed
	WithdrawalRefunded
)

func (s WithdrawalState) String() string {
	switch s {
	case WithdrawalPending:
		return "pending"
	case WithdrawalSent:
		return "sent"
	case WithdrawalFailed:
		return "failed"
	case WithdrawalRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseWithdrawalState(s string) (WithdrawalState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return WithdrawalPending, nil
	case "sent":
		return WithdrawalSent, nil
	case "failed":
		return WithdrawalFailed, nil
	case "refunded":
		return WithdrawalRefunded, nil
	default:
		return WithdrawalUnknown, fmt.Errorf("%w: withdrawal state %q", ErrInvalidInput, s)
	}
}

type Withdrawal struct {
	ID          string
	Key         Key
	Destination common.Address
	Amount      *big.Int
	State       WithdrawalState
	TxHash      common.Hash
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (w Withdrawal) clone() Withdrawal {
	if w.Amount != nil {
		w.Amount = new(big.Int).Set(w.Amount)
	}
	return w
}
