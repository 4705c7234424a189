package chainscan

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/harmonize-bridge/internal/bridgeabi"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindDepositNative
	KindDepositERC20
)

func (k Kind) String() string {
	switch k {
	case KindDepositNative:
		return "deposit_native"
	case KindDepositERC20:
		return "deposit_erc20"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Event is a decoded bridge contract log.
//
// Err is set, wrapping ErrMalformedEvent, when the log carries a known topic but cannot be decoded.
// Position fields and Raw are always populated.
type Event struct {
	Kind        Kind
	ChainID     uint64
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint

	Sender    common.Address
	Recipient [32]byte
	// Token is the zero address for native deposits.
	Token  common.Address
	Amount *big.Int

	Raw types.Log
	Err error
}

func decodeLog(chainID uint64, lg types.Log) (Event, bool) {
	if len(lg.Topics) == 0 {
		return Event{}, false
	}
	contract, err := bridgeabi.Endpoint()
	if err != nil {
		return Event{}, false
	}
	ethEvent := contract.Events[bridgeabi.EventDepositEth]
	ercEvent := contract.Events[bridgeabi.EventDepositErc20]

	ev := Event{
		ChainID:     chainID,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		Raw:         lg,
	}

	var wantTopics int
	switch lg.Topics[0] {
	case ethEvent.ID:
		ev.Kind = KindDepositNative
		wantTopics = 3
	case ercEvent.ID:
		ev.Kind = KindDepositERC20
		wantTopics = 4
	default:
		return Event{}, false
	}

	if len(lg.Topics) != wantTopics {
		ev.Err = fmt.Errorf("%w: %s topic count got=%d want=%d", ErrMalformedEvent, ev.Kind, len(lg.Topics), wantTopics)
		return ev, true
	}

	inputs := ethEvent.Inputs.NonIndexed()
	if ev.Kind == KindDepositERC20 {
		inputs = ercEvent.Inputs.NonIndexed()
	}
	fields, err := inputs.Unpack(lg.Data)
	if err != nil {
		ev.Err = fmt.Errorf("%w: decode %s data: %v", ErrMalformedEvent, ev.Kind, err)
		return ev, true
	}
	if len(fields) != 1 {
		ev.Err = fmt.Errorf("%w: %s field count got=%d want=1", ErrMalformedEvent, ev.Kind, len(fields))
		return ev, true
	}
	amount, ok := fields[0].(*big.Int)
	if !ok || amount == nil {
		ev.Err = fmt.Errorf("%w: %s amount type %T", ErrMalformedEvent, ev.Kind, fields[0])
		return ev, true
	}

	ev.Sender = common.BytesToAddress(lg.Topics[1].Bytes())
	ev.Recipient = lg.Topics[2]
	if ev.Kind == KindDepositERC20 {
		ev.Token = common.BytesToAddress(lg.Topics[3].Bytes())
		if (ev.Token == common.Address{}) {
			ev.Err = fmt.Errorf("%w: zero token address", ErrMalformedEvent)
			return ev, true
		}
	}
	ev.Amount = new(big.Int).Set(amount)
	return ev, true
}
