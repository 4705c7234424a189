package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/juno-intents/harmonize-bridge/internal/bridgeabi"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")
	ErrInvalidTransfer     = errors.New("eth: invalid transfer")
	// ErrNotBroadcast means the transaction never reached the node; nothing can be mined.
	ErrNotBroadcast = errors.New("eth: transaction not broadcast")
	// ErrReverted means the transaction was mined with a failed status.
	ErrReverted = errors.New("eth: transaction reverted")
	// ErrReceiptTimeout means a broadcast transaction was not seen mined in time. Its outcome
	// is unknown.
	ErrReceiptTimeout = errors.New("eth: receipt timeout")
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type SenderConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	// MinTipCap defaults to DefaultMinTipCap.
	MinTipCap *big.Int

	ReceiptPollInterval time.Duration
	// ReceiptTimeout bounds the wait for a receipt after the first broadcast.
	ReceiptTimeout time.Duration

	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Transfer moves Amount of Token (zero address for the native asset) from the sender to To.
type Transfer struct {
	To     common.Address
	Token  common.Address
	Amount *big.Int
}

type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

// Sender broadcasts withdrawal transactions from a single bridge account on one chain.
type Sender struct {
	backend Backend
	signer  Signer
	nonces  *NonceManager
	cfg     SenderConfig

	// broadcastMu serializes nonce reservation through the first broadcast.
	broadcastMu sync.Mutex
}

func NewSender(backend Backend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSenderConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: zero signer address", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id", ErrInvalidSenderConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: gas limit multiplier", ErrInvalidSenderConfig)
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = DefaultMinTipCap
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap", ErrInvalidSenderConfig)
	}
	if cfg.ReceiptPollInterval <= 0 || cfg.ReceiptTimeout <= 0 {
		return nil, fmt.Errorf("%w: receipt polling", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements < 0 {
		return nil, fmt.Errorf("%w: max replacements", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementBumpPercent <= 0 {
			return nil, fmt.Errorf("%w: replacement policy", ErrInvalidSenderConfig)
		}
		if cfg.MinReplacementTipBump == nil || cfg.MinReplacementFeeBump == nil {
			return nil, fmt.Errorf("%w: replacement bumps", ErrInvalidSenderConfig)
		}
		if cfg.MinReplacementTipBump.Sign() < 0 || cfg.MinReplacementFeeBump.Sign() < 0 {
			return nil, fmt.Errorf("%w: replacement bumps", ErrInvalidSenderConfig)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Sender{
		backend: backend,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
		cfg:     cfg,
	}, nil
}

func (s *Sender) Address() common.Address { return s.signer.Address() }

func (s *Sender) ChainID() uint64 { return s.cfg.ChainID.Uint64() }

// SendWithdrawal broadcasts t and waits for it to be mined, replacing it with higher fees if it
// stalls.
//
// Errors wrapping ErrNotBroadcast or ErrReverted are definitive: no funds left the sender. A
// broadcast counts as not sent only when the node answers with a JSON-RPC error. Any other error
// after signing leaves the outcome unknown.
func (s *Sender) SendWithdrawal(ctx context.Context, t Transfer) (SendResult, error) {
	to, value, data, err := transferCall(t)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrNotBroadcast, err)
	}
	from := s.signer.Address()

	est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: estimate gas: %v", ErrNotBroadcast, err)
	}
	gas := applyGasMultiplier(est, s.cfg.GasLimitMultiplier)

	history, err := s.backend.FeeHistory(ctx, FeeHistoryBlocks, nil, []float64{FeeHistoryPercentile})
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: fee history: %v", ErrNotBroadcast, err)
	}
	suggestedTip, baseFee, err := TipFromFeeHistory(history)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: fee history: %v", ErrNotBroadcast, err)
	}
	tipCap, feeCap, err := Calc1559Fees(baseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrNotBroadcast, err)
	}

	s.broadcastMu.Lock()
	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		s.broadcastMu.Unlock()
		return SendResult{}, fmt.Errorf("%w: nonce: %v", ErrNotBroadcast, err)
	}

	makeSigned := func(tip, fee *big.Int) (*types.Transaction, error) {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: fee,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		})
		return s.signer.SignTx(tx, s.cfg.ChainID)
	}

	signed, err := makeSigned(tipCap, feeCap)
	if err != nil {
		s.nonces.Release(nonce)
		s.broadcastMu.Unlock()
		return SendResult{}, fmt.Errorf("%w: sign: %v", ErrNotBroadcast, err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The node may have accepted the transaction before the call was cut off.
			s.broadcastMu.Unlock()
			return SendResult{From: from, Nonce: nonce, TxHash: signed.Hash()}, fmt.Errorf("eth: send %s: %w", signed.Hash().Hex(), err)
		}
		if s.rejected(ctx, signed, err) {
			if isNonceTooLow(err) {
				if _, rerr := s.nonces.Resync(ctx, nonce); rerr != nil {
					err = errors.Join(err, fmt.Errorf("resync nonce: %w", rerr))
				}
			} else {
				s.nonces.Release(nonce)
			}
			s.broadcastMu.Unlock()
			return SendResult{}, fmt.Errorf("%w: %v", ErrNotBroadcast, err)
		}
		// The node may hold the transaction: keep the nonce and let the receipt loop decide.
	}
	s.broadcastMu.Unlock()

	sent := []common.Hash{signed.Hash()}
	firstSentAt := s.cfg.Now()
	lastSentAt := firstSentAt
	replacements := 0

	for {
		for _, h := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, h)
			if err == nil {
				res := SendResult{From: from, Nonce: nonce, TxHash: h, Receipt: receipt, Replacements: replacements}
				if receipt.Status != types.ReceiptStatusSuccessful {
					return res, fmt.Errorf("%w: %s", ErrReverted, h.Hex())
				}
				return res, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1]}, fmt.Errorf("eth: receipt %s: %w", h.Hex(), err)
			}
		}

		now := s.cfg.Now()
		if now.Sub(firstSentAt) >= s.cfg.ReceiptTimeout {
			return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1], Replacements: replacements},
				fmt.Errorf("%w: nonce %d after %s", ErrReceiptTimeout, nonce, s.cfg.ReceiptTimeout)
		}

		if s.cfg.MaxReplacements > 0 && replacements < s.cfg.MaxReplacements && now.Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			tipCap, feeCap, err = Bump1559Fees(tipCap, feeCap, s.cfg.ReplacementBumpPercent, s.cfg.MinReplacementTipBump, s.cfg.MinReplacementFeeBump)
			if err != nil {
				return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1]}, err
			}
			replacement, err := makeSigned(tipCap, feeCap)
			if err != nil {
				return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1]}, err
			}
			// A rejected replacement still leaves the earlier transactions in flight.
			if err := s.backend.SendTransaction(ctx, replacement); err == nil || !s.rejected(ctx, replacement, err) {
				sent = append(sent, replacement.Hash())
			}
			lastSentAt = s.cfg.Now()
			replacements++
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1], Replacements: replacements}, err
		}
	}
}

// rejected reports whether err from SendTransaction proves the node refused tx. Only a JSON-RPC
// error reply counts. A transport failure may come after the node accepted the transaction.
func (s *Sender) rejected(ctx context.Context, tx *types.Transaction, err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) || isAlreadyKnown(err) {
		return false
	}
	if isNonceTooLow(err) {
		// The nonce may have been spent by this very transaction on an earlier attempt.
		_, rerr := s.backend.TransactionReceipt(ctx, tx.Hash())
		return errors.Is(rerr, ethereum.NotFound)
	}
	return true
}

func transferCall(t Transfer) (to common.Address, value *big.Int, data []byte, err error) {
	if (t.To == common.Address{}) {
		return common.Address{}, nil, nil, fmt.Errorf("%w: zero destination", ErrInvalidTransfer)
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return common.Address{}, nil, nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidTransfer)
	}
	if (t.Token == common.Address{}) {
		return t.To, new(big.Int).Set(t.Amount), nil, nil
	}
	data, err = bridgeabi.PackERC20Transfer(t.To, t.Amount)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return t.Token, big.NewInt(0), data, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
