package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/archive"
	"github.com/juno-intents/harmonize-bridge/internal/eth"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

const reconcileBatch = 100

type WithdrawRequest struct {
	Account     principal.Principal
	Destination common.Address
	ChainID     uint64
	Asset       common.Address
	Amount      *big.Int
}

type withdrawalReceipt struct {
	ID          string `json:"id"`
	ChainID     uint64 `json:"chain_id"`
	Account     string `json:"account"`
	Destination string `json:"destination"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	From        string `json:"from"`
	Nonce       uint64 `json:"nonce"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
}

// Withdraw debits the caller's balance and sends the funds on-chain.
//
// The debit and a pending withdrawal record are written together before the send. A send that
// definitely did not happen is refunded; a send with an unknown outcome stays pending until the
// owner resolves it. Either failure returns ErrSubmissionFailed together with the record.
func (s *Service) Withdraw(ctx context.Context, caller principal.Principal, req WithdrawRequest) (ledger.Withdrawal, error) {
	if caller.Zero() || caller != req.Account {
		return ledger.Withdrawal{}, fmt.Errorf("%w: caller %s may not debit %s", ErrNotAuthorized, caller.Hex(), req.Account.Hex())
	}
	c, err := s.chain(req.ChainID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return ledger.Withdrawal{}, err
	}
	if s.cfg.RequireLinkedDestination {
		ok, err := s.cfg.Links.HasAccess(ctx, req.Account, req.Destination)
		if err != nil {
			return ledger.Withdrawal{}, err
		}
		if !ok {
			return ledger.Withdrawal{}, fmt.Errorf("%w: %s", ErrDestinationNotLinked, req.Destination.Hex())
		}
	}

	w, err := s.cfg.Ledger.BeginWithdrawal(ctx, ledger.Withdrawal{
		ID:          s.cfg.NewID(),
		Key:         ledger.Key{Account: req.Account, ChainID: req.ChainID, Asset: req.Asset},
		Destination: req.Destination,
		Amount:      req.Amount,
	})
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	log := s.log.With("withdrawal_id", w.ID, "chain_id", req.ChainID)
	log.Info("withdrawal started", "account", req.Account.Hex(), "destination", req.Destination.Hex(),
		"asset", ledger.AssetString(req.Asset), "amount", req.Amount.String())
	s.publishWithdrawal(ctx, w)

	// The send outlives the caller: abandoning it halfway would leave the outcome unknown.
	res, sendErr := c.cfg.Withdrawer.SendWithdrawal(context.WithoutCancel(ctx), eth.Transfer{
		To:     req.Destination,
		Token:  req.Asset,
		Amount: req.Amount,
	})
	if sendErr == nil {
		return s.completeWithdrawal(ctx, w, res), nil
	}

	if !isDefinitiveSendFailure(sendErr) {
		s.cfg.Metrics.Withdrawal(req.ChainID, "pending")
		log.Error("withdrawal outcome unknown, holding as pending", "tx_hash", res.TxHash.Hex(), "err", sendErr)
		w.TxHash = res.TxHash
		w.Reason = sendErr.Error()
		return w, fmt.Errorf("%w: outcome unknown: %v", ErrSubmissionFailed, sendErr)
	}

	reason := sendErr.Error()
	refunded, err := s.cfg.Ledger.RefundWithdrawal(context.WithoutCancel(ctx), w.ID, reason)
	if err != nil {
		log.Error("withdrawal refund failed", "send_err", sendErr, "err", err)
		failed, ferr := s.cfg.Ledger.FailWithdrawal(context.WithoutCancel(ctx), w.ID, reason)
		if ferr != nil {
			log.Error("mark withdrawal failed", "err", ferr)
		} else {
			w = failed
			s.publishWithdrawal(ctx, w)
		}
		s.cfg.Metrics.Withdrawal(req.ChainID, "failed")
		return w, fmt.Errorf("%w: %v", ErrSubmissionFailed, sendErr)
	}
	s.cfg.Metrics.Withdrawal(req.ChainID, "refunded")
	log.Warn("withdrawal refunded", "err", sendErr)
	s.publishWithdrawal(ctx, refunded)
	return refunded, fmt.Errorf("%w: %v", ErrSubmissionFailed, sendErr)
}

// isDefinitiveSendFailure reports errors after which the funds certainly did not move.
func isDefinitiveSendFailure(err error) bool {
	return errors.Is(err, eth.ErrNotBroadcast) ||
		errors.Is(err, eth.ErrReverted) ||
		errors.Is(err, eth.ErrInvalidTransfer)
}

func (s *Service) completeWithdrawal(ctx context.Context, w ledger.Withdrawal, res eth.SendResult) ledger.Withdrawal {
	log := s.log.With("withdrawal_id", w.ID, "chain_id", w.Key.ChainID)
	s.cfg.Metrics.Withdrawal(w.Key.ChainID, "sent")

	sent, err := s.cfg.Ledger.CompleteWithdrawal(context.WithoutCancel(ctx), w.ID, res.TxHash)
	if err != nil {
		// Funds moved on-chain; the record stays pending for the owner to resolve.
		log.Error("record sent withdrawal", "tx_hash", res.TxHash.Hex(), "err", err)
		w.TxHash = res.TxHash
		return w
	}
	log.Info("withdrawal sent", "tx_hash", res.TxHash.Hex(), "nonce", res.Nonce, "replacements", res.Replacements)
	s.publishWithdrawal(ctx, sent)

	rec := withdrawalReceipt{
		ID:          sent.ID,
		ChainID:     sent.Key.ChainID,
		Account:     sent.Key.Account.Hex(),
		Destination: sent.Destination.Hex(),
		Asset:       ledger.AssetString(sent.Key.Asset),
		Amount:      sent.Amount.String(),
		From:        res.From.Hex(),
		Nonce:       res.Nonce,
		TxHash:      res.TxHash.Hex(),
	}
	if res.Receipt != nil {
		if res.Receipt.BlockNumber != nil {
			rec.BlockNumber = res.Receipt.BlockNumber.Uint64()
		}
		rec.GasUsed = res.Receipt.GasUsed
	}
	if err := archive.PutJSON(ctx, s.cfg.Archive, archive.WithdrawalKey(sent.ID), rec); err != nil {
		log.Warn("archive withdrawal receipt", "err", err)
	}
	return sent
}

func (s *Service) publishWithdrawal(ctx context.Context, w ledger.Withdrawal) {
	ev := LedgerEvent{
		Type:    EventWithdrawal,
		ID:      w.ID,
		ChainID: w.Key.ChainID,
		Account: w.Key.Account.Hex(),
		Asset:   ledger.AssetString(w.Key.Asset),
		State:   w.State.String(),
	}
	if w.Amount != nil {
		ev.Amount = w.Amount.String()
	}
	if (w.TxHash != common.Hash{}) {
		ev.TxHash = w.TxHash.Hex()
	}
	ev.Counterparty = w.Destination.Hex()
	s.publish(ctx, ev)
}

func (s *Service) GetWithdrawal(ctx context.Context, id string) (ledger.Withdrawal, error) {
	return s.cfg.Ledger.GetWithdrawal(ctx, id)
}

func (s *Service) ListWithdrawals(ctx context.Context, state ledger.WithdrawalState, limit int) ([]ledger.Withdrawal, error) {
	return s.cfg.Ledger.ListWithdrawals(ctx, state, limit)
}

// Resolution settles a withdrawal whose send outcome the bridge could not determine.
type Resolution struct {
	// Sent marks the withdrawal as delivered in TxHash; otherwise the amount is refunded.
	Sent   bool
	TxHash common.Hash
	Reason string
}

func (s *Service) ResolveWithdrawal(ctx context.Context, caller principal.Principal, id string, r Resolution) (ledger.Withdrawal, error) {
	if err := s.cfg.Owner.Authorize(ctx, caller); err != nil {
		return ledger.Withdrawal{}, err
	}
	var (
		w   ledger.Withdrawal
		err error
	)
	if r.Sent {
		if (r.TxHash == common.Hash{}) {
			return ledger.Withdrawal{}, fmt.Errorf("%w: sent resolution needs a tx hash", ledger.ErrInvalidInput)
		}
		w, err = s.cfg.Ledger.CompleteWithdrawal(ctx, id, r.TxHash)
	} else {
		reason := r.Reason
		if reason == "" {
			reason = "refunded by owner"
		}
		w, err = s.cfg.Ledger.RefundWithdrawal(ctx, id, reason)
	}
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	s.log.Info("withdrawal resolved", "withdrawal_id", id, "state", w.State.String(), "by", caller.Hex())
	s.publishWithdrawal(ctx, w)
	return w, nil
}

// Reconcile retries the refund of every failed withdrawal and returns how many were refunded.
// Records whose refund fails again are paged past, so they cannot starve newer ones.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	n := 0
	after := ""
	for {
		page, err := s.cfg.Ledger.ListWithdrawalsAfter(ctx, ledger.WithdrawalFailed, after, reconcileBatch)
		if err != nil {
			return n, err
		}
		for _, w := range page {
			after = w.ID
			refunded, err := s.cfg.Ledger.RefundWithdrawal(ctx, w.ID, "")
			if err != nil {
				s.log.Error("reconcile refund", "withdrawal_id", w.ID, "err", err)
				continue
			}
			n++
			s.cfg.Metrics.Withdrawal(w.Key.ChainID, "refunded")
			s.log.Info("failed withdrawal refunded", "withdrawal_id", w.ID, "chain_id", w.Key.ChainID)
			s.publishWithdrawal(ctx, refunded)
		}
		if len(page) < reconcileBatch {
			return n, nil
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
	}
}

func (s *Service) runReconciler(ctx context.Context) {
	for {
		if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("reconcile withdrawals", "err", err)
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReconcileInterval); err != nil {
			return
		}
	}
}
