package bridge

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventDeposit    = "deposit"
	EventTransfer   = "transfer"
	EventWithdrawal = "withdrawal"
)

// LedgerEvent is one record of the ledger feed.
type LedgerEvent struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	ID           string    `json:"id"`
	ChainID      uint64    `json:"chain_id"`
	Account      string    `json:"account,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Asset        string    `json:"asset"`
	Amount       string    `json:"amount"`
	BlockNumber  uint64    `json:"block_number,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	State        string    `json:"state,omitempty"`
	At           time.Time `json:"at"`
}

// publish sends ev to the feed. Failures are logged and counted, never returned.
func (s *Service) publish(ctx context.Context, ev LedgerEvent) {
	ev.Version = "v1"
	if ev.At.IsZero() {
		ev.At = s.cfg.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("marshal ledger event", "type", ev.Type, "id", ev.ID, "err", err)
		s.cfg.Metrics.PublishError()
		return
	}
	if err := s.cfg.Producer.Publish(context.WithoutCancel(ctx), s.cfg.Topic, []byte(ev.ID), payload); err != nil {
		s.log.Warn("publish ledger event", "type", ev.Type, "id", ev.ID, "err", err)
		s.cfg.Metrics.PublishError()
	}
}
