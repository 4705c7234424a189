package httpapi

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/bridge"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
)

type transferRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	ChainID uint64 `json:"chain_id"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type withdrawRequest struct {
	Account     string `json:"account"`
	Destination string `json:"destination"`
	ChainID     uint64 `json:"chain_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type resolveRequest struct {
	// Outcome is "sent" or "refund".
	Outcome string `json:"outcome"`
	TxHash  string `json:"tx_hash,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type challengeRequest struct {
	Address string `json:"address"`
}

type signatureRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type ownerRequest struct {
	NewOwner string `json:"new_owner"`
}

type networkConfigJSON struct {
	PollIntervalMS int64  `json:"poll_interval_ms"`
	Confirmations  uint64 `json:"confirmations"`
	MaxBlockSpread uint64 `json:"max_block_spread"`
}

func networkConfigFromJSON(v networkConfigJSON) bridge.NetworkConfig {
	return bridge.NetworkConfig{
		PollInterval:   time.Duration(v.PollIntervalMS) * time.Millisecond,
		Confirmations:  v.Confirmations,
		MaxBlockSpread: v.MaxBlockSpread,
	}
}

func networkConfigToJSON(nc bridge.NetworkConfig) networkConfigJSON {
	return networkConfigJSON{
		PollIntervalMS: nc.PollInterval.Milliseconds(),
		Confirmations:  nc.Confirmations,
		MaxBlockSpread: nc.MaxBlockSpread,
	}
}

type chainResponse struct {
	ChainID            uint64            `json:"chain_id"`
	Contract           string            `json:"contract"`
	BridgeAddress      string            `json:"bridge_address"`
	LastProcessedBlock uint64            `json:"last_processed_block"`
	WatcherState       string            `json:"watcher_state"`
	Network            networkConfigJSON `json:"network"`
}

func chainToJSON(c bridge.ChainInfo) chainResponse {
	return chainResponse{
		ChainID:            c.ChainID,
		Contract:           c.Contract.Hex(),
		BridgeAddress:      c.BridgeAddress.Hex(),
		LastProcessedBlock: c.LastProcessedBlock,
		WatcherState:       c.WatcherState,
		Network:            networkConfigToJSON(c.Network),
	}
}

type withdrawalResponse struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	ChainID     uint64    `json:"chain_id"`
	Asset       string    `json:"asset"`
	Destination string    `json:"destination"`
	Amount      string    `json:"amount"`
	State       string    `json:"state"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func withdrawalToJSON(w ledger.Withdrawal) withdrawalResponse {
	out := withdrawalResponse{
		ID:          w.ID,
		Account:     w.Key.Account.Hex(),
		ChainID:     w.Key.ChainID,
		Asset:       ledger.AssetString(w.Key.Asset),
		Destination: w.Destination.Hex(),
		State:       w.State.String(),
		Reason:      w.Reason,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	if w.Amount != nil {
		out.Amount = w.Amount.String()
	}
	if (w.TxHash != common.Hash{}) {
		out.TxHash = w.TxHash.Hex()
	}
	return out
}
