package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/juno-intents/harmonize-bridge/internal/archive"
	"github.com/juno-intents/harmonize-bridge/internal/chainscan"
	"github.com/juno-intents/harmonize-bridge/internal/leader"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

type WatcherState int32

const (
	StateIdle WatcherState = iota
	StateFetching
	StateApplying
	StateAdvancing
	StateFaulted
)

func (s WatcherState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StateAdvancing:
		return "advancing"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Watcher ingests one chain's deposits into the ledger.
//
// Each step reads events in (cursor, head], applies them in (block, log index) order and advances
// the cursor last. A crash anywhere before the advance replays the range, and the processed-event
// record turns the replay into a no-op.
type Watcher struct {
	svc     *Service
	chain   *chain
	log     *slog.Logger
	elector *leader.Elector

	state    atomic.Int32
	failures int
}

func newWatcher(s *Service, c *chain) *Watcher {
	return &Watcher{
		svc:   s,
		chain: c,
		log:   s.log.With("chain_id", c.cfg.ChainID),
	}
}

func (w *Watcher) State() WatcherState { return WatcherState(w.state.Load()) }

func (w *Watcher) setState(st WatcherState) {
	if prev := WatcherState(w.state.Swap(int32(st))); prev != st {
		w.log.Debug("watcher state", "state", st.String())
	}
	w.svc.cfg.Metrics.SetWatcherState(w.chain.cfg.ChainID, int(st))
}

// Run loops until ctx is cancelled. Cancellation is only observed while idle; a step in flight
// runs to completion. Failed steps are retried forever with exponential backoff. With leases
// configured, a watcher that does not hold its chain's lease stays idle and polls for it.
func (w *Watcher) Run(ctx context.Context) error {
	if w.elector != nil {
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := w.elector.Release(rctx); err != nil {
				w.log.Warn("release watcher lease", "err", err)
			}
		}()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.lead(ctx) {
			if err := w.svc.cfg.Sleep(ctx, w.chain.networkConfig().PollInterval); err != nil {
				return err
			}
			continue
		}
		caughtUp, err := w.Step(ctx)
		var delay time.Duration
		switch {
		case err != nil:
			w.failures++
			delay = w.backoff()
			w.svc.cfg.Metrics.FetchError(w.chain.cfg.ChainID)
			w.log.Error("watcher step failed", "attempt", w.failures, "retry_in", delay, "err", err)
		case caughtUp:
			w.failures = 0
			delay = w.chain.networkConfig().PollInterval
		default:
			w.failures = 0
		}
		if err == nil {
			w.setState(StateIdle)
		}
		if delay > 0 {
			if err := w.svc.cfg.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) lead(ctx context.Context) bool {
	if w.elector == nil {
		return true
	}
	ok, err := w.elector.Tick(ctx)
	if err != nil {
		w.log.Warn("watcher lease", "err", err)
	}
	return ok
}

func (w *Watcher) backoff() time.Duration {
	d := w.svc.cfg.BackoffBase
	for i := 1; i < w.failures; i++ {
		if d >= w.svc.cfg.BackoffMax/2 {
			return w.svc.cfg.BackoffMax
		}
		d *= 2
	}
	if d > w.svc.cfg.BackoffMax {
		return w.svc.cfg.BackoffMax
	}
	return d
}

// Step runs one FETCHING -> APPLYING -> ADVANCING pass. It reports whether the cursor reached
// the confirmed head. On error the watcher is left FAULTED and the cursor is unchanged.
func (w *Watcher) Step(ctx context.Context) (caughtUp bool, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.svc.cfg.StepTimeout)
	defer cancel()
	defer func() {
		if err != nil {
			w.setState(StateFaulted)
		}
	}()

	chainID := w.chain.cfg.ChainID
	nc := w.chain.networkConfig()

	w.setState(StateFetching)
	from, err := w.nextBlock(ctx)
	if err != nil {
		return false, err
	}
	head, err := w.chain.cfg.Source.Head(ctx, nc.Confirmations)
	if err != nil {
		return false, err
	}
	if head < from {
		return true, nil
	}
	to := head
	if head-from >= nc.MaxBlockSpread {
		to = from + nc.MaxBlockSpread - 1
	}

	start := w.svc.cfg.Now()
	events, err := w.chain.cfg.Source.Fetch(ctx, from, to)
	w.svc.cfg.Metrics.ObserveFetch(chainID, w.svc.cfg.Now().Sub(start))
	if err != nil {
		return false, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	w.setState(StateApplying)
	for _, ev := range events {
		if err := w.apply(ctx, ev); err != nil {
			return false, fmt.Errorf("apply %d:%s:%d: %w", ev.BlockNumber, ev.TxHash.Hex(), ev.LogIndex, err)
		}
	}

	w.setState(StateAdvancing)
	if err := w.svc.cfg.Cursors.Advance(ctx, chainID, to); err != nil {
		return false, err
	}
	w.svc.cfg.Metrics.SetCursor(chainID, to)
	w.log.Debug("cursor advanced", "block", to, "events", len(events))
	return to == head, nil
}

func (w *Watcher) nextBlock(ctx context.Context) (uint64, error) {
	cur, ok, err := w.svc.cfg.Cursors.Get(ctx, w.chain.cfg.ChainID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return w.chain.cfg.StartBlock, nil
	}
	return cur + 1, nil
}

func (w *Watcher) apply(ctx context.Context, ev chainscan.Event) error {
	chainID := w.chain.cfg.ChainID
	ref := ledger.EventRef{ChainID: chainID, TxHash: ev.TxHash, LogIndex: ev.LogIndex}

	if ev.Err != nil {
		return w.quarantine(ctx, ev, ref, ev.Err.Error())
	}
	account, err := principal.Extract(ev.Recipient)
	if err != nil {
		return w.quarantine(ctx, ev, ref, err.Error())
	}
	if ev.Amount == nil || ev.Amount.Sign() <= 0 {
		return w.quarantine(ctx, ev, ref, "zero amount")
	}
	if ev.Amount.Cmp(ledger.MaxAmount) > 0 {
		return w.quarantine(ctx, ev, ref, "amount exceeds 256 bits")
	}

	asset := ledger.NativeAsset
	if ev.Kind == chainscan.KindDepositERC20 {
		asset = ev.Token
	}
	d := ledger.Deposit{
		Ref:         ref,
		BlockNumber: ev.BlockNumber,
		Key:         ledger.Key{Account: account, ChainID: chainID, Asset: asset},
		Amount:      ev.Amount,
		Sender:      ev.Sender,
	}
	applied, err := w.svc.cfg.Ledger.ApplyDeposit(ctx, d)
	if err != nil {
		// Overflow and store failures keep the event, and everything after it, for the next step.
		return err
	}
	if !applied {
		w.svc.cfg.Metrics.EventDuplicate(chainID)
		w.log.Debug("event already processed", "block", ev.BlockNumber, "tx_hash", ev.TxHash.Hex(), "log_index", ev.LogIndex)
		return nil
	}
	w.svc.cfg.Metrics.EventApplied(chainID)
	w.log.Info("deposit applied", "block", ev.BlockNumber, "tx_hash", ev.TxHash.Hex(), "log_index", ev.LogIndex,
		"account", account.Hex(), "asset", ledger.AssetString(asset), "amount", ev.Amount.String())

	id := ref.ID()
	w.svc.publish(ctx, LedgerEvent{
		Type:        EventDeposit,
		ID:          hex.EncodeToString(id[:]),
		ChainID:     chainID,
		Account:     account.Hex(),
		Asset:       ledger.AssetString(asset),
		Amount:      ev.Amount.String(),
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash.Hex(),
	})
	return nil
}

type quarantineRecord struct {
	ChainID     uint64   `json:"chain_id"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint     `json:"log_index"`
	Kind        string   `json:"kind"`
	Reason      string   `json:"reason"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
}

func (w *Watcher) quarantine(ctx context.Context, ev chainscan.Event, ref ledger.EventRef, reason string) error {
	chainID := w.chain.cfg.ChainID
	recorded, err := w.svc.cfg.Ledger.Quarantine(ctx, ledger.ProcessedEvent{
		Ref:         ref,
		BlockNumber: ev.BlockNumber,
		Outcome:     ledger.OutcomeQuarantined,
		Reason:      reason,
	})
	if err != nil {
		return err
	}
	if !recorded {
		w.svc.cfg.Metrics.EventDuplicate(chainID)
		return nil
	}
	w.svc.cfg.Metrics.EventQuarantined(chainID)
	w.log.Warn("event quarantined", "block", ev.BlockNumber, "tx_hash", ev.TxHash.Hex(), "log_index", ev.LogIndex, "reason", reason)

	rec := quarantineRecord{
		ChainID:     chainID,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash.Hex(),
		LogIndex:    ev.LogIndex,
		Kind:        ev.Kind.String(),
		Reason:      reason,
		Data:        "0x" + hex.EncodeToString(ev.Raw.Data),
	}
	for _, t := range ev.Raw.Topics {
		rec.Topics = append(rec.Topics, t.Hex())
	}
	if err := archive.PutJSON(ctx, w.svc.cfg.Archive, archive.QuarantineKey(chainID, ref.ID()), rec); err != nil {
		w.log.Warn("archive quarantined event", "tx_hash", ev.TxHash.Hex(), "log_index", ev.LogIndex, "err", err)
	}
	return nil
}
