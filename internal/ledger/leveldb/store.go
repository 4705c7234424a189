package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/cursor"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
)

var ErrInvalidConfig = errors.New("ledger/leveldb: invalid config")

// key pools, one prefix byte each
const (
	prefixBalance    = 'B'
	prefixProcessed  = 'P'
	prefixWithdrawal = 'W'
	prefixWithdrawBy = 'S' // state || createdAt || id -> nil
	prefixCursor     = 'C'
)

var syncWrite = &ldb_opt.WriteOptions{Sync: true}

// Store is an embedded ledger and cursor store. Writes are serialized by one mutex and
// committed as a single synced batch.
type Store struct {
	mu  sync.Mutex
	db  *leveldb.DB
	now func() time.Time
}

// Open opens or creates the database directory at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	db, err := leveldb.OpenFile(path, &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: false,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger/leveldb: open %s: %w", path, err)
	}
	return New(db, nil)
}

func New(db *leveldb.DB, now func() time.Time) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil db", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Credit(_ context.Context, key ledger.Key, amount *big.Int) (*big.Int, error) {
	if err := ledger.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.balance(key)
	if err != nil {
		return nil, err
	}
	next, err := ledger.AddChecked(bal, amount)
	if err != nil {
		return nil, err
	}
	batch := new(leveldb.Batch)
	batch.Put(balanceKey(key), next.Bytes())
	if err := s.db.Write(batch, syncWrite); err != nil {
		return nil, fmt.Errorf("ledger/leveldb: credit: %w", err)
	}
	return next, nil
}

func (s *Store) Debit(_ context.Context, key ledger.Key, amount *big.Int) (*big.Int, error) {
	if err := ledger.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.balance(key)
	if err != nil {
		return nil, err
	}
	next, err := ledger.SubChecked(bal, amount)
	if err != nil {
		return nil, err
	}
	batch := new(leveldb.Batch)
	batch.Put(balanceKey(key), next.Bytes())
	if err := s.db.Write(batch, syncWrite); err != nil {
		return nil, fmt.Errorf("ledger/leveldb: debit: %w", err)
	}
	return next, nil
}

func (s *Store) Transfer(_ context.Context, from, to principal.Principal, chainID uint64, asset common.Address, amount *big.Int) error {
	fromKey := ledger.Key{Account: from, ChainID: chainID, Asset: asset}
	toKey := ledger.Key{Account: to, ChainID: chainID, Asset: asset}
	if err := ledger.ValidateKey(fromKey); err != nil {
		return err
	}
	if err := ledger.ValidateKey(toKey); err != nil {
		return err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fromBal, err := s.balance(fromKey)
	if err != nil {
		return err
	}
	fromNext, err := ledger.SubChecked(fromBal, amount)
	if err != nil {
		return err
	}
	toBal := fromNext
	if from != to {
		if toBal, err = s.balance(toKey); err != nil {
			return err
		}
	}
	toNext, err := ledger.AddChecked(toBal, amount)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(balanceKey(fromKey), fromNext.Bytes())
	batch.Put(balanceKey(toKey), toNext.Bytes())
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("ledger/leveldb: transfer: %w", err)
	}
	return nil
}

func (s *Store) BalanceOf(_ context.Context, key ledger.Key) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(key)
}

func (s *Store) ApplyDeposit(_ context.Context, d ledger.Deposit) (bool, error) {
	if err := ledger.ValidateKey(d.Key); err != nil {
		return false, err
	}
	if d.Key.ChainID != d.Ref.ChainID {
		return false, fmt.Errorf("%w: deposit chain %d != event chain %d", ledger.ErrInvalidInput, d.Key.ChainID, d.Ref.ChainID)
	}
	if err := ledger.ValidateAmount(d.Amount); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pk := processedKey(d.Ref)
	seen, err := s.db.Has(pk, nil)
	if err != nil {
		return false, fmt.Errorf("ledger/leveldb: processed lookup: %w", err)
	}
	if seen {
		return false, nil
	}

	bal, err := s.balance(d.Key)
	if err != nil {
		return false, err
	}
	next, err := ledger.AddChecked(bal, d.Amount)
	if err != nil {
		return false, err
	}
	rec, err := json.Marshal(processedRecord{
		BlockNumber: d.BlockNumber,
		Outcome:     uint8(ledger.OutcomeApplied),
	})
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Put(balanceKey(d.Key), next.Bytes())
	batch.Put(pk, rec)
	if err := s.db.Write(batch, syncWrite); err != nil {
		return false, fmt.Errorf("ledger/leveldb: apply deposit: %w", err)
	}
	return true, nil
}

func (s *Store) Quarantine(_ context.Context, ev ledger.ProcessedEvent) (bool, error) {
	if ev.Ref.ChainID == 0 {
		return false, fmt.Errorf("%w: zero chain id", ledger.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pk := processedKey(ev.Ref)
	seen, err := s.db.Has(pk, nil)
	if err != nil {
		return false, fmt.Errorf("ledger/leveldb: processed lookup: %w", err)
	}
	if seen {
		return false, nil
	}
	rec, err := json.Marshal(processedRecord{
		BlockNumber: ev.BlockNumber,
		Outcome:     uint8(ledger.OutcomeQuarantined),
		Reason:      ev.Reason,
	})
	if err != nil {
		return false, err
	}
	if err := s.db.Put(pk, rec, syncWrite); err != nil {
		return false, fmt.Errorf("ledger/leveldb: quarantine: %w", err)
	}
	return true, nil
}

func (s *Store) Processed(_ context.Context, ref ledger.EventRef) (ledger.ProcessedEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(processedKey(ref), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ledger.ProcessedEvent{}, false, nil
	}
	if err != nil {
		return ledger.ProcessedEvent{}, false, fmt.Errorf("ledger/leveldb: processed: %w", err)
	}
	var rec processedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ledger.ProcessedEvent{}, false, fmt.Errorf("ledger/leveldb: decode processed: %w", err)
	}
	return ledger.ProcessedEvent{
		Ref:         ref,
		BlockNumber: rec.BlockNumber,
		Outcome:     ledger.Outcome(rec.Outcome),
		Reason:      rec.Reason,
	}, true, nil
}

func (s *Store) BeginWithdrawal(_ context.Context, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	if err := ledger.ValidateWithdrawal(w); err != nil {
		return ledger.Withdrawal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.db.Has(withdrawalKey(w.ID), nil)
	if err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/leveldb: withdrawal lookup: %w", err)
	}
	if exists {
		return ledger.Withdrawal{}, fmt.Errorf("%w: duplicate withdrawal id %s", ledger.ErrInvalidInput, w.ID)
	}

	bal, err := s.balance(w.Key)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	next, err := ledger.SubChecked(bal, w.Amount)
	if err != nil {
		return ledger.Withdrawal{}, err
	}

	now := s.now().UTC()
	w.Amount = new(big.Int).Set(w.Amount)
	w.State = ledger.WithdrawalPending
	w.TxHash = common.Hash{}
	w.CreatedAt = now
	w.UpdatedAt = now

	batch := new(leveldb.Batch)
	batch.Put(balanceKey(w.Key), next.Bytes())
	if err := putWithdrawal(batch, w, ledger.WithdrawalUnknown); err != nil {
		return ledger.Withdrawal{}, err
	}
	if err := s.db.Write(batch, syncWrite); err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/leveldb: begin withdrawal: %w", err)
	}
	return w, nil
}

func (s *Store) CompleteWithdrawal(_ context.Context, id string, txHash common.Hash) (ledger.Withdrawal, error) {
	if (txHash == common.Hash{}) {
		return ledger.Withdrawal{}, fmt.Errorf("%w: zero tx hash", ledger.ErrInvalidInput)
	}
	return s.transition(id, ledger.WithdrawalSent, func(batch *leveldb.Batch, w *ledger.Withdrawal, repeat bool) error {
		if repeat {
			if w.TxHash != txHash {
				return fmt.Errorf("%w: already sent as %s", ledger.ErrInvalidTransition, w.TxHash)
			}
			return nil
		}
		w.TxHash = txHash
		return nil
	})
}

func (s *Store) FailWithdrawal(_ context.Context, id string, reason string) (ledger.Withdrawal, error) {
	return s.transition(id, ledger.WithdrawalFailed, func(_ *leveldb.Batch, w *ledger.Withdrawal, repeat bool) error {
		if !repeat {
			w.Reason = reason
		}
		return nil
	})
}

func (s *Store) RefundWithdrawal(_ context.Context, id string, reason string) (ledger.Withdrawal, error) {
	return s.transition(id, ledger.WithdrawalRefunded, func(batch *leveldb.Batch, w *ledger.Withdrawal, repeat bool) error {
		if repeat {
			return nil
		}
		bal, err := s.balance(w.Key)
		if err != nil {
			return err
		}
		next, err := ledger.AddChecked(bal, w.Amount)
		if err != nil {
			return err
		}
		batch.Put(balanceKey(w.Key), next.Bytes())
		if reason != "" {
			w.Reason = reason
		}
		return nil
	})
}

func (s *Store) GetWithdrawal(_ context.Context, id string) (ledger.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withdrawal(id)
}

func (s *Store) ListWithdrawals(ctx context.Context, state ledger.WithdrawalState, limit int) ([]ledger.Withdrawal, error) {
	return s.ListWithdrawalsAfter(ctx, state, "", limit)
}

func (s *Store) ListWithdrawalsAfter(_ context.Context, state ledger.WithdrawalState, after string, limit int) ([]ledger.Withdrawal, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rng := ldb_util.BytesPrefix([]byte{prefixWithdrawBy, byte(state)})
	if after != "" {
		cur, err := s.withdrawal(after)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown cursor %q", ledger.ErrInvalidInput, after)
		}
		if err != nil {
			return nil, err
		}
		// The zero byte makes the start the first key sorting after the cursor's own.
		rng.Start = append(stateIndexKey(state, cur.CreatedAt, cur.ID), 0)
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	out := make([]ledger.Withdrawal, 0, limit)
	for iter.Next() && len(out) < limit {
		k := iter.Key()
		if len(k) < 10 {
			continue
		}
		w, err := s.withdrawal(string(k[10:]))
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("ledger/leveldb: list withdrawals: %w", err)
	}
	return out, nil
}

// Cursors returns a cursor.Store sharing this database.
func (s *Store) Cursors() *CursorStore {
	return &CursorStore{s: s}
}

type CursorStore struct {
	s *Store
}

func (c *CursorStore) Get(_ context.Context, chainID uint64) (uint64, bool, error) {
	if chainID == 0 {
		return 0, false, fmt.Errorf("%w: zero chain id", cursor.ErrInvalidInput)
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.cursor(chainID)
}

func (c *CursorStore) Advance(_ context.Context, chainID uint64, block uint64) error {
	if chainID == 0 {
		return fmt.Errorf("%w: zero chain id", cursor.ErrInvalidInput)
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	cur, ok, err := c.s.cursor(chainID)
	if err != nil {
		return err
	}
	if ok && block < cur {
		return fmt.Errorf("%w: chain %d at %d, got %d", cursor.ErrRegression, chainID, cur, block)
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], block)
	if err := c.s.db.Put(cursorKey(chainID), v[:], syncWrite); err != nil {
		return fmt.Errorf("ledger/leveldb: advance cursor: %w", err)
	}
	return nil
}

type withdrawalFunc func(batch *leveldb.Batch, w *ledger.Withdrawal, repeat bool) error

func (s *Store) transition(id string, next ledger.WithdrawalState, fn withdrawalFunc) (ledger.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.withdrawal(id)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	repeat, err := ledger.CheckWithdrawalTransition(w.State, next)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	batch := new(leveldb.Batch)
	if err := fn(batch, &w, repeat); err != nil {
		return ledger.Withdrawal{}, err
	}
	if repeat {
		return w, nil
	}

	prev := w.State
	w.State = next
	w.UpdatedAt = s.now().UTC()
	if err := putWithdrawal(batch, w, prev); err != nil {
		return ledger.Withdrawal{}, err
	}
	if err := s.db.Write(batch, syncWrite); err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/leveldb: withdrawal %s -> %s: %w", prev, next, err)
	}
	return w, nil
}

func (s *Store) balance(key ledger.Key) (*big.Int, error) {
	raw, err := s.db.Get(balanceKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger/leveldb: balance: %w", err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func (s *Store) withdrawal(id string) (ledger.Withdrawal, error) {
	raw, err := s.db.Get(withdrawalKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ledger.Withdrawal{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/leveldb: withdrawal: %w", err)
	}
	var rec withdrawalRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/leveldb: decode withdrawal: %w", err)
	}
	return rec.toWithdrawal()
}

func (s *Store) cursor(chainID uint64) (uint64, bool, error) {
	raw, err := s.db.Get(cursorKey(chainID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ledger/leveldb: cursor: %w", err)
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("ledger/leveldb: cursor record length %d", len(raw))
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// putWithdrawal stores w and moves its state index entry from prev.
func putWithdrawal(batch *leveldb.Batch, w ledger.Withdrawal, prev ledger.WithdrawalState) error {
	rec, err := json.Marshal(newWithdrawalRecord(w))
	if err != nil {
		return err
	}
	batch.Put(withdrawalKey(w.ID), rec)
	if prev != ledger.WithdrawalUnknown {
		batch.Delete(stateIndexKey(prev, w.CreatedAt, w.ID))
	}
	batch.Put(stateIndexKey(w.State, w.CreatedAt, w.ID), nil)
	return nil
}

func balanceKey(k ledger.Key) []byte {
	out := make([]byte, 0, 1+principal.Len+8+common.AddressLength)
	out = append(out, prefixBalance)
	out = append(out, k.Account[:]...)
	out = binary.BigEndian.AppendUint64(out, k.ChainID)
	return append(out, k.Asset[:]...)
}

func processedKey(ref ledger.EventRef) []byte {
	id := ref.ID()
	return append([]byte{prefixProcessed}, id[:]...)
}

func withdrawalKey(id string) []byte {
	return append([]byte{prefixWithdrawal}, id...)
}

func stateIndexKey(state ledger.WithdrawalState, createdAt time.Time, id string) []byte {
	out := make([]byte, 0, 10+len(id))
	out = append(out, prefixWithdrawBy, byte(state))
	out = binary.BigEndian.AppendUint64(out, uint64(createdAt.UnixNano()))
	return append(out, id...)
}

func cursorKey(chainID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixCursor}, chainID)
}

type processedRecord struct {
	BlockNumber uint64 `json:"block_number"`
	Outcome     uint8  `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
}

type withdrawalRecord struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	ChainID     uint64    `json:"chain_id"`
	Asset       string    `json:"asset"`
	Destination string    `json:"destination"`
	Amount      string    `json:"amount"`
	State       uint8     `json:"state"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newWithdrawalRecord(w ledger.Withdrawal) withdrawalRecord {
	rec := withdrawalRecord{
		ID:          w.ID,
		Account:     w.Key.Account.Hex(),
		ChainID:     w.Key.ChainID,
		Asset:       w.Key.Asset.Hex(),
		Destination: w.Destination.Hex(),
		Amount:      w.Amount.String(),
		State:       uint8(w.State),
		Reason:      w.Reason,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	if (w.TxHash != common.Hash{}) {
		rec.TxHash = w.TxHash.Hex()
	}
	return rec
}

func (r withdrawalRecord) toWithdrawal() (ledger.Withdrawal, error) {
	account, err := principal.Parse(r.Account)
	if err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/leveldb: withdrawal account: %w", err)
	}
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/leveldb: withdrawal amount %q", r.Amount)
	}
	w := ledger.Withdrawal{
		ID: r.ID,
		Key: ledger.Key{
			Account: account,
			ChainID: r.ChainID,
			Asset:   common.HexToAddress(r.Asset),
		},
		Destination: common.HexToAddress(r.Destination),
		Amount:      amount,
		State:       ledger.WithdrawalState(r.State),
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.TxHash != "" {
		w.TxHash = common.HexToHash(r.TxHash)
	}
	return w, nil
}

var (
	_ ledger.Store = (*Store)(nil)
	_ cursor.Store = (*CursorStore)(nil)
)
