package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

// MemoryStore is a process-local ledger guarded by a single mutex.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	balances    map[Key]*big.Int
	processed   map[EventRef]ProcessedEvent
	withdrawals map[string]Withdrawal
	order       []string
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:         now,
		balances:    make(map[Key]*big.Int),
		processed:   make(map[EventRef]ProcessedEvent),
		withdrawals: make(map[string]Withdrawal),
	}
}

func (s *MemoryStore) Credit(_ context.Context, key Key, amount *big.Int) (*big.Int, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.creditLocked(key, amount)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(bal), nil
}

func (s *MemoryStore) Debit(_ context.Context, key Key, amount *big.Int) (*big.Int, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.debitLocked(key, amount)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(bal), nil
}

func (s *MemoryStore) Transfer(_ context.Context, from, to principal.Principal, chainID uint64, asset common.Address, amount *big.Int) error {
	fromKey := Key{Account: from, ChainID: chainID, Asset: asset}
	toKey := Key{Account: to, ChainID: chainID, Asset: asset}
	if err := ValidateKey(fromKey); err != nil {
		return err
	}
	if err := ValidateKey(toKey); err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fromBal, err := SubChecked(s.balances[fromKey], amount)
	if err != nil {
		return err
	}
	toBase := s.balances[toKey]
	if from == to {
		toBase = fromBal
	}
	toBal, err := AddChecked(toBase, amount)
	if err != nil {
		return err
	}
	s.balances[fromKey] = fromBal
	s.balances[toKey] = toBal
	return nil
}

func (s *MemoryStore) BalanceOf(_ context.Context, key Key) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[key]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

func (s *MemoryStore) ApplyDeposit(_ context.Context, d Deposit) (bool, error) {
	if err := ValidateKey(d.Key); err != nil {
		return false, err
	}
	if d.Key.ChainID != d.Ref.ChainID {
		return false, fmt.Errorf("%w: deposit chain %d != event chain %d", ErrInvalidInput, d.Key.ChainID, d.Ref.ChainID)
	}
	if err := ValidateAmount(d.Amount); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[d.Ref]; ok {
		return false, nil
	}
	if _, err := s.creditLocked(d.Key, d.Amount); err != nil {
		return false, err
	}
	s.processed[d.Ref] = ProcessedEvent{
		Ref:         d.Ref,
		BlockNumber: d.BlockNumber,
		Outcome:     OutcomeApplied,
	}
	return true, nil
}

func (s *MemoryStore) Quarantine(_ context.Context, ev ProcessedEvent) (bool, error) {
	if ev.Ref.ChainID == 0 {
		return false, fmt.Errorf("%w: zero chain id", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[ev.Ref]; ok {
		return false, nil
	}
	ev.Outcome = OutcomeQuarantined
	s.processed[ev.Ref] = ev
	return true, nil
}

func (s *MemoryStore) Processed(_ context.Context, ref EventRef) (ProcessedEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.processed[ref]
	return ev, ok, nil
}

func (s *MemoryStore) BeginWithdrawal(_ context.Context, w Withdrawal) (Withdrawal, error) {
	if err := ValidateWithdrawal(w); err != nil {
		return Withdrawal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.withdrawals[w.ID]; ok {
		return Withdrawal{}, fmt.Errorf("%w: duplicate withdrawal id %s", ErrInvalidInput, w.ID)
	}
	if _, err := s.debitLocked(w.Key, w.Amount); err != nil {
		return Withdrawal{}, err
	}

	now := s.now().UTC()
	w = w.clone()
	w.State = WithdrawalPending
	w.TxHash = common.Hash{}
	w.CreatedAt = now
	w.UpdatedAt = now
	s.withdrawals[w.ID] = w
	s.order = append(s.order, w.ID)
	return w.clone(), nil
}

func (s *MemoryStore) CompleteWithdrawal(_ context.Context, id string, txHash common.Hash) (Withdrawal, error) {
	if (txHash == common.Hash{}) {
		return Withdrawal{}, fmt.Errorf("%w: zero tx hash", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	repeat, err := CheckWithdrawalTransition(w.State, WithdrawalSent)
	if err != nil {
		return Withdrawal{}, err
	}
	if repeat {
		if w.TxHash != txHash {
			return Withdrawal{}, fmt.Errorf("%w: already sent as %s", ErrInvalidTransition, w.TxHash)
		}
		return w.clone(), nil
	}
	w.State = WithdrawalSent
	w.TxHash = txHash
	w.UpdatedAt = s.now().UTC()
	s.withdrawals[id] = w
	return w.clone(), nil
}

func (s *MemoryStore) FailWithdrawal(_ context.Context, id string, reason string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	repeat, err := CheckWithdrawalTransition(w.State, WithdrawalFailed)
	if err != nil {
		return Withdrawal{}, err
	}
	if repeat {
		return w.clone(), nil
	}
	w.State = WithdrawalFailed
	w.Reason = reason
	w.UpdatedAt = s.now().UTC()
	s.withdrawals[id] = w
	return w.clone(), nil
}

func (s *MemoryStore) RefundWithdrawal(_ context.Context, id string, reason string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	repeat, err := CheckWithdrawalTransition(w.State, WithdrawalRefunded)
	if err != nil {
		return Withdrawal{}, err
	}
	if repeat {
		return w.clone(), nil
	}
	if _, err := s.creditLocked(w.Key, w.Amount); err != nil {
		return Withdrawal{}, err
	}
	w.State = WithdrawalRefunded
	if reason != "" {
		w.Reason = reason
	}
	w.UpdatedAt = s.now().UTC()
	s.withdrawals[id] = w
	return w.clone(), nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return w.clone(), nil
}

func (s *MemoryStore) ListWithdrawals(ctx context.Context, state WithdrawalState, limit int) ([]Withdrawal, error) {
	return s.ListWithdrawalsAfter(ctx, state, "", limit)
}

func (s *MemoryStore) ListWithdrawalsAfter(_ context.Context, state WithdrawalState, after string, limit int) ([]Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	start := 0
	if after != "" {
		if _, ok := s.withdrawals[after]; !ok {
			return nil, fmt.Errorf("%w: unknown cursor %q", ErrInvalidInput, after)
		}
		for i, id := range s.order {
			if id == after {
				start = i + 1
				break
			}
		}
	}
	out := make([]Withdrawal, 0, limit)
	for _, id := range s.order[start:] {
		w := s.withdrawals[id]
		if w.State != state {
			continue
		}
		out = append(out, w.clone())
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) creditLocked(key Key, amount *big.Int) (*big.Int, error) {
	bal, err := AddChecked(s.balances[key], amount)
	if err != nil {
		return nil, err
	}
	s.balances[key] = bal
	return bal, nil
}

func (s *MemoryStore) debitLocked(key Key, amount *big.Int) (*big.Int, error) {
	bal, err := SubChecked(s.balances[key], amount)
	if err != nil {
		return nil, err
	}
	s.balances[key] = bal
	return bal, nil
}

var _ Store = (*MemoryStore)(nil)
