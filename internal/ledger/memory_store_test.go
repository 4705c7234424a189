package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

const testChain = 31337

func testPrincipal(b byte) principal.Principal {
	var p principal.Principal
	p[0] = 0x01
	p[principal.Len-1] = b
	return p
}

var testToken = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func mustBalance(t *testing.T, s Store, k Key) *big.Int {
	t.Helper()
	bal, err := s.BalanceOf(context.Background(), k)
	if err != nil {
		t.Fatalf("BalanceOf(%s): %v", k, err)
	}
	return bal
}

func TestMemoryStore_CreditDebit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	k := Key{Account: testPrincipal(1), ChainID: testChain, Asset: testToken}

	if got := mustBalance(t, s, k); got.Sign() != 0 {
		t.Fatalf("unknown entry: got %s want 0", got)
	}

	bal, err := s.Credit(ctx, k, big.NewInt(100))
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("Credit balance: got %s want 100", bal)
	}

	if _, err := s.Debit(ctx, k, big.NewInt(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-debit: got %v want ErrInsufficientBalance", err)
	}
	if got := mustBalance(t, s, k); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance after failed debit: got %s want 100", got)
	}

	bal, err = s.Debit(ctx, k, big.NewInt(100))
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("Debit balance: got %s want 0", bal)
	}

	// Debit on a never-credited entry is an insufficient balance, not a silent no-op.
	other := Key{Account: testPrincipal(2), ChainID: testChain, Asset: NativeAsset}
	if _, err := s.Debit(ctx, other, big.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("debit unknown entry: got %v want ErrInsufficientBalance", err)
	}
}

func TestMemoryStore_RejectsInvalidAmounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	k := Key{Account: testPrincipal(1), ChainID: testChain}

	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := s.Credit(ctx, k, amt); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Credit(%v): got %v want ErrInvalidAmount", amt, err)
		}
		if _, err := s.Debit(ctx, k, amt); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Debit(%v): got %v want ErrInvalidAmount", amt, err)
		}
	}
}

func TestMemoryStore_CreditOverflow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	k := Key{Account: testPrincipal(1), ChainID: testChain}

	if _, err := s.Credit(ctx, k, MaxAmount); err != nil {
		t.Fatalf("Credit max: %v", err)
	}
	if _, err := s.Credit(ctx, k, big.NewInt(1)); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("Credit past max: got %v want ErrAmountOverflow", err)
	}
	if got := mustBalance(t, s, k); got.Cmp(MaxAmount) != 0 {
		t.Fatalf("balance after overflow: got %s want max", got)
	}
	tooBig := new(big.Int).Add(MaxAmount, big.NewInt(1))
	if _, err := s.Credit(ctx, Key{Account: testPrincipal(2), ChainID: testChain}, tooBig); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("Credit 2^256: got %v want ErrAmountOverflow", err)
	}
}

func TestMemoryStore_ChainsAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	a := testPrincipal(1)

	if _, err := s.Credit(ctx, Key{Account: a, ChainID: 1}, big.NewInt(5)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got := mustBalance(t, s, Key{Account: a, ChainID: 2}); got.Sign() != 0 {
		t.Fatalf("chain 2: got %s want 0", got)
	}
	if got := mustBalance(t, s, Key{Account: a, ChainID: 1, Asset: testToken}); got.Sign() != 0 {
		t.Fatalf("token on chain 1: got %s want 0", got)
	}
}

func TestMemoryStore_Transfer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	a, b := testPrincipal(1), testPrincipal(2)
	ka := Key{Account: a, ChainID: testChain, Asset: testToken}
	kb := Key{Account: b, ChainID: testChain, Asset: testToken}

	if _, err := s.Credit(ctx, ka, big.NewInt(100)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := s.Transfer(ctx, a, b, testChain, testToken, big.NewInt(50)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := mustBalance(t, s, ka); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("a: got %s want 50", got)
	}
	if got := mustBalance(t, s, kb); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("b: got %s want 50", got)
	}

	if err := s.Transfer(ctx, a, b, testChain, testToken, big.NewInt(51)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-transfer: got %v want ErrInsufficientBalance", err)
	}
	if got := mustBalance(t, s, kb); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("b after failed transfer: got %s want 50", got)
	}

	if err := s.Transfer(ctx, a, a, testChain, testToken, big.NewInt(50)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if got := mustBalance(t, s, ka); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("a after self transfer: got %s want 50", got)
	}
}

func TestMemoryStore_TransferIsAtomicToReaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	a, b := testPrincipal(1), testPrincipal(2)
	ka := Key{Account: a, ChainID: testChain}
	kb := Key{Account: b, ChainID: testChain}
	total := big.NewInt(1000)

	if _, err := s.Credit(ctx, ka, total); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errCh := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Both balances are read under one lock acquisition via a snapshot helper.
			sa, sb := s.snapshot(ka, kb)
			if sum := new(big.Int).Add(sa, sb); sum.Cmp(total) != 0 {
				select {
				case errCh <- sum.String():
				default:
				}
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		if err := s.Transfer(ctx, from, to, testChain, NativeAsset, big.NewInt(7)); err != nil {
			t.Fatalf("Transfer #%d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case sum := <-errCh:
		t.Fatalf("observed partial transfer: sum %s want %s", sum, total)
	default:
	}
}

// snapshot reads several balances atomically.
func (s *MemoryStore) snapshot(keys ...Key) (*big.Int, *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	get := func(k Key) *big.Int {
		if v, ok := s.balances[k]; ok {
			return new(big.Int).Set(v)
		}
		return new(big.Int)
	}
	return get(keys[0]), get(keys[1])
}

func TestMemoryStore_ApplyDepositIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	k := Key{Account: testPrincipal(1), ChainID: testChain, Asset: testToken}
	d := Deposit{
		Ref:         EventRef{ChainID: testChain, TxHash: common.HexToHash("0x01"), LogIndex: 3},
		BlockNumber: 10,
		Key:         k,
		Amount:      big.NewInt(100),
	}

	applied, err := s.ApplyDeposit(ctx, d)
	if err != nil || !applied {
		t.Fatalf("ApplyDeposit #1: applied=%v err=%v", applied, err)
	}
	applied, err = s.ApplyDeposit(ctx, d)
	if err != nil || applied {
		t.Fatalf("ApplyDeposit #2: applied=%v err=%v", applied, err)
	}
	if got := mustBalance(t, s, k); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance: got %s want 100", got)
	}

	rec, ok, err := s.Processed(ctx, d.Ref)
	if err != nil || !ok {
		t.Fatalf("Processed: ok=%v err=%v", ok, err)
	}
	if rec.Outcome != OutcomeApplied || rec.BlockNumber != 10 {
		t.Fatalf("record: got %+v", rec)
	}

	// Same tx, different log index is a different event.
	d2 := d
	d2.Ref.LogIndex = 4
	if applied, err := s.ApplyDeposit(ctx, d2); err != nil || !applied {
		t.Fatalf("ApplyDeposit other log: applied=%v err=%v", applied, err)
	}
	if got := mustBalance(t, s, k); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("balance: got %s want 200", got)
	}
}

func TestMemoryStore_ApplyDepositOverflowLeavesNoRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	k := Key{Account: testPrincipal(1), ChainID: testChain}
	if _, err := s.Credit(ctx, k, MaxAmount); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	d := Deposit{
		Ref:    EventRef{ChainID: testChain, TxHash: common.HexToHash("0x02")},
		Key:    k,
		Amount: big.NewInt(1),
	}
	if _, err := s.ApplyDeposit(ctx, d); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("ApplyDeposit: got %v want ErrAmountOverflow", err)
	}
	if _, ok, _ := s.Processed(ctx, d.Ref); ok {
		t.Fatalf("overflowed deposit must not be recorded")
	}
}

func TestMemoryStore_Quarantine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	ref := EventRef{ChainID: testChain, TxHash: common.HexToHash("0x03"), LogIndex: 1}

	ok, err := s.Quarantine(ctx, ProcessedEvent{Ref: ref, BlockNumber: 5, Reason: "bad recipient"})
	if err != nil || !ok {
		t.Fatalf("Quarantine: ok=%v err=%v", ok, err)
	}
	rec, found, err := s.Processed(ctx, ref)
	if err != nil || !found {
		t.Fatalf("Processed: found=%v err=%v", found, err)
	}
	if rec.Outcome != OutcomeQuarantined || rec.Reason != "bad recipient" {
		t.Fatalf("record: got %+v", rec)
	}

	applied, err := s.ApplyDeposit(ctx, Deposit{
		Ref:    ref,
		Key:    Key{Account: testPrincipal(1), ChainID: testChain},
		Amount: big.NewInt(1),
	})
	if err != nil || applied {
		t.Fatalf("ApplyDeposit after quarantine: applied=%v err=%v", applied, err)
	}
}

func TestMemoryStore_WithdrawalLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	s := NewMemoryStore(func() time.Time { return now })
	k := Key{Account: testPrincipal(1), ChainID: testChain, Asset: testToken}
	dest := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	if _, err := s.Credit(ctx, k, big.NewInt(100)); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	w, err := s.BeginWithdrawal(ctx, Withdrawal{ID: "w1", Key: k, Destination: dest, Amount: big.NewInt(60)})
	if err != nil {
		t.Fatalf("BeginWithdrawal: %v", err)
	}
	if w.State != WithdrawalPending || !w.CreatedAt.Equal(now) {
		t.Fatalf("begin: got %+v", w)
	}
	if got := mustBalance(t, s, k); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("balance after begin: got %s want 40", got)
	}

	if _, err := s.BeginWithdrawal(ctx, Withdrawal{ID: "w2", Key: k, Destination: dest, Amount: big.NewInt(41)}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-withdraw: got %v want ErrInsufficientBalance", err)
	}
	if _, err := s.GetWithdrawal(ctx, "w2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed begin must not persist: %v", err)
	}

	pending, err := s.ListWithdrawals(ctx, WithdrawalPending, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != "w1" {
		t.Fatalf("ListWithdrawals: %+v err=%v", pending, err)
	}

	txHash := common.HexToHash("0xbeef")
	w, err = s.CompleteWithdrawal(ctx, "w1", txHash)
	if err != nil || w.State != WithdrawalSent || w.TxHash != txHash {
		t.Fatalf("CompleteWithdrawal: %+v err=%v", w, err)
	}
	if _, err := s.CompleteWithdrawal(ctx, "w1", txHash); err != nil {
		t.Fatalf("CompleteWithdrawal repeat: %v", err)
	}
	if _, err := s.CompleteWithdrawal(ctx, "w1", common.HexToHash("0xdead")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CompleteWithdrawal other hash: got %v want ErrInvalidTransition", err)
	}
	if _, err := s.RefundWithdrawal(ctx, "w1", "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("refund after sent: got %v want ErrInvalidTransition", err)
	}
	if got := mustBalance(t, s, k); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("balance after sent: got %s want 40", got)
	}
}

func TestMemoryStore_WithdrawalRefund(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	k := Key{Account: testPrincipal(1), ChainID: testChain}
	dest := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	if _, err := s.Credit(ctx, k, big.NewInt(10)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := s.BeginWithdrawal(ctx, Withdrawal{ID: "w1", Key: k, Destination: dest, Amount: big.NewInt(10)}); err != nil {
		t.Fatalf("BeginWithdrawal: %v", err)
	}
	w, err := s.FailWithdrawal(ctx, "w1", "rpc down")
	if err != nil || w.State != WithdrawalFailed || w.Reason != "rpc down" {
		t.Fatalf("FailWithdrawal: %+v err=%v", w, err)
	}
	if got := mustBalance(t, s, k); got.Sign() != 0 {
		t.Fatalf("failed withdrawal keeps funds held: got %s want 0", got)
	}

	if _, err := s.RefundWithdrawal(ctx, "w1", ""); err != nil {
		t.Fatalf("RefundWithdrawal: %v", err)
	}
	// Refunding twice must not credit twice.
	if _, err := s.RefundWithdrawal(ctx, "w1", ""); err != nil {
		t.Fatalf("RefundWithdrawal repeat: %v", err)
	}
	if got := mustBalance(t, s, k); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("balance after refund: got %s want 10", got)
	}
	if _, err := s.FailWithdrawal(ctx, "w1", "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail after refund: got %v want ErrInvalidTransition", err)
	}
	if _, err := s.RefundWithdrawal(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refund missing: got %v want ErrNotFound", err)
	}
}

func TestMemoryStore_ListWithdrawalsAfter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)
	k := Key{Account: testPrincipal(1), ChainID: testChain}
	dest := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	if _, err := s.Credit(ctx, k, big.NewInt(10)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := s.BeginWithdrawal(ctx, Withdrawal{ID: id, Key: k, Destination: dest, Amount: big.NewInt(1)}); err != nil {
			t.Fatalf("BeginWithdrawal %s: %v", id, err)
		}
	}
	// The cursor may point at a record that has since left the listed state.
	if _, err := s.CompleteWithdrawal(ctx, "b", common.HexToHash("0x01")); err != nil {
		t.Fatalf("CompleteWithdrawal: %v", err)
	}

	page, err := s.ListWithdrawalsAfter(ctx, WithdrawalPending, "b", 10)
	if err != nil || len(page) != 2 || page[0].ID != "c" || page[1].ID != "d" {
		t.Fatalf("after b: %+v err=%v", page, err)
	}
	page, err = s.ListWithdrawalsAfter(ctx, WithdrawalPending, "", 2)
	if err != nil || len(page) != 2 || page[0].ID != "a" || page[1].ID != "c" {
		t.Fatalf("first page: %+v err=%v", page, err)
	}
	if _, err := s.ListWithdrawalsAfter(ctx, WithdrawalPending, "zz", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown cursor: got %v want ErrInvalidInput", err)
	}
}
