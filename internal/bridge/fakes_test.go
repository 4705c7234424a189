package bridge

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/juno-intents/harmonize-bridge/internal/archive"
	"github.com/juno-intents/harmonize-bridge/internal/chainscan"
	"github.com/juno-intents/harmonize-bridge/internal/cursor"
	"github.com/juno-intents/harmonize-bridge/internal/eth"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
	"github.com/juno-intents/harmonize-bridge/internal/link"
	"github.com/juno-intents/harmonize-bridge/internal/owner"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

const testChain = 31337

var testToken = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func testPrincipal(b byte) principal.Principal {
	var p principal.Principal
	p[0] = 0x01
	p[principal.Len-1] = b
	return p
}

var testOwner = testPrincipal(0xee)

type fakeSource struct {
	mu       sync.Mutex
	head     uint64
	events   []chainscan.Event
	headErr  error
	fetchErr error
	fetches  [][2]uint64
}

func (f *fakeSource) Head(_ context.Context, confirmations uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	if f.head < confirmations {
		return 0, nil
	}
	return f.head - confirmations, nil
}

// Fetch returns matching events newest first so the watcher has to order them.
func (f *fakeSource) Fetch(_ context.Context, from, to uint64) ([]chainscan.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, [2]uint64{from, to})
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []chainscan.Event
	for i := len(f.events) - 1; i >= 0; i-- {
		ev := f.events[i]
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) add(evs ...chainscan.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs...)
	for _, ev := range evs {
		if ev.BlockNumber > f.head {
			f.head = ev.BlockNumber
		}
	}
}

type fakeWithdrawer struct {
	mu    sync.Mutex
	addr  common.Address
	sends []eth.Transfer
	err   error
}

func (f *fakeWithdrawer) Address() common.Address { return f.addr }

func (f *fakeWithdrawer) SendWithdrawal(_ context.Context, t eth.Transfer) (eth.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, t)
	h := common.BigToHash(big.NewInt(int64(0x1000 + len(f.sends))))
	if f.err != nil {
		if errors.Is(f.err, eth.ErrNotBroadcast) {
			return eth.SendResult{}, f.err
		}
		return eth.SendResult{From: f.addr, TxHash: h}, f.err
	}
	return eth.SendResult{From: f.addr, Nonce: uint64(len(f.sends) - 1), TxHash: h}, nil
}

func (f *fakeWithdrawer) sent() []eth.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eth.Transfer(nil), f.sends...)
}

type recordingProducer struct {
	mu     sync.Mutex
	events []LedgerEvent
}

func (p *recordingProducer) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	var ev LedgerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		if ev.State != "" {
			out = append(out, ev.Type+":"+ev.State)
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

// flakyCursors fails the next failAdvance calls to Advance.
type flakyCursors struct {
	cursor.Store
	mu          sync.Mutex
	failAdvance int
}

func (c *flakyCursors) Advance(ctx context.Context, chainID, block uint64) error {
	c.mu.Lock()
	if c.failAdvance > 0 {
		c.failAdvance--
		c.mu.Unlock()
		return errors.New("cursor store unavailable")
	}
	c.mu.Unlock()
	return c.Store.Advance(ctx, chainID, block)
}

// flakyLedger fails refunds while failRefund is set, and always for ids in stuck.
type flakyLedger struct {
	ledger.Store
	mu         sync.Mutex
	failRefund bool
	stuck      map[string]bool
}

func (l *flakyLedger) setFailRefund(v bool) {
	l.mu.Lock()
	l.failRefund = v
	l.mu.Unlock()
}

func (l *flakyLedger) RefundWithdrawal(ctx context.Context, id string, reason string) (ledger.Withdrawal, error) {
	l.mu.Lock()
	fail := l.failRefund || l.stuck[id]
	l.mu.Unlock()
	if fail {
		return ledger.Withdrawal{}, errors.New("ledger unavailable")
	}
	return l.Store.RefundWithdrawal(ctx, id, reason)
}

type harness struct {
	svc      *Service
	source   *fakeSource
	wd       *fakeWithdrawer
	ledger   *flakyLedger
	cursors  *flakyCursors
	producer *recordingProducer
	archive  *archive.Memory
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	reg, err := link.NewRegistry(link.NewMemoryChallengeStore(time.Minute, nil), link.NewMemoryStore(), link.Config{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	guard, err := owner.NewGuard(ctx, owner.NewMemoryStore(), testOwner, nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	h := &harness{
		source:   &fakeSource{},
		wd:       &fakeWithdrawer{addr: common.HexToAddress("0x00000000000000000000000000000000000b0b0e")},
		ledger:   &flakyLedger{Store: ledger.NewMemoryStore(nil)},
		cursors:  &flakyCursors{Store: cursor.NewMemoryStore()},
		producer: &recordingProducer{},
		archive:  archive.NewMemory(""),
	}
	ids := 0
	cfg := Config{
		Chains: []ChainConfig{{
			ChainID:    testChain,
			Contract:   common.HexToAddress("0x00000000000000000000000000000000000c0de0"),
			StartBlock: 1,
			Source:     h.source,
			Withdrawer: h.wd,
		}},
		Ledger:   h.ledger,
		Cursors:  h.cursors,
		Links:    reg,
		Owner:    guard,
		Producer: h.producer,
		Archive:  h.archive,
		NewID: func() string {
			ids++
			return fmt.Sprintf("w%d", ids)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc, err = NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return h
}

func (h *harness) watcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := h.svc.Watcher(testChain)
	if err != nil {
		t.Fatalf("Watcher: %v", err)
	}
	return w
}

func (h *harness) balance(t *testing.T, p principal.Principal, asset common.Address) *big.Int {
	t.Helper()
	bal, err := h.svc.BalanceOf(context.Background(), p, testChain, asset)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return bal
}

func (h *harness) assertBalance(t *testing.T, p principal.Principal, asset common.Address, want int64) {
	t.Helper()
	if got := h.balance(t, p, asset); got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance %s: got %s want %d", p, got, want)
	}
}

// link binds a fresh key's address to p and returns the address.
func (h *harness) link(t *testing.T, p principal.Principal) common.Address {
	t.Helper()
	ctx := context.Background()
	key := mustKey(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	challenge, err := h.svc.SignInChallenge(ctx, addr)
	if err != nil {
		t.Fatalf("SignInChallenge: %v", err)
	}
	sig, err := link.SignChallenge(key, challenge)
	if err != nil {
		t.Fatalf("SignChallenge: %v", err)
	}
	if err := h.svc.SignIn(ctx, p, addr, sig); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	return addr
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func depositEvent(block uint64, logIndex uint, to principal.Principal, token common.Address, amount int64) chainscan.Event {
	kind := chainscan.KindDepositERC20
	if token == ledger.NativeAsset {
		kind = chainscan.KindDepositNative
	}
	return chainscan.Event{
		Kind:        kind,
		ChainID:     testChain,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(logIndex))),
		LogIndex:    logIndex,
		Sender:      common.HexToAddress("0x00000000000000000000000000000000000000d0"),
		Recipient:   to.Embed(),
		Token:       token,
		Amount:      big.NewInt(amount),
	}
}
