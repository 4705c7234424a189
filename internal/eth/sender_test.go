package eth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	reward  *big.Int
	baseFee *big.Int
	gasEst  uint64

	sent []*types.Transaction

	receipts map[common.Hash]*types.Receipt

	// sendHook runs with mu held.
	sendHook func(tx *types.Transaction) error
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) FeeHistory(_ context.Context, blocks uint64, _ *big.Int, pct []float64) (*ethereum.FeeHistory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if blocks != FeeHistoryBlocks || len(pct) != 1 || pct[0] != FeeHistoryPercentile {
		return nil, errors.New("unexpected fee history args")
	}
	return &ethereum.FeeHistory{
		BaseFee: []*big.Int{new(big.Int).Set(b.baseFee)},
		Reward:  [][]*big.Int{{new(big.Int).Set(b.reward)}},
	}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gasEst, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendHook != nil {
		if err := b.sendHook(tx); err != nil {
			return err
		}
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// mineWith returns a sendHook that mines the n-th broadcast (1-based) with status.
func (b *fakeBackend) mineWith(n int, status uint64) func(*types.Transaction) error {
	return func(tx *types.Transaction) error {
		if len(b.sent)+1 == n {
			b.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: status, BlockNumber: big.NewInt(1)}
		}
		return nil
	}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		reward:   big.NewInt(2),
		baseFee:  big.NewInt(100),
		gasEst:   50_000,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func testSigner(t *testing.T) *LocalSigner {
	t.Helper()
	key, err := crypto.HexToECDSA("4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a")
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return NewLocalSigner(key)
}

func newTestSender(t *testing.T, b Backend, clock *fakeClock, maxReplacements int) *Sender {
	t.Helper()
	s, err := NewSender(b, testSigner(t), SenderConfig{
		ChainID:                big.NewInt(31337),
		GasLimitMultiplier:     1.2,
		MinTipCap:              big.NewInt(1),
		ReceiptPollInterval:    5 * time.Second,
		ReceiptTimeout:         time.Minute,
		ReplaceAfter:           10 * time.Second,
		MaxReplacements:        maxReplacements,
		ReplacementBumpPercent: 10,
		MinReplacementTipBump:  big.NewInt(1),
		MinReplacementFeeBump:  big.NewInt(1),
		Now:                    clock.Now,
		Sleep:                  clock.Sleep,
	})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	return s
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)}
}

var testDest = common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")

func TestSender_NativeTransfer(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.sendHook = b.mineWith(1, types.ReceiptStatusSuccessful)
	s := newTestSender(t, b, newClock(), 0)

	res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(50)})
	if err != nil {
		t.Fatalf("SendWithdrawal: %v", err)
	}
	if res.Receipt == nil || res.From != s.Address() {
		t.Fatalf("result: %+v", res)
	}

	tx := b.sent[0]
	if *tx.To() != testDest || tx.Value().Cmp(big.NewInt(50)) != 0 || len(tx.Data()) != 0 {
		t.Fatalf("tx: to=%s value=%s data=%x", tx.To(), tx.Value(), tx.Data())
	}
	if tx.Gas() < 60_000 || tx.Gas() > 60_001 {
		t.Fatalf("gas: got %d want ~60000", tx.Gas())
	}
	// tip = max(2, 1); feeCap = 2*100 + 2
	if tx.GasTipCap().Cmp(big.NewInt(2)) != 0 || tx.GasFeeCap().Cmp(big.NewInt(202)) != 0 {
		t.Fatalf("fees: tip=%s fee=%s", tx.GasTipCap(), tx.GasFeeCap())
	}
}

func TestSender_ERC20TransferCallsToken(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.sendHook = b.mineWith(1, types.ReceiptStatusSuccessful)
	s := newTestSender(t, b, newClock(), 0)
	token := common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")

	if _, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Token: token, Amount: big.NewInt(7)}); err != nil {
		t.Fatalf("SendWithdrawal: %v", err)
	}
	tx := b.sent[0]
	if *tx.To() != token || tx.Value().Sign() != 0 {
		t.Fatalf("tx: to=%s value=%s", tx.To(), tx.Value())
	}
	selector := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	if !bytes.Equal(tx.Data()[:4], selector) || common.BytesToAddress(tx.Data()[4:36]) != testDest {
		t.Fatalf("calldata: %x", tx.Data())
	}
}

func TestSender_ReplacesStuckTxByBumpingFees(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.sendHook = b.mineWith(2, types.ReceiptStatusSuccessful)
	s := newTestSender(t, b, newClock(), 1)

	res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("SendWithdrawal: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nonceCalls != 1 {
		t.Fatalf("PendingNonceAt calls: got %d want %d", b.nonceCalls, 1)
	}
	if len(b.sent) != 2 {
		t.Fatalf("sent txs: got %d want %d", len(b.sent), 2)
	}
	tx0, tx1 := b.sent[0], b.sent[1]
	if tx0.Nonce() != 0 || tx1.Nonce() != 0 {
		t.Fatalf("nonce mismatch: %d %d", tx0.Nonce(), tx1.Nonce())
	}
	if tx1.GasTipCap().Cmp(tx0.GasTipCap()) <= 0 || tx1.GasFeeCap().Cmp(tx0.GasFeeCap()) <= 0 {
		t.Fatalf("fees not bumped: %s/%s -> %s/%s", tx0.GasTipCap(), tx0.GasFeeCap(), tx1.GasTipCap(), tx1.GasFeeCap())
	}
	if res.TxHash != tx1.Hash() || res.Replacements != 1 {
		t.Fatalf("result: hash=%s replacements=%d", res.TxHash, res.Replacements)
	}
}

func TestSender_Reverted(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.sendHook = b.mineWith(1, types.ReceiptStatusFailed)
	s := newTestSender(t, b, newClock(), 0)

	res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("SendWithdrawal: got %v want ErrReverted", err)
	}
	if res.Receipt == nil || res.TxHash != b.sent[0].Hash() {
		t.Fatalf("result: %+v", res)
	}
}

// rpcReply is an error reply from the node, as ethclient surfaces it.
type rpcReply struct {
	code int
	msg  string
}

func (e rpcReply) Error() string  { return e.msg }
func (e rpcReply) ErrorCode() int { return e.code }

func TestSender_RejectedBroadcastReleasesNonce(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	reject := true
	b.sendHook = func(tx *types.Transaction) error {
		if reject {
			return rpcReply{code: -32000, msg: "insufficient funds for gas * price + value"}
		}
		b.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful}
		return nil
	}
	s := newTestSender(t, b, newClock(), 0)

	if _, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)}); !errors.Is(err, ErrNotBroadcast) {
		t.Fatalf("rejected: got %v want ErrNotBroadcast", err)
	}

	b.mu.Lock()
	reject = false
	b.mu.Unlock()

	res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("SendWithdrawal: %v", err)
	}
	if res.Nonce != 0 {
		t.Fatalf("nonce after release: got %d want 0", res.Nonce)
	}
}

func TestSender_TransportErrorAfterAcceptIsNotDefinitive(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	first := true
	b.sendHook = func(tx *types.Transaction) error {
		b.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(3)}
		if first {
			// The node took the transaction, then the connection dropped.
			first = false
			return io.ErrUnexpectedEOF
		}
		return nil
	}
	s := newTestSender(t, b, newClock(), 0)

	res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("SendWithdrawal: %v", err)
	}
	if res.Receipt == nil || res.Nonce != 0 {
		t.Fatalf("result: %+v", res)
	}

	// The nonce stayed spent.
	res, err = s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
	if err != nil || res.Nonce != 1 {
		t.Fatalf("second send: nonce=%d err=%v want nonce 1", res.Nonce, err)
	}
}

func TestSender_UnknownSendOutcomeStaysAmbiguous(t *testing.T) {
	t.Parallel()

	for _, sendErr := range []error{
		io.ErrUnexpectedEOF,
		errors.New("502 Bad Gateway"),
	} {
		b := newFakeBackend()
		b.sendHook = func(*types.Transaction) error { return sendErr }
		s := newTestSender(t, b, newClock(), 0)

		res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
		if errors.Is(err, ErrNotBroadcast) || !errors.Is(err, ErrReceiptTimeout) {
			t.Fatalf("%v: got %v want ErrReceiptTimeout", sendErr, err)
		}
		if (res.TxHash == common.Hash{}) {
			t.Fatalf("%v: missing tx hash", sendErr)
		}
	}
}

func TestSender_AlreadyKnownCountsAsBroadcast(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.sendHook = func(tx *types.Transaction) error {
		b.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful}
		return rpcReply{code: -32000, msg: "already known"}
	}
	s := newTestSender(t, b, newClock(), 0)

	res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
	if err != nil || res.Receipt == nil {
		t.Fatalf("SendWithdrawal: %+v err=%v", res, err)
	}
}

func TestSender_NonceTooLowResyncsFromNode(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	first := true
	b.sendHook = func(tx *types.Transaction) error {
		if first {
			first = false
			// Another process spent nonces 0..4 from the same wallet.
			b.pendingNonce = 5
			return rpcReply{code: -32000, msg: "nonce too low: next nonce 5, tx nonce 0"}
		}
		b.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful}
		return nil
	}
	s := newTestSender(t, b, newClock(), 0)

	if _, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)}); !errors.Is(err, ErrNotBroadcast) {
		t.Fatalf("stale nonce: got %v want ErrNotBroadcast", err)
	}
	res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("SendWithdrawal: %v", err)
	}
	if res.Nonce != 5 {
		t.Fatalf("nonce after resync: got %d want 5", res.Nonce)
	}
}

func TestSender_ReceiptTimeoutIsNotDefinitive(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	s := newTestSender(t, b, newClock(), 0)

	res, err := s.SendWithdrawal(context.Background(), Transfer{To: testDest, Amount: big.NewInt(1)})
	if !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("SendWithdrawal: got %v want ErrReceiptTimeout", err)
	}
	if errors.Is(err, ErrNotBroadcast) || errors.Is(err, ErrReverted) {
		t.Fatalf("timeout classified as definitive: %v", err)
	}
	if res.TxHash != b.sent[0].Hash() {
		t.Fatalf("result hash: got %s want %s", res.TxHash, b.sent[0].Hash())
	}
}

func TestSender_InvalidTransferNeverBroadcasts(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	s := newTestSender(t, b, newClock(), 0)

	for _, tr := range []Transfer{
		{Amount: big.NewInt(1)},
		{To: testDest},
		{To: testDest, Amount: big.NewInt(0)},
	} {
		if _, err := s.SendWithdrawal(context.Background(), tr); !errors.Is(err, ErrNotBroadcast) {
			t.Fatalf("%+v: got %v want ErrNotBroadcast", tr, err)
		}
	}
	if len(b.sent) != 0 {
		t.Fatalf("sent: got %d want 0", len(b.sent))
	}
}

func TestNewSender_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	signer := testSigner(t)
	valid := SenderConfig{
		ChainID:             big.NewInt(1),
		GasLimitMultiplier:  1,
		ReceiptPollInterval: time.Second,
		ReceiptTimeout:      time.Minute,
	}
	if _, err := NewSender(b, signer, valid); err != nil {
		t.Fatalf("valid config: %v", err)
	}
	for name, mutate := range map[string]func(*SenderConfig){
		"no chain":      func(c *SenderConfig) { c.ChainID = nil },
		"no multiplier": func(c *SenderConfig) { c.GasLimitMultiplier = 0 },
		"no timeout":    func(c *SenderConfig) { c.ReceiptTimeout = 0 },
		"bad replace":   func(c *SenderConfig) { c.MaxReplacements = 1 },
	} {
		cfg := valid
		mutate(&cfg)
		if _, err := NewSender(b, signer, cfg); !errors.Is(err, ErrInvalidSenderConfig) {
			t.Fatalf("%s: got %v want ErrInvalidSenderConfig", name, err)
		}
	}
	if _, err := NewSender(nil, signer, valid); !errors.Is(err, ErrInvalidSenderConfig) {
		t.Fatalf("nil backend: got %v", err)
	}
}
