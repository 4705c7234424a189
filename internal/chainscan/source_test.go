package chainscan

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testToken    = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	testSender   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	topicDepositEth   = crypto.Keccak256Hash([]byte("DepositEth(address,bytes32,uint256)"))
	topicDepositErc20 = crypto.Keccak256Hash([]byte("DepositErc20(address,bytes32,address,uint256)"))
)

type fakeBackend struct {
	mu sync.Mutex

	latest   uint64
	headErr  error
	logs     []types.Log
	maxRange uint64 // 0 => unlimited
	failAt   map[uint64]error

	queries [][2]uint64
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.headErr
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.maxRange > 0 && to-from+1 > f.maxRange {
		return nil, errors.New("query returned more than 10000 results")
	}
	for b, err := range f.failAt {
		if b >= from && b <= to {
			return nil, err
		}
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func recipientTopic(b byte) common.Hash {
	var h common.Hash
	h[3] = 0x01
	h[31] = b
	return h
}

func amountData(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func ethLog(block uint64, index uint, recipient byte, amount int64) types.Log {
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{topicDepositEth, common.BytesToHash(testSender.Bytes()), recipientTopic(recipient)},
		Data:        amountData(amount),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block)*1000 + int64(index))),
		Index:       index,
	}
}

func erc20Log(block uint64, index uint, recipient byte, amount int64) types.Log {
	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			topicDepositErc20,
			common.BytesToHash(testSender.Bytes()),
			recipientTopic(recipient),
			common.BytesToHash(testToken.Bytes()),
		},
		Data:        amountData(amount),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block)*1000 + int64(index))),
		Index:       index,
	}
}

func newTestSource(t *testing.T, b Backend, spread uint64) *Source {
	t.Helper()
	s, err := New(b, Config{ChainID: 31337, Contract: testContract, MaxBlockSpread: spread})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		b   Backend
		cfg Config
	}{
		"nil backend":   {nil, Config{ChainID: 1, Contract: testContract}},
		"zero chain":    {&fakeBackend{}, Config{Contract: testContract}},
		"zero contract": {&fakeBackend{}, Config{ChainID: 1}},
	} {
		if _, err := New(tc.b, tc.cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: got %v want ErrInvalidConfig", name, err)
		}
	}
}

func TestSource_Head(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{latest: 100}
	s := newTestSource(t, b, 0)

	for _, tc := range []struct{ conf, want uint64 }{{0, 100}, {12, 88}, {500, 0}} {
		got, err := s.Head(context.Background(), tc.conf)
		if err != nil {
			t.Fatalf("Head: %v", err)
		}
		if got != tc.want {
			t.Fatalf("Head(%d): got %d want %d", tc.conf, got, tc.want)
		}
	}

	b.headErr = errors.New("connection refused")
	if _, err := s.Head(context.Background(), 0); !errors.Is(err, ErrTransport) {
		t.Fatalf("Head err: got %v want ErrTransport", err)
	}
}

func TestSource_Fetch_DecodesAndOrders(t *testing.T) {
	t.Parallel()

	removed := ethLog(3, 0, 9, 1)
	removed.Removed = true
	foreign := ethLog(3, 1, 9, 1)
	foreign.Address = testToken
	unknown := ethLog(3, 2, 9, 1)
	unknown.Topics[0] = crypto.Keccak256Hash([]byte("Other()"))

	b := &fakeBackend{logs: []types.Log{
		erc20Log(5, 1, 2, 7),
		ethLog(5, 0, 1, 100),
		ethLog(2, 4, 3, 1),
		removed, foreign, unknown,
	}}
	s := newTestSource(t, b, 0)

	evs, err := s.Fetch(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("len: got %d want 3", len(evs))
	}
	wantPos := [][2]uint64{{2, 4}, {5, 0}, {5, 1}}
	for i, ev := range evs {
		if ev.BlockNumber != wantPos[i][0] || uint64(ev.LogIndex) != wantPos[i][1] {
			t.Fatalf("event[%d] position: got (%d,%d) want %v", i, ev.BlockNumber, ev.LogIndex, wantPos[i])
		}
		if ev.Err != nil {
			t.Fatalf("event[%d]: unexpected err %v", i, ev.Err)
		}
		if ev.ChainID != 31337 || ev.Sender != testSender {
			t.Fatalf("event[%d]: got chain=%d sender=%s", i, ev.ChainID, ev.Sender)
		}
	}

	native := evs[1]
	if native.Kind != KindDepositNative || native.Amount.Int64() != 100 || native.Token != (common.Address{}) {
		t.Fatalf("native: got %+v", native)
	}
	if native.Recipient != [32]byte(recipientTopic(1)) {
		t.Fatalf("native recipient: got %x", native.Recipient)
	}
	erc := evs[2]
	if erc.Kind != KindDepositERC20 || erc.Amount.Int64() != 7 || erc.Token != testToken {
		t.Fatalf("erc20: got %+v", erc)
	}
}

func TestSource_Fetch_MalformedKnownTopic(t *testing.T) {
	t.Parallel()

	short := ethLog(4, 0, 1, 1)
	short.Data = []byte{0x01, 0x02}
	missingTopic := erc20Log(4, 1, 1, 1)
	missingTopic.Topics = missingTopic.Topics[:3]
	zeroToken := erc20Log(4, 2, 1, 1)
	zeroToken.Topics[3] = common.Hash{}

	s := newTestSource(t, &fakeBackend{logs: []types.Log{short, missingTopic, zeroToken}}, 0)
	evs, err := s.Fetch(context.Background(), 4, 4)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("len: got %d want 3", len(evs))
	}
	for i, ev := range evs {
		if !errors.Is(ev.Err, ErrMalformedEvent) {
			t.Fatalf("event[%d]: got err %v want ErrMalformedEvent", i, ev.Err)
		}
		if ev.TxHash == (common.Hash{}) || ev.BlockNumber != 4 {
			t.Fatalf("event[%d]: position not populated: %+v", i, ev)
		}
	}
}

func TestSource_Fetch_ChunksBySpread(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{logs: []types.Log{ethLog(1, 0, 1, 1), ethLog(25, 0, 1, 1)}}
	s := newTestSource(t, b, 10)

	evs, err := s.Fetch(context.Background(), 1, 25)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("len: got %d want 2", len(evs))
	}
	want := [][2]uint64{{1, 10}, {11, 20}, {21, 25}}
	if len(b.queries) != len(want) {
		t.Fatalf("queries: got %v want %v", b.queries, want)
	}
	for i := range want {
		if b.queries[i] != want[i] {
			t.Fatalf("query[%d]: got %v want %v", i, b.queries[i], want[i])
		}
	}
}

func TestSource_Fetch_HalvesTooLargeRange(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{maxRange: 3, logs: []types.Log{ethLog(1, 0, 1, 1), ethLog(8, 0, 1, 2)}}
	s := newTestSource(t, b, 0)

	evs, err := s.Fetch(context.Background(), 1, 8)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(evs) != 2 || evs[0].BlockNumber != 1 || evs[1].BlockNumber != 8 {
		t.Fatalf("events: got %+v", evs)
	}
	for _, q := range b.queries[1:] {
		if q[1] < q[0] {
			t.Fatalf("bad query %v", q)
		}
	}
}

func TestSource_Fetch_TransportError(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{failAt: map[uint64]error{3: errors.New("i/o timeout")}}
	s := newTestSource(t, b, 0)

	if _, err := s.Fetch(context.Background(), 1, 5); !errors.Is(err, ErrTransport) {
		t.Fatalf("Fetch: got %v want ErrTransport", err)
	}
	if _, err := s.Fetch(context.Background(), 5, 4); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("Fetch inverted: got %v want ErrInvalidRange", err)
	}
}

func TestSource_Fetch_UnrelatedRangeErrorIsNotSplit(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{failAt: map[uint64]error{3: errors.New("invalid block range params")}}
	s := newTestSource(t, b, 0)

	if _, err := s.Fetch(context.Background(), 1, 8); !errors.Is(err, ErrTransport) {
		t.Fatalf("Fetch: got %v want ErrTransport", err)
	}
	if len(b.queries) != 1 {
		t.Fatalf("queries: got %v want a single unsplit query", b.queries)
	}
}

func TestIsRangeTooLarge(t *testing.T) {
	t.Parallel()

	for msg, want := range map[string]bool{
		"query returned more than 10000 results":               true,
		"eth_getLogs block range too large":                    true,
		"Log response size exceeded":                           true,
		"exceed maximum block range: 5000":                     true,
		"Requested range exceeds maximum range limit":          true,
		"eth_getLogs is limited to a 10,000 range":             true,
		"connection reset by peer":                             false,
		"invalid block range params":                           false,
		"fromBlock 10 is after toBlock 9, invalid block range": false,
		"rate limit exceeded":                                  false,
		"daily request count limit exceeded":                   false,
	} {
		if got := IsRangeTooLarge(errors.New(msg)); got != want {
			t.Fatalf("%q: got %v want %v", msg, got, want)
		}
	}
	if IsRangeTooLarge(nil) {
		t.Fatalf("nil: got true")
	}
}
