package chainscan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/harmonize-bridge/internal/bridgeabi"
)

const DefaultMaxBlockSpread uint64 = 500

var (
	ErrInvalidConfig = errors.New("chainscan: invalid config")
	ErrInvalidRange  = errors.New("chainscan: invalid range")
	// ErrTransport wraps every failure talking to the chain node.
	ErrTransport = errors.New("chainscan: transport error")
	// ErrMalformedEvent marks a bridge log that cannot be decoded.
	ErrMalformedEvent = errors.New("chainscan: malformed event")
)

// Backend is the subset of ethclient.Client used for log polling.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type Config struct {
	ChainID  uint64
	Contract common.Address
	// MaxBlockSpread bounds a single FilterLogs query; zero means DefaultMaxBlockSpread.
	MaxBlockSpread uint64
}

// Source polls one chain for bridge contract events.
type Source struct {
	backend Backend
	cfg     Config
	topics  []common.Hash
}

func New(backend Backend, cfg Config) (*Source, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: zero chain id", ErrInvalidConfig)
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("%w: zero contract address", ErrInvalidConfig)
	}
	if cfg.MaxBlockSpread == 0 {
		cfg.MaxBlockSpread = DefaultMaxBlockSpread
	}
	topics, err := bridgeabi.DepositTopics()
	if err != nil {
		return nil, err
	}
	return &Source{backend: backend, cfg: cfg, topics: topics}, nil
}

func (s *Source) ChainID() uint64 { return s.cfg.ChainID }

func (s *Source) Contract() common.Address { return s.cfg.Contract }

func (s *Source) MaxBlockSpread() uint64 { return s.cfg.MaxBlockSpread }

// Head returns the newest block considered final: latest minus confirmations, floored at zero.
func (s *Source) Head(ctx context.Context, confirmations uint64) (uint64, error) {
	latest, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", ErrTransport, err)
	}
	if latest < confirmations {
		return 0, nil
	}
	return latest - confirmations, nil
}

// Fetch returns the bridge events in blocks [from, to], ordered by (block, log index).
//
// Ranges wider than MaxBlockSpread are queried in chunks. A chunk the node rejects as too
// large is split in half until it is a single block. Removed logs and unknown topics are
// dropped; undecodable bridge logs are returned with Err set.
func (s *Source) Fetch(ctx context.Context, from, to uint64) ([]Event, error) {
	if from > to {
		return nil, fmt.Errorf("%w: from=%d to=%d", ErrInvalidRange, from, to)
	}

	var logs []types.Log
	for start := from; ; {
		end := to
		if end-start >= s.cfg.MaxBlockSpread {
			end = start + s.cfg.MaxBlockSpread - 1
		}
		chunk, err := s.filter(ctx, start, end)
		if err != nil {
			return nil, err
		}
		logs = append(logs, chunk...)
		if end == to {
			break
		}
		start = end + 1
	}

	out := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		if lg.Address != s.cfg.Contract {
			continue
		}
		ev, ok := decodeLog(s.cfg.ChainID, lg)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (s *Source) filter(ctx context.Context, from, to uint64) ([]types.Log, error) {
	logs, err := s.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{s.topics},
	})
	if err == nil {
		return logs, nil
	}
	if from < to && IsRangeTooLarge(err) {
		mid := from + (to-from)/2
		left, err := s.filter(ctx, from, mid)
		if err != nil {
			return nil, err
		}
		right, err := s.filter(ctx, mid+1, to)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}
	return nil, fmt.Errorf("%w: filter logs [%d,%d]: %v", ErrTransport, from, to, err)
}

// IsRangeTooLarge reports whether a node error asks for a narrower log query.
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"query returned more than", // geth, infura
		"response size exceeded",   // alchemy
		"block range too large",
		"block range is too wide",
		"exceed maximum block range",  // ankr
		"exceeds maximum range limit", // besu
		"is limited to a",             // quicknode: "is limited to a 10,000 range"
		"too many results",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
