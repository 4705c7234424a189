package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/juno-intents/harmonize-bridge/internal/archive"
	"github.com/juno-intents/harmonize-bridge/internal/chainscan"
	"github.com/juno-intents/harmonize-bridge/internal/cursor"
	"github.com/juno-intents/harmonize-bridge/internal/eth"
	"github.com/juno-intents/harmonize-bridge/internal/leader"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
	"github.com/juno-intents/harmonize-bridge/internal/link"
	"github.com/juno-intents/harmonize-bridge/internal/metrics"
	"github.com/juno-intents/harmonize-bridge/internal/owner"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
	"github.com/juno-intents/harmonize-bridge/internal/queue"
)

var (
	ErrInvalidConfig = errors.New("bridge: invalid config")
	ErrUnknownChain  = errors.New("bridge: unknown chain")
	// ErrNotAuthorized is the same sentinel the owner guard returns.
	ErrNotAuthorized = owner.ErrNotAuthorized
	// ErrSubmissionFailed is returned when a withdrawal's on-chain send failed after the debit.
	ErrSubmissionFailed     = errors.New("bridge: submission failed")
	ErrDestinationNotLinked = errors.New("bridge: destination not linked to account")
)

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultStepTimeout       = 2 * time.Minute
	DefaultBackoffBase       = time.Second
	DefaultBackoffMax        = 5 * time.Minute
	DefaultReconcileInterval = time.Minute
	DefaultTopic             = "bridge.ledger.v1"
	DefaultLeaseTTL          = 30 * time.Second
)

// EventSource is the per-chain log reader consumed by the watcher.
type EventSource interface {
	// Head returns the newest block with the given number of confirmations.
	Head(ctx context.Context, confirmations uint64) (uint64, error)
	// Fetch returns the bridge events in [from, to].
	Fetch(ctx context.Context, from, to uint64) ([]chainscan.Event, error)
}

// Withdrawer broadcasts withdrawals on one chain.
type Withdrawer interface {
	SendWithdrawal(ctx context.Context, t eth.Transfer) (eth.SendResult, error)
	Address() common.Address
}

// NetworkConfig holds the runtime tunables of one chain watcher.
type NetworkConfig struct {
	PollInterval   time.Duration
	Confirmations  uint64
	MaxBlockSpread uint64
}

func (nc NetworkConfig) withDefaults() NetworkConfig {
	if nc.PollInterval <= 0 {
		nc.PollInterval = DefaultPollInterval
	}
	if nc.MaxBlockSpread == 0 {
		nc.MaxBlockSpread = chainscan.DefaultMaxBlockSpread
	}
	return nc
}

type ChainConfig struct {
	ChainID  uint64
	Contract common.Address
	// StartBlock is the first block scanned when the chain has no cursor yet.
	StartBlock uint64

	Source     EventSource
	Withdrawer Withdrawer
	Network    NetworkConfig
}

type Config struct {
	Chains []ChainConfig

	Ledger  ledger.Store
	Cursors cursor.Store
	Links   *link.Registry
	Owner   *owner.Guard

	// Producer receives LedgerEvent records on Topic. Nil disables the feed.
	Producer queue.Producer
	Topic    string
	// Archive stores quarantined logs and withdrawal receipts. Nil discards them.
	Archive archive.Archive
	Metrics *metrics.Metrics

	// RequireLinkedDestination restricts withdrawals to addresses linked to the debited account.
	// By default any destination is allowed.
	RequireLinkedDestination bool

	// Leases, when set, lets only one instance per chain run the watcher. InstanceID names this
	// instance and defaults to a random UUID.
	Leases     leader.Store
	InstanceID string
	LeaseTTL   time.Duration

	StepTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ReconcileInterval time.Duration

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	NewID  func() string
	Logger *slog.Logger
}

type chain struct {
	cfg     ChainConfig
	watcher *Watcher

	mu      sync.RWMutex
	network NetworkConfig
}

// Service exposes the bridge operations and owns one watcher per chain.
type Service struct {
	cfg    Config
	log    *slog.Logger
	chains map[uint64]*chain
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Ledger == nil || cfg.Cursors == nil || cfg.Links == nil || cfg.Owner == nil {
		return nil, fmt.Errorf("%w: nil ledger/cursors/links/owner", ErrInvalidConfig)
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("%w: no chains", ErrInvalidConfig)
	}
	if cfg.Producer == nil {
		cfg.Producer = queue.NopProducer{}
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Archive == nil {
		cfg.Archive = archive.Discard{}
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = DefaultBackoffMax
		if cfg.BackoffMax < cfg.BackoffBase {
			cfg.BackoffMax = cfg.BackoffBase
		}
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Leases != nil && cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Service{cfg: cfg, log: log, chains: make(map[uint64]*chain, len(cfg.Chains))}
	for _, cc := range cfg.Chains {
		if cc.ChainID == 0 {
			return nil, fmt.Errorf("%w: zero chain id", ErrInvalidConfig)
		}
		if cc.Source == nil || cc.Withdrawer == nil {
			return nil, fmt.Errorf("%w: chain %d: nil source/withdrawer", ErrInvalidConfig, cc.ChainID)
		}
		if _, dup := s.chains[cc.ChainID]; dup {
			return nil, fmt.Errorf("%w: duplicate chain %d", ErrInvalidConfig, cc.ChainID)
		}
		c := &chain{cfg: cc, network: cc.Network.withDefaults()}
		c.watcher = newWatcher(s, c)
		if cfg.Leases != nil {
			e, err := leader.NewElector(cfg.Leases, fmt.Sprintf("watcher/%d", cc.ChainID), cfg.InstanceID, cfg.LeaseTTL, c.watcher.log)
			if err != nil {
				return nil, fmt.Errorf("%w: chain %d: %v", ErrInvalidConfig, cc.ChainID, err)
			}
			c.watcher.elector = e
		}
		s.chains[cc.ChainID] = c
	}
	return s, nil
}

// Run starts every chain watcher and the withdrawal reconciler, and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, c := range s.chains {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			_ = w.Run(ctx)
		}(c.watcher)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runReconciler(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (s *Service) chain(chainID uint64) (*chain, error) {
	c, ok := s.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return c, nil
}

// Watcher returns the watcher of a configured chain.
func (s *Service) Watcher(chainID uint64) (*Watcher, error) {
	c, err := s.chain(chainID)
	if err != nil {
		return nil, err
	}
	return c.watcher, nil
}

// Chains returns the configured chain ids in ascending order.
func (s *Service) Chains() []uint64 {
	out := make([]uint64, 0, len(s.chains))
	for id := range s.chains {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) BalanceOf(ctx context.Context, account principal.Principal, chainID uint64, asset common.Address) (*big.Int, error) {
	return s.cfg.Ledger.BalanceOf(ctx, ledger.Key{Account: account, ChainID: chainID, Asset: asset})
}

// Transfer moves amount between two internal accounts. Only the owner of the debited account may
// call it.
func (s *Service) Transfer(ctx context.Context, caller, from, to principal.Principal, chainID uint64, asset common.Address, amount *big.Int) error {
	if caller.Zero() || caller != from {
		return fmt.Errorf("%w: caller %s may not debit %s", ErrNotAuthorized, caller.Hex(), from.Hex())
	}
	if _, err := s.chain(chainID); err != nil {
		return err
	}
	if err := s.cfg.Ledger.Transfer(ctx, from, to, chainID, asset, amount); err != nil {
		return err
	}
	s.publish(ctx, LedgerEvent{
		Type:         EventTransfer,
		ID:           s.cfg.NewID(),
		ChainID:      chainID,
		Account:      from.Hex(),
		Counterparty: to.Hex(),
		Asset:        ledger.AssetString(asset),
		Amount:       amount.String(),
	})
	return nil
}

func (s *Service) SignInChallenge(ctx context.Context, addr common.Address) (string, error) {
	return s.cfg.Links.Challenge(ctx, addr)
}

func (s *Service) SignIn(ctx context.Context, caller principal.Principal, addr common.Address, sig []byte) error {
	return s.cfg.Links.SignIn(ctx, caller, addr, sig)
}

func (s *Service) HasAccess(ctx context.Context, p principal.Principal, addr common.Address) (bool, error) {
	return s.cfg.Links.HasAccess(ctx, p, addr)
}

func (s *Service) LinkedAddresses(ctx context.Context, p principal.Principal) ([]common.Address, error) {
	return s.cfg.Links.Linked(ctx, p)
}

func (s *Service) GetOwner(ctx context.Context) (principal.Principal, error) {
	return s.cfg.Owner.Owner(ctx)
}

func (s *Service) SetOwner(ctx context.Context, caller, next principal.Principal) error {
	return s.cfg.Owner.SetOwner(ctx, caller, next)
}

// SetNetworkConfig replaces a chain's watcher tunables. The watcher picks them up on its next
// iteration.
func (s *Service) SetNetworkConfig(ctx context.Context, caller principal.Principal, chainID uint64, nc NetworkConfig) error {
	if err := s.cfg.Owner.Authorize(ctx, caller); err != nil {
		return err
	}
	c, err := s.chain(chainID)
	if err != nil {
		return err
	}
	if nc.PollInterval <= 0 || nc.MaxBlockSpread == 0 {
		return fmt.Errorf("%w: poll interval and max block spread must be > 0", ErrInvalidConfig)
	}
	c.mu.Lock()
	c.network = nc
	c.mu.Unlock()
	s.log.Info("network config updated", "chain_id", chainID, "poll_interval", nc.PollInterval,
		"confirmations", nc.Confirmations, "max_block_spread", nc.MaxBlockSpread)
	return nil
}

func (s *Service) NetworkConfig(chainID uint64) (NetworkConfig, error) {
	c, err := s.chain(chainID)
	if err != nil {
		return NetworkConfig{}, err
	}
	return c.networkConfig(), nil
}

func (c *chain) networkConfig() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.network
}

// BridgeAddress returns the address that sends withdrawals on chainID.
func (s *Service) BridgeAddress(chainID uint64) (common.Address, error) {
	c, err := s.chain(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return c.cfg.Withdrawer.Address(), nil
}

func (s *Service) ContractAddress(chainID uint64) (common.Address, error) {
	c, err := s.chain(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return c.cfg.Contract, nil
}

// LastProcessedBlock returns the chain cursor, or StartBlock-1 before the first advance.
func (s *Service) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, error) {
	c, err := s.chain(chainID)
	if err != nil {
		return 0, err
	}
	b, ok, err := s.cfg.Cursors.Get(ctx, chainID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return c.initialCursor(), nil
	}
	return b, nil
}

func (c *chain) initialCursor() uint64 {
	if c.cfg.StartBlock == 0 {
		return 0
	}
	return c.cfg.StartBlock - 1
}

type ChainInfo struct {
	ChainID            uint64
	Contract           common.Address
	BridgeAddress      common.Address
	LastProcessedBlock uint64
	WatcherState       string
	Network            NetworkConfig
}

func (s *Service) ChainInfo(ctx context.Context, chainID uint64) (ChainInfo, error) {
	c, err := s.chain(chainID)
	if err != nil {
		return ChainInfo{}, err
	}
	last, err := s.LastProcessedBlock(ctx, chainID)
	if err != nil {
		return ChainInfo{}, err
	}
	return ChainInfo{
		ChainID:            chainID,
		Contract:           c.cfg.Contract,
		BridgeAddress:      c.cfg.Withdrawer.Address(),
		LastProcessedBlock: last,
		WatcherState:       c.watcher.State().String(),
		Network:            c.networkConfig(),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
