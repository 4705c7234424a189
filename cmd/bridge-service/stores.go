package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/harmonize-bridge/internal/cursor"
	cursorpg "github.com/juno-intents/harmonize-bridge/internal/cursor/postgres"
	"github.com/juno-intents/harmonize-bridge/internal/leader"
	leaderpg "github.com/juno-intents/harmonize-bridge/internal/leader/postgres"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
	ledgerleveldb "github.com/juno-intents/harmonize-bridge/internal/ledger/leveldb"
	ledgerpg "github.com/juno-intents/harmonize-bridge/internal/ledger/postgres"
	"github.com/juno-intents/harmonize-bridge/internal/link"
	linkpg "github.com/juno-intents/harmonize-bridge/internal/link/postgres"
	linkredis "github.com/juno-intents/harmonize-bridge/internal/link/redis"
	"github.com/juno-intents/harmonize-bridge/internal/owner"
	ownerpg "github.com/juno-intents/harmonize-bridge/internal/owner/postgres"
	goredis "github.com/redis/go-redis/v9"
)

const (
	storeDriverPostgres = "postgres"
	storeDriverLevelDB  = "leveldb"
	storeDriverMemory   = "memory"

	challengeStoreMemory = "memory"
	challengeStoreRedis  = "redis"
)

type storeConfig struct {
	Driver      string
	PostgresDSN string
	LevelDBPath string
}

func (c storeConfig) validate() error {
	switch c.Driver {
	case storeDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("--store-driver=postgres requires a DSN in --postgres-dsn-env")
		}
	case storeDriverLevelDB:
		if strings.TrimSpace(c.LevelDBPath) == "" {
			return fmt.Errorf("--store-driver=leveldb requires --leveldb-path")
		}
	case storeDriverMemory:
	default:
		return fmt.Errorf("unsupported --store-driver %q (postgres|leveldb|memory)", c.Driver)
	}
	return nil
}

// stores is the persistence set of one bridge service. Links and the owner record live in
// postgres under the postgres driver and in memory otherwise. Leases is only set for postgres,
// the one driver several replicas can share.
type stores struct {
	Ledger  ledger.Store
	Cursors cursor.Store
	Links   link.Store
	Owner   owner.Store
	Leases  leader.Store

	close func()
}

func (s *stores) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

func openStores(ctx context.Context, cfg storeConfig, log *slog.Logger) (*stores, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case storeDriverPostgres:
		return openPostgresStores(ctx, cfg.PostgresDSN)
	case storeDriverLevelDB:
		db, err := ledgerleveldb.Open(cfg.LevelDBPath)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		log.Warn("links and owner are kept in memory with the leveldb store driver")
		return &stores{
			Ledger:  db,
			Cursors: db.Cursors(),
			Links:   link.NewMemoryStore(),
			Owner:   owner.NewMemoryStore(),
			close:   func() { _ = db.Close() },
		}, nil
	default:
		log.Warn("memory store driver: all state is lost on exit")
		return &stores{
			Ledger:  ledger.NewMemoryStore(time.Now),
			Cursors: cursor.NewMemoryStore(),
			Links:   link.NewMemoryStore(),
			Owner:   owner.NewMemoryStore(),
		}, nil
	}
}

type schemaStore interface {
	EnsureSchema(ctx context.Context) error
}

func openPostgresStores(ctx context.Context, dsn string) (*stores, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("init pgx pool: %w", err)
	}

	ledgerStore, err := ledgerpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init ledger store: %w", err)
	}
	cursorStore, err := cursorpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init cursor store: %w", err)
	}
	linkStore, err := linkpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init link store: %w", err)
	}
	ownerStore, err := ownerpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init owner store: %w", err)
	}
	leaseStore, err := leaderpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init lease store: %w", err)
	}

	for name, s := range map[string]schemaStore{
		"ledger": ledgerStore,
		"cursor": cursorStore,
		"link":   linkStore,
		"owner":  ownerStore,
		"lease":  leaseStore,
	} {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure %s schema: %w", name, err)
		}
	}

	return &stores{
		Ledger:  ledgerStore,
		Cursors: cursorStore,
		Links:   linkStore,
		Owner:   ownerStore,
		Leases:  leaseStore,
		close:   pool.Close,
	}, nil
}

type challengeConfig struct {
	Driver     string
	RedisAddrs []string
	Prefix     string
	TTL        time.Duration
}

func openChallengeStore(ctx context.Context, cfg challengeConfig) (link.ChallengeStore, func(), error) {
	switch cfg.Driver {
	case challengeStoreMemory:
		return link.NewMemoryChallengeStore(cfg.TTL, time.Now), func() {}, nil
	case challengeStoreRedis:
		if len(cfg.RedisAddrs) == 0 {
			return nil, nil, fmt.Errorf("--challenge-store=redis requires --redis-addrs")
		}
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: cfg.RedisAddrs})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		store, err := linkredis.NewChallengeStore(client, cfg.Prefix, cfg.TTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported --challenge-store %q (memory|redis)", cfg.Driver)
	}
}
