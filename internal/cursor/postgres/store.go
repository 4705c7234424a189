package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/harmonize-bridge/internal/cursor"
)

var ErrInvalidConfig = errors.New("cursor/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("cursor/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, chainID uint64) (uint64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if chainID == 0 || chainID > math.MaxInt64 {
		return 0, false, fmt.Errorf("%w: chain id %d", cursor.ErrInvalidInput, chainID)
	}

	var block int64
	err := s.pool.QueryRow(ctx, `
		SELECT block_number FROM chain_cursors WHERE chain_id = $1
	`, int64(chainID)).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("cursor/postgres: get: %w", err)
	}
	return uint64(block), true, nil
}

func (s *Store) Advance(ctx context.Context, chainID uint64, block uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if chainID == 0 || chainID > math.MaxInt64 || block > math.MaxInt64 {
		return fmt.Errorf("%w: chain id %d block %d", cursor.ErrInvalidInput, chainID, block)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chain_cursors (chain_id, block_number, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain_id) DO UPDATE
		SET block_number = EXCLUDED.block_number, updated_at = now()
		WHERE chain_cursors.block_number <= EXCLUDED.block_number
	`, int64(chainID), int64(block))
	if err != nil {
		return fmt.Errorf("cursor/postgres: advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, _, err := s.Get(ctx, chainID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: chain %d at %d, got %d", cursor.ErrRegression, chainID, cur, block)
	}
	return nil
}

var _ cursor.Store = (*Store)(nil)
