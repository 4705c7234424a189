package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/harmonize-bridge/internal/owner"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

var ErrInvalidConfig = errors.New("owner/postgres: invalid config")

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
		return fmt.Errorf("owner/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context) (principal.Principal, error) {
	if s == nil || s.pool == nil {
		return principal.Principal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var raw []byte
	if err := s.pool.QueryRow(ctx, `SELECT owner FROM bridge_owner WHERE id = 1`).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return principal.Principal{}, owner.ErrNotInitialized
		}
		return principal.Principal{}, fmt.Errorf("owner/postgres: get: %w", err)
	}
	return principal.FromBytes(raw)
}

func (s *Store) Init(ctx context.Context, initial principal.Principal) (principal.Principal, error) {
	if s == nil || s.pool == nil {
		return principal.Principal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if initial.Zero() {
		return principal.Principal{}, fmt.Errorf("%w: zero owner", owner.ErrInvalidInput)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO bridge_owner (id, owner) VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING
	`, initial[:]); err != nil {
		return principal.Principal{}, fmt.Errorf("owner/postgres: init: %w", err)
	}
	return s.Get(ctx)
}

func (s *Store) Swap(ctx context.Context, expect, next principal.Principal) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE bridge_owner SET owner = $2, updated_at = now()
		WHERE id = 1 AND owner = $1
	`, expect[:], next[:])
	if err != nil {
		return fmt.Errorf("owner/postgres: swap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx); err != nil {
			return err
		}
		return fmt.Errorf("%w: owner changed concurrently", owner.ErrNotAuthorized)
	}
	return nil
}

var _ owner.Store = (*Store)(nil)
