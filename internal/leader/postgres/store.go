package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/harmonize-bridge/internal/leader"
)

var ErrInvalidConfig = errors.New("leader/postgres: invalid config")

// Store keeps leases in Postgres. Expiry is judged by the database clock so replicas with
// skewed clocks agree on who holds a lease.
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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leader/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (leader.Lease, bool, error) {
	if name == "" || holder == "" || ttl <= 0 {
		return leader.Lease{}, false, leader.ErrInvalidInput
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bridge_leases (name, holder, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at,
			acquired_at = CASE WHEN bridge_leases.holder = EXCLUDED.holder THEN bridge_leases.acquired_at ELSE now() END,
			updated_at = now()
		WHERE bridge_leases.holder = EXCLUDED.holder OR bridge_leases.expires_at <= now()
		RETURNING expires_at
	`, name, holder, ttlMilliseconds(ttl)).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		var cur leader.Lease
		err := s.pool.QueryRow(ctx, `SELECT name, holder, expires_at FROM bridge_leases WHERE name = $1`, name).
			Scan(&cur.Name, &cur.Holder, &cur.ExpiresAt)
		if err != nil {
			return leader.Lease{}, false, fmt.Errorf("leader/postgres: read lease: %w", err)
		}
		return cur, false, nil
	}
	if err != nil {
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: acquire: %w", err)
	}
	return leader.Lease{Name: name, Holder: holder, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, name, holder string) error {
	if name == "" || holder == "" {
		return leader.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM bridge_leases WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("leader/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var cur string
	err = s.pool.QueryRow(ctx, `SELECT holder FROM bridge_leases WHERE name = $1`, name).Scan(&cur)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("leader/postgres: release: %w", err)
	default:
		return leader.ErrNotHolder
	}
}

func ttlMilliseconds(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

var _ leader.Store = (*Store)(nil)
