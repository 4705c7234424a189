package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/harmonize-bridge/internal/link"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

var ErrInvalidConfig = errors.New("link/postgres: invalid config")

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
		return fmt.Errorf("link/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Bind(ctx context.Context, l link.Link) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if (l.Address == common.Address{}) || l.Principal.Zero() {
		return fmt.Errorf("%w: zero address or principal", link.ErrInvalidInput)
	}
	linkedAt := l.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_links (address, principal, linked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
		SET principal = EXCLUDED.principal, linked_at = EXCLUDED.linked_at
	`, l.Address[:], l.Principal[:], linkedAt)
	if err != nil {
		return fmt.Errorf("link/postgres: bind: %w", err)
	}
	return nil
}

func (s *Store) Unbind(ctx context.Context, addr common.Address) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM account_links WHERE address = $1`, addr[:]); err != nil {
		return fmt.Errorf("link/postgres: unbind: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, addr common.Address) (link.Link, error) {
	if s == nil || s.pool == nil {
		return link.Link{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT address, principal, linked_at FROM account_links WHERE address = $1
	`, addr[:])
	l, err := scanLink(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return link.Link{}, link.ErrNotFound
		}
		return link.Link{}, fmt.Errorf("link/postgres: get: %w", err)
	}
	return l, nil
}

func (s *Store) ListByPrincipal(ctx context.Context, p principal.Principal) ([]link.Link, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT address, principal, linked_at FROM account_links
		WHERE principal = $1
		ORDER BY address
	`, p[:])
	if err != nil {
		return nil, fmt.Errorf("link/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []link.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("link/postgres: list: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("link/postgres: list: %w", err)
	}
	return out, nil
}

func scanLink(row pgx.Row) (link.Link, error) {
	var (
		addrRaw []byte
		pRaw    []byte
		l       link.Link
	)
	if err := row.Scan(&addrRaw, &pRaw, &l.LinkedAt); err != nil {
		return link.Link{}, err
	}
	if len(addrRaw) != common.AddressLength {
		return link.Link{}, fmt.Errorf("address length %d", len(addrRaw))
	}
	p, err := principal.FromBytes(pRaw)
	if err != nil {
		return link.Link{}, err
	}
	l.Address = common.BytesToAddress(addrRaw)
	l.Principal = p
	l.LinkedAt = l.LinkedAt.UTC()
	return l, nil
}

var _ link.Store = (*Store)(nil)
