package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/harmonize-bridge/internal/ledger"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

const uniqueViolation = "23505"

// Store is a Postgres ledger. Each mutation runs in one transaction and row-locks the balance
// entries it touches, in a fixed order.
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
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Credit(ctx context.Context, key ledger.Key, amount *big.Int) (*big.Int, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := ledger.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}

	var out *big.Int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalance(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := ledger.AddChecked(bal, amount)
		if err != nil {
			return err
		}
		out = next
		return writeBalance(ctx, tx, key, next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Debit(ctx context.Context, key ledger.Key, amount *big.Int) (*big.Int, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := ledger.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}

	var out *big.Int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalance(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := ledger.SubChecked(bal, amount)
		if err != nil {
			return err
		}
		out = next
		return writeBalance(ctx, tx, key, next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Transfer(ctx context.Context, from, to principal.Principal, chainID uint64, asset common.Address, amount *big.Int) error {
	if err := s.check(); err != nil {
		return err
	}
	fromKey := ledger.Key{Account: from, ChainID: chainID, Asset: asset}
	toKey := ledger.Key{Account: to, ChainID: chainID, Asset: asset}
	if err := ledger.ValidateKey(fromKey); err != nil {
		return err
	}
	if err := ledger.ValidateKey(toKey); err != nil {
		return err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		// Lock in account order so opposite transfers cannot deadlock.
		first, second := fromKey, toKey
		if bytes.Compare(first.Account[:], second.Account[:]) > 0 {
			first, second = second, first
		}
		bals := make(map[principal.Principal]*big.Int, 2)
		for _, k := range []ledger.Key{first, second} {
			if _, ok := bals[k.Account]; ok {
				continue
			}
			bal, err := lockBalance(ctx, tx, k)
			if err != nil {
				return err
			}
			bals[k.Account] = bal
		}

		fromBal, err := ledger.SubChecked(bals[from], amount)
		if err != nil {
			return err
		}
		bals[from] = fromBal
		toBal, err := ledger.AddChecked(bals[to], amount)
		if err != nil {
			return err
		}
		bals[to] = toBal

		if err := writeBalance(ctx, tx, fromKey, bals[from]); err != nil {
			return err
		}
		if from == to {
			return nil
		}
		return writeBalance(ctx, tx, toKey, bals[to])
	})
}

func (s *Store) BalanceOf(ctx context.Context, key ledger.Key) (*big.Int, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	chain, err := chainArg(key.ChainID)
	if err != nil {
		return nil, err
	}

	var raw string
	err = s.pool.QueryRow(ctx, `
		SELECT amount::text
		FROM ledger_balances
		WHERE account = $1 AND chain_id = $2 AND asset = $3
	`, key.Account[:], chain, key.Asset[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("ledger/postgres: balance: %w", err)
	}
	return parseAmount(raw)
}

func (s *Store) ApplyDeposit(ctx context.Context, d ledger.Deposit) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if err := ledger.ValidateKey(d.Key); err != nil {
		return false, err
	}
	if d.Key.ChainID != d.Ref.ChainID {
		return false, fmt.Errorf("%w: deposit chain %d != event chain %d", ledger.ErrInvalidInput, d.Key.ChainID, d.Ref.ChainID)
	}
	if err := ledger.ValidateAmount(d.Amount); err != nil {
		return false, err
	}

	applied := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		inserted, err := insertProcessed(ctx, tx, ledger.ProcessedEvent{
			Ref:         d.Ref,
			BlockNumber: d.BlockNumber,
			Outcome:     ledger.OutcomeApplied,
		})
		if err != nil || !inserted {
			return err
		}
		bal, err := lockBalance(ctx, tx, d.Key)
		if err != nil {
			return err
		}
		next, err := ledger.AddChecked(bal, d.Amount)
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, d.Key, next); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) Quarantine(ctx context.Context, ev ledger.ProcessedEvent) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if ev.Ref.ChainID == 0 {
		return false, fmt.Errorf("%w: zero chain id", ledger.ErrInvalidInput)
	}
	ev.Outcome = ledger.OutcomeQuarantined

	var inserted bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		inserted, err = insertProcessed(ctx, tx, ev)
		return err
	})
	return inserted, err
}

func (s *Store) Processed(ctx context.Context, ref ledger.EventRef) (ledger.ProcessedEvent, bool, error) {
	if err := s.check(); err != nil {
		return ledger.ProcessedEvent{}, false, err
	}
	chain, err := chainArg(ref.ChainID)
	if err != nil {
		return ledger.ProcessedEvent{}, false, err
	}

	var (
		block   int64
		outcome int16
		reason  string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT block_number, outcome, reason
		FROM ledger_processed_events
		WHERE chain_id = $1 AND tx_hash = $2 AND log_index = $3
	`, chain, ref.TxHash[:], int64(ref.LogIndex)).Scan(&block, &outcome, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ProcessedEvent{}, false, nil
		}
		return ledger.ProcessedEvent{}, false, fmt.Errorf("ledger/postgres: processed: %w", err)
	}
	return ledger.ProcessedEvent{
		Ref:         ref,
		BlockNumber: uint64(block),
		Outcome:     ledger.Outcome(outcome),
		Reason:      reason,
	}, true, nil
}

func (s *Store) BeginWithdrawal(ctx context.Context, w ledger.Withdrawal) (ledger.Withdrawal, error) {
	if err := s.check(); err != nil {
		return ledger.Withdrawal{}, err
	}
	if err := ledger.ValidateWithdrawal(w); err != nil {
		return ledger.Withdrawal{}, err
	}
	chain, err := chainArg(w.Key.ChainID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalance(ctx, tx, w.Key)
		if err != nil {
			return err
		}
		next, err := ledger.SubChecked(bal, w.Amount)
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, w.Key, next); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_withdrawals (
				id, account, chain_id, asset, destination, amount, state, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		`, w.ID, w.Key.Account[:], chain, w.Key.Asset[:], w.Destination[:], numeric(w.Amount), int16(ledger.WithdrawalPending))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: duplicate withdrawal id %s", ledger.ErrInvalidInput, w.ID)
			}
			return fmt.Errorf("ledger/postgres: insert withdrawal: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	return s.GetWithdrawal(ctx, w.ID)
}

func (s *Store) CompleteWithdrawal(ctx context.Context, id string, txHash common.Hash) (ledger.Withdrawal, error) {
	if (txHash == common.Hash{}) {
		return ledger.Withdrawal{}, fmt.Errorf("%w: zero tx hash", ledger.ErrInvalidInput)
	}
	return s.transition(ctx, id, ledger.WithdrawalSent, func(ctx context.Context, tx pgx.Tx, w ledger.Withdrawal, repeat bool) error {
		if repeat {
			if w.TxHash != txHash {
				return fmt.Errorf("%w: already sent as %s", ledger.ErrInvalidTransition, w.TxHash)
			}
			return nil
		}
		_, err := tx.Exec(ctx, `
			UPDATE ledger_withdrawals
			SET state = $2, tx_hash = $3, updated_at = now()
			WHERE id = $1
		`, id, int16(ledger.WithdrawalSent), txHash[:])
		if err != nil {
			return fmt.Errorf("ledger/postgres: complete withdrawal: %w", err)
		}
		return nil
	})
}

func (s *Store) FailWithdrawal(ctx context.Context, id string, reason string) (ledger.Withdrawal, error) {
	return s.transition(ctx, id, ledger.WithdrawalFailed, func(ctx context.Context, tx pgx.Tx, _ ledger.Withdrawal, repeat bool) error {
		if repeat {
			return nil
		}
		_, err := tx.Exec(ctx, `
			UPDATE ledger_withdrawals
			SET state = $2, reason = $3, updated_at = now()
			WHERE id = $1
		`, id, int16(ledger.WithdrawalFailed), reason)
		if err != nil {
			return fmt.Errorf("ledger/postgres: fail withdrawal: %w", err)
		}
		return nil
	})
}

func (s *Store) RefundWithdrawal(ctx context.Context, id string, reason string) (ledger.Withdrawal, error) {
	return s.transition(ctx, id, ledger.WithdrawalRefunded, func(ctx context.Context, tx pgx.Tx, w ledger.Withdrawal, repeat bool) error {
		if repeat {
			return nil
		}
		bal, err := lockBalance(ctx, tx, w.Key)
		if err != nil {
			return err
		}
		next, err := ledger.AddChecked(bal, w.Amount)
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, w.Key, next); err != nil {
			return err
		}
		if reason == "" {
			reason = w.Reason
		}
		_, err = tx.Exec(ctx, `
			UPDATE ledger_withdrawals
			SET state = $2, reason = $3, updated_at = now()
			WHERE id = $1
		`, id, int16(ledger.WithdrawalRefunded), reason)
		if err != nil {
			return fmt.Errorf("ledger/postgres: refund withdrawal: %w", err)
		}
		return nil
	})
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (ledger.Withdrawal, error) {
	if err := s.check(); err != nil {
		return ledger.Withdrawal{}, err
	}
	w, err := scanWithdrawal(s.pool.QueryRow(ctx, selectWithdrawalSQL+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Withdrawal{}, ledger.ErrNotFound
		}
		return ledger.Withdrawal{}, fmt.Errorf("ledger/postgres: get withdrawal: %w", err)
	}
	return w, nil
}

func (s *Store) ListWithdrawals(ctx context.Context, state ledger.WithdrawalState, limit int) ([]ledger.Withdrawal, error) {
	return s.ListWithdrawalsAfter(ctx, state, "", limit)
}

func (s *Store) ListWithdrawalsAfter(ctx context.Context, state ledger.WithdrawalState, after string, limit int) ([]ledger.Withdrawal, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var (
		rows pgx.Rows
		err  error
	)
	if after == "" {
		rows, err = s.pool.Query(ctx, selectWithdrawalSQL+`
			WHERE state = $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		`, int16(state), limit)
	} else {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_withdrawals WHERE id = $1)`, after).Scan(&exists); err != nil {
			return nil, fmt.Errorf("ledger/postgres: list withdrawals cursor: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: unknown cursor %q", ledger.ErrInvalidInput, after)
		}
		rows, err = s.pool.Query(ctx, selectWithdrawalSQL+`
			WHERE state = $1
			  AND (created_at, id) > (SELECT created_at, id FROM ledger_withdrawals WHERE id = $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $3
		`, int16(state), after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list withdrawals: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Withdrawal, 0, limit)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan withdrawal row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list withdrawals rows: %w", err)
	}
	return out, nil
}

type transitionFunc func(ctx context.Context, tx pgx.Tx, cur ledger.Withdrawal, repeat bool) error

func (s *Store) transition(ctx context.Context, id string, next ledger.WithdrawalState, fn transitionFunc) (ledger.Withdrawal, error) {
	if err := s.check(); err != nil {
		return ledger.Withdrawal{}, err
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanWithdrawal(tx.QueryRow(ctx, selectWithdrawalSQL+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ledger.ErrNotFound
			}
			return fmt.Errorf("ledger/postgres: lock withdrawal: %w", err)
		}
		repeat, err := ledger.CheckWithdrawalTransition(cur.State, next)
		if err != nil {
			return err
		}
		return fn(ctx, tx, cur, repeat)
	})
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	return s.GetWithdrawal(ctx, id)
}

func (s *Store) check() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return nil
}

// lockBalance materializes the entry at zero if absent and returns its row-locked amount.
// A rolled-back transaction leaves no zero row behind.
func lockBalance(ctx context.Context, tx pgx.Tx, key ledger.Key) (*big.Int, error) {
	chain, err := chainArg(key.ChainID)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_balances (account, chain_id, asset, amount, updated_at)
		VALUES ($1,$2,$3,0,now())
		ON CONFLICT (account, chain_id, asset) DO NOTHING
	`, key.Account[:], chain, key.Asset[:])
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: ensure balance row: %w", err)
	}

	var raw string
	err = tx.QueryRow(ctx, `
		SELECT amount::text
		FROM ledger_balances
		WHERE account = $1 AND chain_id = $2 AND asset = $3
		FOR UPDATE
	`, key.Account[:], chain, key.Asset[:]).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: lock balance: %w", err)
	}
	return parseAmount(raw)
}

func writeBalance(ctx context.Context, tx pgx.Tx, key ledger.Key, amount *big.Int) error {
	chain, err := chainArg(key.ChainID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE ledger_balances
		SET amount = $4, updated_at = now()
		WHERE account = $1 AND chain_id = $2 AND asset = $3
	`, key.Account[:], chain, key.Asset[:], numeric(amount))
	if err != nil {
		return fmt.Errorf("ledger/postgres: write balance: %w", err)
	}
	return nil
}

func insertProcessed(ctx context.Context, tx pgx.Tx, ev ledger.ProcessedEvent) (bool, error) {
	chain, err := chainArg(ev.Ref.ChainID)
	if err != nil {
		return false, err
	}
	if ev.BlockNumber > math.MaxInt64 {
		return false, fmt.Errorf("%w: block number too large", ledger.ErrInvalidInput)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_processed_events (chain_id, tx_hash, log_index, block_number, outcome, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, chain, ev.Ref.TxHash[:], int64(ev.Ref.LogIndex), int64(ev.BlockNumber), int16(ev.Outcome), ev.Reason)
	if err != nil {
		return false, fmt.Errorf("ledger/postgres: insert processed event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const selectWithdrawalSQL = `
	SELECT id, account, chain_id, asset, destination, amount::text, state, tx_hash, reason, created_at, updated_at
	FROM ledger_withdrawals`

func scanWithdrawal(row pgx.Row) (ledger.Withdrawal, error) {
	var (
		id             string
		accountRaw     []byte
		chain          int64
		assetRaw       []byte
		destinationRaw []byte
		amountRaw      string
		state          int16
		txHashRaw      []byte
		reason         string
		createdAt      time.Time
		updatedAt      time.Time
	)
	if err := row.Scan(&id, &accountRaw, &chain, &assetRaw, &destinationRaw, &amountRaw, &state, &txHashRaw, &reason, &createdAt, &updatedAt); err != nil {
		return ledger.Withdrawal{}, err
	}

	account, err := principal.FromBytes(accountRaw)
	if err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/postgres: account: %w", err)
	}
	if len(assetRaw) != common.AddressLength || len(destinationRaw) != common.AddressLength {
		return ledger.Withdrawal{}, fmt.Errorf("ledger/postgres: expected 20-byte addresses")
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	w := ledger.Withdrawal{
		ID: id,
		Key: ledger.Key{
			Account: account,
			ChainID: uint64(chain),
			Asset:   common.BytesToAddress(assetRaw),
		},
		Destination: common.BytesToAddress(destinationRaw),
		Amount:      amount,
		State:       ledger.WithdrawalState(state),
		Reason:      reason,
		CreatedAt:   createdAt.UTC(),
		UpdatedAt:   updatedAt.UTC(),
	}
	if txHashRaw != nil {
		if len(txHashRaw) != common.HashLength {
			return ledger.Withdrawal{}, fmt.Errorf("ledger/postgres: expected 32-byte tx hash, got %d", len(txHashRaw))
		}
		w.TxHash = common.BytesToHash(txHashRaw)
	}
	return w, nil
}

func chainArg(chainID uint64) (int64, error) {
	if chainID == 0 || chainID > math.MaxInt64 {
		return 0, fmt.Errorf("%w: chain id %d out of range", ledger.ErrInvalidInput, chainID)
	}
	return int64(chainID), nil
}

func numeric(v *big.Int) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).Set(v), Exp: 0, Valid: true}
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("ledger/postgres: bad amount %q in db", raw)
	}
	return v, nil
}

var _ ledger.Store = (*Store)(nil)
