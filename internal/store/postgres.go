package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/ledger"
)

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// WithinTx runs fn in a READ COMMITTED transaction. Serialization of balance
// writes comes from the row lock taken by LockBalance, so the stricter
// isolation levels would only add serialization failures after FOR UPDATE.
func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// GetBalance returns a zero balance for users that never had an entry.
func (s *Store) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID}
	err := s.Db.QueryRow(ctx,
		"SELECT balance, fence_token, updated_at FROM balances WHERE user_id = $1",
		userID,
	).Scan(&b.Amount, &b.FenceToken, &b.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.Balance{}, err
	}
	return b, nil
}

// ListEntries returns the user's most recent entries first.
func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Db.Query(ctx,
		`SELECT id, user_id, delta, kind, balance_after, reference, fencing_token, created_at
		   FROM ledger_entries WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		e    domain.LedgerEntry
		kind string
		ref  *string
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.Delta, &kind, &e.BalanceAfter, &ref, &e.FencingToken, &e.CreatedAt); err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Kind = domain.EntryKind(kind)
	if ref != nil {
		e.Reference = *ref
	}
	return e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
