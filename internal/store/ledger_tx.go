package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/ledger"
)

const uniqueViolation = "23505"

type pgTx struct {
	tx pgx.Tx
}

// LockBalance creates the balance row on first use, then locks it until
// the transaction ends.
func (t *pgTx) LockBalance(ctx context.Context, userID string) (domain.Balance, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING",
		userID)
	if err != nil {
		return domain.Balance{}, err
	}

	b := domain.Balance{UserID: userID}
	err = t.tx.QueryRow(ctx,
		"SELECT balance, fence_token, updated_at FROM balances WHERE user_id = $1 FOR UPDATE",
		userID,
	).Scan(&b.Amount, &b.FenceToken, &b.UpdatedAt)
	if err != nil {
		return domain.Balance{}, err
	}
	return b, nil
}

func (t *pgTx) SaveBalance(ctx context.Context, userID string, amount, fenceToken int64, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE balances SET balance = $2, fence_token = $3, updated_at = $4 WHERE user_id = $1",
		userID, amount, fenceToken, at)
	return err
}

func (t *pgTx) FindEntry(ctx context.Context, userID string, kind domain.EntryKind, reference string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx,
		`SELECT id, user_id, delta, kind, balance_after, reference, fencing_token, created_at
		   FROM ledger_entries
		  WHERE kind = $1 AND reference = $2 AND ($3::text = '' OR user_id = $3)
		  LIMIT 1`,
		string(kind), reference, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (user_id, delta, kind, balance_after, reference, fencing_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		entry.UserID, entry.Delta, string(entry.Kind), entry.BalanceAfter, nullable(entry.Reference), entry.FencingToken, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ledger.ErrDuplicateEntry
		}
		return err
	}
	return nil
}

func (t *pgTx) TransitionPayment(ctx context.Context, tr ledger.PaymentTransition) (bool, error) {
	if err := domain.CheckTransition(tr.From, tr.To); err != nil {
		return false, err
	}
	var creditedAt *time.Time
	if tr.To == domain.PaymentCredited {
		creditedAt = &tr.At
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE payments SET status = $5, updated_at = $6, credited_at = COALESCE($7, credited_at)
		  WHERE reference = $1 AND user_id = $2 AND amount = $3 AND status = $4`,
		tr.Reference, tr.UserID, tr.Amount, string(tr.From), string(tr.To), tr.At, creditedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
