package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/punchamoorthee/smscredit/internal/domain"
)

const paymentColumns = `reference, user_id, amount, currency, status, fingerprint, attempt_count, created_at, updated_at, credited_at`

// execer is satisfied by both the pool and a pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertPayment reports false without error when the reference already exists.
func (s *Store) InsertPayment(ctx context.Context, rec domain.PaymentRecord) (bool, error) {
	return insertPayment(ctx, s.Db, rec)
}

func insertPayment(ctx context.Context, db execer, rec domain.PaymentRecord) (bool, error) {
	tag, err := db.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (reference) DO NOTHING`,
		rec.Reference, rec.UserID, rec.Amount, rec.Currency, string(rec.Status), rec.Fingerprint,
		rec.AttemptCount, rec.CreatedAt, rec.UpdatedAt, rec.CreditedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetPayment(ctx context.Context, reference string) (domain.PaymentRecord, error) {
	rec, err := scanPayment(s.Db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentRecord{}, domain.ErrNotFound
	}
	return rec, err
}

// AdvancePayment moves reference from one status to another only if it is
// still in from. Entering verifying counts as a processing attempt.
func (s *Store) AdvancePayment(ctx context.Context, reference string, from, to domain.PaymentStatus, at time.Time) (bool, error) {
	return advancePayment(ctx, s.Db, reference, from, to, at)
}

// FailPayment walks a pending or verifying payment through verifying to
// failed in one transaction.
func (s *Store) FailPayment(ctx context.Context, reference string, from domain.PaymentStatus, at time.Time) (bool, error) {
	var moved bool
	err := pgx.BeginFunc(ctx, s.Db, func(tx pgx.Tx) error {
		if from == domain.PaymentPending {
			ok, err := advancePayment(ctx, tx, reference, domain.PaymentPending, domain.PaymentVerifying, at)
			if err != nil || !ok {
				return err
			}
		}
		ok, err := advancePayment(ctx, tx, reference, domain.PaymentVerifying, domain.PaymentFailed, at)
		moved = ok
		return err
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

// InsertFailedPayment records a payment first seen as failed: it is inserted
// as verifying and moved to failed before the transaction commits.
func (s *Store) InsertFailedPayment(ctx context.Context, rec domain.PaymentRecord) (bool, error) {
	var inserted bool
	err := pgx.BeginFunc(ctx, s.Db, func(tx pgx.Tx) error {
		rec.Status = domain.PaymentVerifying
		ok, err := insertPayment(ctx, tx, rec)
		if err != nil || !ok {
			return err
		}
		inserted, err = advancePayment(ctx, tx, rec.Reference, domain.PaymentVerifying, domain.PaymentFailed, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func advancePayment(ctx context.Context, db execer, reference string, from, to domain.PaymentStatus, at time.Time) (bool, error) {
	if err := domain.CheckTransition(from, to); err != nil {
		return false, err
	}
	inc := 0
	if to == domain.PaymentVerifying {
		inc = 1
	}
	tag, err := db.Exec(ctx,
		`UPDATE payments SET status = $3, updated_at = $4, attempt_count = attempt_count + $5
		  WHERE reference = $1 AND status = $2`,
		reference, string(from), string(to), at, inc)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClaimAttempt(ctx context.Context, reference string, at time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE payments SET attempt_count = attempt_count + 1, updated_at = $2
		  WHERE reference = $1 AND status = 'verifying'`,
		reference, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) HasLedgerEntry(ctx context.Context, kind domain.EntryKind, reference string) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE kind = $1 AND reference = $2)",
		string(kind), reference).Scan(&exists)
	return exists, err
}

func (s *Store) StuckPayments(ctx context.Context, before time.Time, limit int) ([]domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		  WHERE status = 'verifying' AND updated_at < $1
		  ORDER BY updated_at LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (domain.PaymentRecord, error) {
	var (
		rec    domain.PaymentRecord
		status string
	)
	err := row.Scan(&rec.Reference, &rec.UserID, &rec.Amount, &rec.Currency, &status, &rec.Fingerprint,
		&rec.AttemptCount, &rec.CreatedAt, &rec.UpdatedAt, &rec.CreditedAt)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	rec.Status = domain.PaymentStatus(status)
	return rec, nil
}
