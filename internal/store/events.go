package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/smscredit/internal/domain"
)

func (s *Store) RecordEvent(ctx context.Context, ev domain.WebhookEvent) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, reference, signature_valid, received_at, processing_status, attempt_count, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.EventID, ev.Reference, ev.SignatureValid, ev.ReceivedAt, string(ev.ProcessingStatus), ev.AttemptCount, ev.Detail)
	return err
}

func (s *Store) UpdateEvent(ctx context.Context, id uuid.UUID, status domain.EventStatus, attempts int, detail string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE webhook_events SET processing_status = $2, attempt_count = $3, detail = $4 WHERE event_id = $1",
		id, string(status), attempts, detail)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	var (
		ev     domain.WebhookEvent
		status string
	)
	err := s.Db.QueryRow(ctx,
		`SELECT event_id, reference, signature_valid, received_at, processing_status, attempt_count, detail
		   FROM webhook_events WHERE event_id = $1`, id,
	).Scan(&ev.EventID, &ev.Reference, &ev.SignatureValid, &ev.ReceivedAt, &status, &ev.AttemptCount, &ev.Detail)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WebhookEvent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	ev.ProcessingStatus = domain.EventStatus(status)
	return ev, nil
}

// Dead letters.

const deadLetterColumns = `id, task_key, kind, payload, attempts, failures, created_at, replayed_at`

func (s *Store) PutDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	payload := []byte(dl.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	failures, err := json.Marshal(dl.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	_, err = s.Db.Exec(ctx,
		`INSERT INTO dead_letters (`+deadLetterColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		dl.ID, dl.TaskKey, dl.Kind, payload, dl.Attempts, failures, dl.CreatedAt, dl.ReplayedAt)
	return err
}

func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (domain.DeadLetter, error) {
	dl, err := scanDeadLetter(s.Db.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DeadLetter{}, domain.ErrNotFound
	}
	return dl, err
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Db.Query(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// MarkReplayed reports false if the dead letter was already replayed.
func (s *Store) MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		"UPDATE dead_letters SET replayed_at = $2 WHERE id = $1 AND replayed_at IS NULL", id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) HasOpenDeadLetter(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM dead_letters WHERE task_key = $1 AND replayed_at IS NULL)", key,
	).Scan(&exists)
	return exists, err
}

func scanDeadLetter(row pgx.Row) (domain.DeadLetter, error) {
	var (
		dl       domain.DeadLetter
		payload  []byte
		failures []byte
	)
	if err := row.Scan(&dl.ID, &dl.TaskKey, &dl.Kind, &payload, &dl.Attempts, &failures, &dl.CreatedAt, &dl.ReplayedAt); err != nil {
		return domain.DeadLetter{}, err
	}
	dl.Payload = json.RawMessage(payload)
	if err := json.Unmarshal(failures, &dl.Failures); err != nil {
		return domain.DeadLetter{}, fmt.Errorf("decode failures: %w", err)
	}
	return dl, nil
}

// Reconciliation queue.

func (s *Store) FlagReconciliation(ctx context.Context, item domain.ReconciliationItem) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO reconciliation_items (reference, reason, stored_amount, stored_currency, claimed_amount, claimed_currency, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.Reference, item.Reason, item.StoredAmount, item.StoredCurrency, item.ClaimedAmount, item.ClaimedCurrency, item.CreatedAt)
	return err
}

func (s *Store) ListReconciliation(ctx context.Context, limit int) ([]domain.ReconciliationItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Db.Query(ctx,
		`SELECT id, reference, reason, stored_amount, stored_currency, claimed_amount, claimed_currency, created_at, resolved_at
		   FROM reconciliation_items ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReconciliationItem
	for rows.Next() {
		var it domain.ReconciliationItem
		if err := rows.Scan(&it.ID, &it.Reference, &it.Reason, &it.StoredAmount, &it.StoredCurrency,
			&it.ClaimedAmount, &it.ClaimedCurrency, &it.CreatedAt, &it.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
