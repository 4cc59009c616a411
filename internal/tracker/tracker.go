// Package tracker answers payment status polls. Reads never take a lock and
// never change state.
package tracker

import (
	"context"
	"time"

	"github.com/punchamoorthee/smscredit/internal/domain"
)

type Reader interface {
	GetPayment(ctx context.Context, reference string) (domain.PaymentRecord, error)
}

type Snapshot struct {
	Reference    string               `json:"reference"`
	UserID       string               `json:"user_id"`
	Amount       int64                `json:"amount"`
	Currency     string               `json:"currency"`
	Status       domain.PaymentStatus `json:"status"`
	AttemptCount int                  `json:"attempt_count"`
	Settled      bool                 `json:"settled"`
	UpdatedAt    time.Time            `json:"updated_at"`
	CreditedAt   *time.Time           `json:"credited_at,omitempty"`
}

type Tracker struct {
	payments Reader
}

func New(payments Reader) *Tracker {
	return &Tracker{payments: payments}
}

// Status returns the current snapshot for reference, or domain.ErrNotFound.
func (t *Tracker) Status(ctx context.Context, reference string) (Snapshot, error) {
	rec, err := t.payments.GetPayment(ctx, reference)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Reference:    rec.Reference,
		UserID:       rec.UserID,
		Amount:       rec.Amount,
		Currency:     rec.Currency,
		Status:       rec.Status,
		AttemptCount: rec.AttemptCount,
		Settled:      rec.Status.Settled(),
		UpdatedAt:    rec.UpdatedAt,
		CreditedAt:   rec.CreditedAt,
	}, nil
}
