// Package idempotency decides, per payment reference, whether a notification
// may proceed to crediting. The decision is a single atomic insert-if-absent
// or compare-and-set against the payment record, never a read-then-write.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
)

var (
	ErrUnknownReference  = errors.New("unknown payment reference")
	ErrReferenceConflict = errors.New("payment reference already opened with different data")
	ErrInvalidClaim      = errors.New("invalid claim")
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "idempotency_decisions_total",
	Help: "Idempotency guard decisions by outcome",
}, []string{"outcome"})

type Outcome string

const (
	Granted          Outcome = "granted"
	AlreadyProcessed Outcome = "already_processed"
	AmountMismatch   Outcome = "amount_mismatch"
)

// Claim is a request to process the payment identified by Reference.
// Retry marks claims issued by the retry dispatcher or the sweeper for a
// record the pipeline already owns.
type Claim struct {
	Reference string
	UserID    string
	Amount    int64
	Currency  string
	Retry     bool
}

type Decision struct {
	Outcome Outcome
	Record  domain.PaymentRecord
	// Reason is set for AmountMismatch and names the differing field.
	Reason string
}

// Store is the payment-record surface the guard needs. InsertPayment must
// be an atomic insert-if-absent; AdvancePayment and ClaimAttempt must be
// compare-and-set on the current status and reject illegal transitions.
type Store interface {
	InsertPayment(ctx context.Context, rec domain.PaymentRecord) (bool, error)
	GetPayment(ctx context.Context, reference string) (domain.PaymentRecord, error)
	AdvancePayment(ctx context.Context, reference string, from, to domain.PaymentStatus, at time.Time) (bool, error)
	// FailPayment moves a pending or verifying record to failed by way of
	// verifying, atomically. It reports false if the record was not in from.
	FailPayment(ctx context.Context, reference string, from domain.PaymentStatus, at time.Time) (bool, error)
	// InsertFailedPayment inserts rec as verifying and moves it to failed in
	// one step. It reports false if the reference already exists.
	InsertFailedPayment(ctx context.Context, rec domain.PaymentRecord) (bool, error)
	ClaimAttempt(ctx context.Context, reference string, at time.Time) (bool, error)
	HasLedgerEntry(ctx context.Context, kind domain.EntryKind, reference string) (bool, error)
	StuckPayments(ctx context.Context, before time.Time, limit int) ([]domain.PaymentRecord, error)
}

type Guard struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewGuard(store Store, logger *zap.Logger) *Guard {
	return &Guard{store: store, logger: logger, now: time.Now}
}

// Reserve atomically claims the right to credit c.Reference.
func (g *Guard) Reserve(ctx context.Context, c Claim) (Decision, error) {
	if c.Reference == "" || c.Amount <= 0 {
		return Decision{}, fmt.Errorf("%w: reference and positive amount required", ErrInvalidClaim)
	}
	fp := domain.Fingerprint(c.Reference, c.Amount)
	now := g.now().UTC()

	if c.UserID != "" {
		rec := domain.PaymentRecord{
			Reference:    c.Reference,
			UserID:       c.UserID,
			Amount:       c.Amount,
			Currency:     strings.ToUpper(c.Currency),
			Status:       domain.PaymentVerifying,
			Fingerprint:  fp,
			AttemptCount: 1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		inserted, err := g.store.InsertPayment(ctx, rec)
		if err != nil {
			return Decision{}, fmt.Errorf("insert payment: %w", err)
		}
		if inserted {
			return g.decide(Decision{Outcome: Granted, Record: rec}), nil
		}
	}

	rec, err := g.store.GetPayment(ctx, c.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Decision{}, ErrUnknownReference
		}
		return Decision{}, fmt.Errorf("get payment: %w", err)
	}

	if reason := mismatch(rec, c, fp); reason != "" {
		g.logger.Warn("payment notification does not match stored record",
			zap.String("reference", c.Reference),
			zap.String("reason", reason),
			zap.Int64("stored_amount", rec.Amount),
			zap.Int64("claimed_amount", c.Amount),
		)
		return g.decide(Decision{Outcome: AmountMismatch, Record: rec, Reason: reason}), nil
	}

	switch rec.Status {
	case domain.PaymentPending:
		ok, err := g.store.AdvancePayment(ctx, c.Reference, domain.PaymentPending, domain.PaymentVerifying, now)
		if err != nil {
			return Decision{}, fmt.Errorf("advance payment: %w", err)
		}
		return g.reload(ctx, c.Reference, ok)

	case domain.PaymentVerifying:
		if !c.Retry {
			return g.decide(Decision{Outcome: AlreadyProcessed, Record: rec}), nil
		}
		credited, err := g.store.HasLedgerEntry(ctx, domain.KindCredit, c.Reference)
		if err != nil {
			return Decision{}, fmt.Errorf("check ledger: %w", err)
		}
		if credited {
			return g.decide(Decision{Outcome: AlreadyProcessed, Record: rec}), nil
		}
		ok, err := g.store.ClaimAttempt(ctx, c.Reference, now)
		if err != nil {
			return Decision{}, fmt.Errorf("claim attempt: %w", err)
		}
		return g.reload(ctx, c.Reference, ok)

	default:
		return g.decide(Decision{Outcome: AlreadyProcessed, Record: rec}), nil
	}
}

func (g *Guard) reload(ctx context.Context, reference string, won bool) (Decision, error) {
	rec, err := g.store.GetPayment(ctx, reference)
	if err != nil {
		return Decision{}, fmt.Errorf("get payment: %w", err)
	}
	if won {
		return g.decide(Decision{Outcome: Granted, Record: rec}), nil
	}
	return g.decide(Decision{Outcome: AlreadyProcessed, Record: rec}), nil
}

func (g *Guard) decide(d Decision) Decision {
	decisions.WithLabelValues(string(d.Outcome)).Inc()
	return d
}

func mismatch(rec domain.PaymentRecord, c Claim, fp string) string {
	switch {
	case c.UserID != "" && c.UserID != rec.UserID:
		return domain.ReasonUserMismatch
	case rec.Fingerprint != fp || rec.Amount != c.Amount:
		return domain.ReasonAmountMismatch
	case !strings.EqualFold(rec.Currency, c.Currency):
		return domain.ReasonCurrencyMismatch
	}
	return ""
}

// Open records a pending payment when the user starts a checkout. Opening the
// same reference again with identical data returns the existing record.
func (g *Guard) Open(ctx context.Context, reference, userID string, amount int64, currency string) (domain.PaymentRecord, error) {
	if reference == "" || userID == "" || amount <= 0 || len(currency) != 3 {
		return domain.PaymentRecord{}, fmt.Errorf("%w: reference, user, positive amount and currency required", ErrInvalidClaim)
	}
	now := g.now().UTC()
	rec := domain.PaymentRecord{
		Reference:   reference,
		UserID:      userID,
		Amount:      amount,
		Currency:    strings.ToUpper(currency),
		Status:      domain.PaymentPending,
		Fingerprint: domain.Fingerprint(reference, amount),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inserted, err := g.store.InsertPayment(ctx, rec)
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("insert payment: %w", err)
	}
	if inserted {
		return rec, nil
	}

	existing, err := g.store.GetPayment(ctx, reference)
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("get payment: %w", err)
	}
	if existing.UserID != rec.UserID || existing.Amount != rec.Amount || existing.Currency != rec.Currency {
		return domain.PaymentRecord{}, ErrReferenceConflict
	}
	return existing, nil
}

// Fail records a gateway-reported failure. The payment walks through
// verifying to failed in a single store step, so no record is ever left in
// verifying by a failure. Granted means this call made the move.
func (g *Guard) Fail(ctx context.Context, c Claim) (Decision, error) {
	if c.Reference == "" || c.Amount <= 0 {
		return Decision{}, fmt.Errorf("%w: reference and positive amount required", ErrInvalidClaim)
	}
	fp := domain.Fingerprint(c.Reference, c.Amount)
	now := g.now().UTC()

	if c.UserID != "" {
		rec := domain.PaymentRecord{
			Reference:    c.Reference,
			UserID:       c.UserID,
			Amount:       c.Amount,
			Currency:     strings.ToUpper(c.Currency),
			Status:       domain.PaymentVerifying,
			Fingerprint:  fp,
			AttemptCount: 1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		inserted, err := g.store.InsertFailedPayment(ctx, rec)
		if err != nil {
			return Decision{}, fmt.Errorf("insert failed payment: %w", err)
		}
		if inserted {
			rec.Status = domain.PaymentFailed
			return g.decide(Decision{Outcome: Granted, Record: rec}), nil
		}
	}

	rec, err := g.store.GetPayment(ctx, c.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Decision{}, ErrUnknownReference
		}
		return Decision{}, fmt.Errorf("get payment: %w", err)
	}
	if reason := mismatch(rec, c, fp); reason != "" {
		return g.decide(Decision{Outcome: AmountMismatch, Record: rec, Reason: reason}), nil
	}

	switch rec.Status {
	case domain.PaymentPending, domain.PaymentVerifying:
		ok, err := g.store.FailPayment(ctx, c.Reference, rec.Status, now)
		if err != nil {
			return Decision{}, fmt.Errorf("fail payment: %w", err)
		}
		return g.reload(ctx, c.Reference, ok)
	default:
		return g.decide(Decision{Outcome: AlreadyProcessed, Record: rec}), nil
	}
}

// MarkFailed moves a verifying payment to failed. It reports false if the
// record had already moved on.
func (g *Guard) MarkFailed(ctx context.Context, reference string) (bool, error) {
	ok, err := g.store.AdvancePayment(ctx, reference, domain.PaymentVerifying, domain.PaymentFailed, g.now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return ok, nil
}

// Stuck lists verifying records untouched for longer than window.
func (g *Guard) Stuck(ctx context.Context, window time.Duration, limit int) ([]domain.PaymentRecord, error) {
	return g.store.StuckPayments(ctx, g.now().UTC().Add(-window), limit)
}
