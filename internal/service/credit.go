package service

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
	"github.com/punchamoorthee/smscredit/internal/idempotency"
	"github.com/punchamoorthee/smscredit/internal/ledger"
	"github.com/punchamoorthee/smscredit/internal/lock"
	"github.com/punchamoorthee/smscredit/internal/notify"
	"github.com/punchamoorthee/smscredit/internal/retry"
	"github.com/punchamoorthee/smscredit/internal/webhook"
)

// Outcome is the terminal result of processing one notification.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeRejected       Outcome = "rejected"
	OutcomeFailed         Outcome = "failed"
	OutcomeIgnored        Outcome = "ignored"
	// OutcomeDeferred means the first attempt hit a recoverable error and
	// the work was handed to the retry dispatcher.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeDeadLettered means the first attempt failed permanently and
	// the work went straight to the dead-letter store.
	OutcomeDeadLettered Outcome = "dead_lettered"
)

var paymentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payment_processing_outcomes_total",
	Help: "Payment notification processing outcomes",
}, []string{"outcome", "retry"})

type Guard interface {
	Reserve(ctx context.Context, c idempotency.Claim) (idempotency.Decision, error)
	Fail(ctx context.Context, c idempotency.Claim) (idempotency.Decision, error)
}

type LeaseHolder interface {
	Hold(ctx context.Context, resourceKey string, ttl time.Duration) (*lock.Lease, error)
}

type LedgerApplier interface {
	Apply(ctx context.Context, req ledger.Request) (ledger.Result, error)
}

type ReconciliationStore interface {
	FlagReconciliation(ctx context.Context, item domain.ReconciliationItem) error
}

type ReconciliationAlerter interface {
	Reconciliation(ctx context.Context, item domain.ReconciliationItem)
}

type ProcessorOptions struct {
	// Currency is the single currency balances are kept in.
	Currency string
	LockTTL  time.Duration
	Alerts   ReconciliationAlerter
}

type Result struct {
	Outcome   Outcome `json:"outcome"`
	Reference string  `json:"reference,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	Balance   int64   `json:"balance,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

// Processor runs one notification through guard, lock and ledger.
type Processor struct {
	guard    Guard
	locks    LeaseHolder
	ledger   LedgerApplier
	recon    ReconciliationStore
	notifier notify.Notifier
	opts     ProcessorOptions
	logger   *zap.Logger
	now      func() time.Time
}

func NewProcessor(guard Guard, locks LeaseHolder, writer LedgerApplier, recon ReconciliationStore, notifier notify.Notifier, opts ProcessorOptions, logger *zap.Logger) *Processor {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	opts.Currency = strings.ToUpper(opts.Currency)
	return &Processor{
		guard:    guard,
		locks:    locks,
		ledger:   writer,
		recon:    recon,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Process applies n. A returned error is recoverable and the caller may
// retry with retryClaim set, unless it is marked with retry.Permanent.
func (p *Processor) Process(ctx context.Context, n webhook.Notification, retryClaim bool) (Result, error) {
	res, err := p.process(ctx, n, retryClaim)
	label := string(res.Outcome)
	if err != nil {
		label = "error"
	}
	paymentOutcomes.WithLabelValues(label, fmt.Sprint(retryClaim)).Inc()
	return res, err
}

func (p *Processor) process(ctx context.Context, n webhook.Notification, retryClaim bool) (Result, error) {
	res := Result{Reference: n.Reference}

	if n.Status == webhook.StatusPending {
		res.Outcome = OutcomeIgnored
		res.Detail = "non-final status " + n.RawStatus
		return res, nil
	}

	if p.opts.Currency != "" && n.Currency != p.opts.Currency {
		if err := p.flag(ctx, domain.ReconciliationItem{
			Reference:       n.Reference,
			Reason:          domain.ReasonUnsupportedCurrency,
			StoredCurrency:  p.opts.Currency,
			ClaimedAmount:   n.Amount,
			ClaimedCurrency: n.Currency,
		}); err != nil {
			return res, err
		}
		res.Outcome = OutcomeRejected
		res.Detail = domain.ReasonUnsupportedCurrency
		return res, nil
	}

	claim := idempotency.Claim{
		Reference: n.Reference,
		UserID:    n.UserID,
		Amount:    n.Amount,
		Currency:  n.Currency,
		Retry:     retryClaim,
	}

	var (
		d   idempotency.Decision
		err error
	)
	if n.Status == webhook.StatusFailed {
		d, err = p.guard.Fail(ctx, claim)
	} else {
		d, err = p.guard.Reserve(ctx, claim)
	}
	switch {
	case errors.Is(err, idempotency.ErrUnknownReference):
		if err := p.flag(ctx, domain.ReconciliationItem{
			Reference:       n.Reference,
			Reason:          domain.ReasonUnknownReference,
			ClaimedAmount:   n.Amount,
			ClaimedCurrency: n.Currency,
		}); err != nil {
			return res, err
		}
		res.Outcome = OutcomeRejected
		res.Detail = domain.ReasonUnknownReference
		return res, nil
	case errors.Is(err, idempotency.ErrInvalidClaim):
		res.Outcome = OutcomeRejected
		res.Detail = err.Error()
		return res, nil
	case err != nil:
		return res, fmt.Errorf("reserve %s: %w", n.Reference, err)
	}

	res.UserID = d.Record.UserID
	switch d.Outcome {
	case idempotency.AmountMismatch:
		if err := p.flag(ctx, domain.ReconciliationItem{
			Reference:       n.Reference,
			Reason:          d.Reason,
			StoredAmount:    d.Record.Amount,
			StoredCurrency:  d.Record.Currency,
			ClaimedAmount:   n.Amount,
			ClaimedCurrency: n.Currency,
		}); err != nil {
			return res, err
		}
		res.Outcome = OutcomeAmountMismatch
		res.Detail = d.Reason
		return res, nil
	case idempotency.AlreadyProcessed:
		res.Outcome = OutcomeDuplicate
		res.Detail = string(d.Record.Status)
		return res, nil
	}

	if n.Status == webhook.StatusFailed {
		res.Outcome = OutcomeFailed
		p.logger.Info("payment failed at gateway",
			zap.String("reference", n.Reference),
			zap.String("user_id", d.Record.UserID),
			zap.String("raw_status", n.RawStatus),
		)
		return res, nil
	}

	applied, err := applyUnderLock(ctx, p.locks, p.ledger, p.opts.LockTTL, ledger.Request{
		UserID:    d.Record.UserID,
		Delta:     d.Record.Amount,
		Kind:      domain.KindCredit,
		Reference: n.Reference,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrPaymentState) || errors.Is(err, ledger.ErrInvalidEntry) || errors.Is(err, ledger.ErrDuplicateEntry) {
			return res, retry.Permanent(err)
		}
		return res, fmt.Errorf("credit %s: %w", n.Reference, err)
	}

	res.Balance = applied.Entry.BalanceAfter
	if applied.Replayed {
		res.Outcome = OutcomeDuplicate
		res.Detail = string(domain.PaymentCredited)
		return res, nil
	}
	res.Outcome = OutcomeApplied

	p.logger.Info("payment credited",
		zap.String("reference", n.Reference),
		zap.String("user_id", d.Record.UserID),
		zap.Int64("amount", d.Record.Amount),
		zap.Int64("balance_after", applied.Entry.BalanceAfter),
		zap.Int64("fencing_token", applied.Entry.FencingToken),
		zap.Int("attempt", d.Record.AttemptCount),
	)

	if p.notifier != nil {
		err := p.notifier.NotifyCredit(ctx, notify.CreditNotice{
			UserID:     d.Record.UserID,
			Amount:     d.Record.Amount,
			Currency:   d.Record.Currency,
			NewBalance: applied.Entry.BalanceAfter,
			Reference:  n.Reference,
			CreditedAt: applied.Entry.CreatedAt,
		})
		if err != nil {
			p.logger.Warn("credit notification failed",
				zap.String("reference", n.Reference),
				zap.Error(err),
			)
		}
	}
	return res, nil
}

func (p *Processor) flag(ctx context.Context, item domain.ReconciliationItem) error {
	item.CreatedAt = p.now().UTC()
	if err := p.recon.FlagReconciliation(ctx, item); err != nil {
		return fmt.Errorf("flag reconciliation: %w", err)
	}
	p.logger.Warn("payment flagged for reconciliation",
		zap.String("reference", item.Reference),
		zap.String("reason", item.Reason),
		zap.Int64("stored_amount", item.StoredAmount),
		zap.Int64("claimed_amount", item.ClaimedAmount),
		zap.String("claimed_currency", item.ClaimedCurrency),
	)
	if p.opts.Alerts != nil {
		p.opts.Alerts.Reconciliation(ctx, item)
	}
	return nil
}

// applyUnderLock holds the user's balance lock for the duration of one
// ledger write.
func applyUnderLock(ctx context.Context, locks LeaseHolder, writer LedgerApplier, ttl time.Duration, req ledger.Request) (ledger.Result, error) {
	lease, err := locks.Hold(ctx, domain.BalanceKey(req.UserID), ttl)
	if err != nil {
		return ledger.Result{}, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = lease.Release(rctx)
	}()

	req.Fence = lease.Handle()
	return writer.Apply(ctx, req)
}
