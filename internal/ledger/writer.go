// Package ledger is the only writer of balance state. Every balance change
// and its audit entry commit together in one transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/lock"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStaleFence        = errors.New("stale fencing token")
	ErrInvalidEntry      = errors.New("invalid ledger entry")
	ErrPaymentState      = errors.New("payment not in expected state")
	ErrDuplicateEntry    = errors.New("duplicate ledger entry")
)

var applies = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_applies_total",
	Help: "Ledger apply attempts by entry kind and outcome",
}, []string{"kind", "outcome"})

// PaymentTransition moves a payment between statuses, guarded by owner and amount.
type PaymentTransition struct {
	Reference string
	UserID    string
	Amount    int64
	From      domain.PaymentStatus
	To        domain.PaymentStatus
	At        time.Time
}

// Tx is the storage surface available inside a ledger transaction.
// LockBalance must take an exclusive row lock held until commit.
type Tx interface {
	LockBalance(ctx context.Context, userID string) (domain.Balance, error)
	SaveBalance(ctx context.Context, userID string, amount, fenceToken int64, at time.Time) error
	// FindEntry looks up an entry by kind and reference. An empty userID
	// matches entries of any user.
	FindEntry(ctx context.Context, userID string, kind domain.EntryKind, reference string) (*domain.LedgerEntry, error)
	AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error
	TransitionPayment(ctx context.Context, t PaymentTransition) (bool, error)
}

// Store runs fn atomically: everything fn does through tx commits or none of it does.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// FenceChecker confirms a lock handle is still the live holder of its key.
type FenceChecker interface {
	Check(ctx context.Context, h lock.Handle) error
}

type Request struct {
	UserID    string
	Delta     int64
	Kind      domain.EntryKind
	Reference string
	Fence     lock.Handle
}

type Result struct {
	Entry domain.LedgerEntry
	// Replayed is set when the user already has an entry with the same kind
	// and reference; nothing was written.
	Replayed bool
}

type Writer struct {
	store  Store
	fences FenceChecker
	logger *zap.Logger
	now    func() time.Time
}

func NewWriter(store Store, fences FenceChecker, logger *zap.Logger) *Writer {
	return &Writer{store: store, fences: fences, logger: logger, now: time.Now}
}

// Apply validates the fence, applies delta to the user's balance, appends the
// ledger entry and, for credits and refunds, moves the linked payment.
func (w *Writer) Apply(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		applies.WithLabelValues(string(req.Kind), "invalid").Inc()
		return Result{}, err
	}

	var res Result
	err := w.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		bal, err := tx.LockBalance(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}

		fence := bal.FenceToken
		if !req.Fence.Local {
			if req.Fence.FencingToken < bal.FenceToken {
				return ErrStaleFence
			}
			if w.fences != nil {
				if err := w.fences.Check(ctx, req.Fence); err != nil {
					if errors.Is(err, lock.ErrLeaseLost) {
						return ErrStaleFence
					}
					return fmt.Errorf("check fence: %w", err)
				}
			}
			fence = req.Fence.FencingToken
		}

		if req.Reference != "" {
			owner := req.UserID
			if req.Kind.PaymentScoped() {
				owner = ""
			}
			existing, err := tx.FindEntry(ctx, owner, req.Kind, req.Reference)
			if err != nil {
				return fmt.Errorf("find entry: %w", err)
			}
			if existing != nil {
				if existing.UserID != req.UserID {
					return fmt.Errorf("%w: %s %s belongs to another user", ErrDuplicateEntry, req.Kind, req.Reference)
				}
				res = Result{Entry: *existing, Replayed: true}
				return nil
			}
		}

		after := bal.Amount + req.Delta
		if req.Delta < 0 && after < 0 {
			return ErrInsufficientFunds
		}

		now := w.now().UTC()
		if err := transitionPayment(ctx, tx, req, now); err != nil {
			return err
		}

		entry := domain.LedgerEntry{
			UserID:       req.UserID,
			Delta:        req.Delta,
			Kind:         req.Kind,
			BalanceAfter: after,
			Reference:    req.Reference,
			FencingToken: fence,
			CreatedAt:    now,
		}
		if err := tx.AppendEntry(ctx, &entry); err != nil {
			return fmt.Errorf("append entry: %w", err)
		}
		if err := tx.SaveBalance(ctx, req.UserID, after, fence, now); err != nil {
			return fmt.Errorf("save balance: %w", err)
		}
		res = Result{Entry: entry}
		return nil
	})
	if err != nil {
		applies.WithLabelValues(string(req.Kind), outcomeLabel(err)).Inc()
		return Result{}, err
	}

	if res.Replayed {
		applies.WithLabelValues(string(req.Kind), "replayed").Inc()
	} else {
		applies.WithLabelValues(string(req.Kind), "applied").Inc()
		w.logger.Debug("ledger entry applied",
			zap.String("user_id", req.UserID),
			zap.String("kind", string(req.Kind)),
			zap.Int64("delta", req.Delta),
			zap.Int64("balance_after", res.Entry.BalanceAfter),
			zap.String("reference", req.Reference),
			zap.Int64("fencing_token", res.Entry.FencingToken),
		)
	}
	return res, nil
}

func transitionPayment(ctx context.Context, tx Tx, req Request, at time.Time) error {
	var t PaymentTransition
	switch req.Kind {
	case domain.KindCredit:
		t = PaymentTransition{From: domain.PaymentVerifying, To: domain.PaymentCredited, Amount: req.Delta}
	case domain.KindRefund:
		t = PaymentTransition{From: domain.PaymentCredited, To: domain.PaymentRefunded, Amount: -req.Delta}
	default:
		return nil
	}
	t.Reference = req.Reference
	t.UserID = req.UserID
	t.At = at

	ok, err := tx.TransitionPayment(ctx, t)
	if err != nil {
		return fmt.Errorf("transition payment: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s -> %s", ErrPaymentState, req.Reference, t.From, t.To)
	}
	return nil
}

func validate(req Request) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEntry)
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, req.Kind)
	}
	if req.Delta == 0 {
		return fmt.Errorf("%w: zero delta", ErrInvalidEntry)
	}
	switch req.Kind {
	case domain.KindCredit, domain.KindBonus:
		if req.Delta < 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidEntry, req.Kind)
		}
	case domain.KindDebit, domain.KindRefund:
		if req.Delta > 0 {
			return fmt.Errorf("%w: %s must be negative", ErrInvalidEntry, req.Kind)
		}
	}
	if (req.Kind == domain.KindCredit || req.Kind == domain.KindRefund) && req.Reference == "" {
		return fmt.Errorf("%w: %s requires a payment reference", ErrInvalidEntry, req.Kind)
	}
	if req.Fence.ResourceKey != domain.BalanceKey(req.UserID) {
		return fmt.Errorf("%w: fence %q does not cover %s", ErrInvalidEntry, req.Fence.ResourceKey, domain.BalanceKey(req.UserID))
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrStaleFence):
		return "stale_fence"
	case errors.Is(err, ErrPaymentState):
		return "payment_state"
	case errors.Is(err, ErrDuplicateEntry):
		return "duplicate"
	default:
		return "error"
	}
}
