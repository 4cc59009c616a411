package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/ledger"
	"github.com/punchamoorthee/smscredit/internal/tracker"
)

var (
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different amount")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNotRefundable       = errors.New("payment is not refundable")
)

type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (domain.Balance, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
}

type PaymentReader = tracker.Reader

// Mutation is the result of a balance-changing call. Replayed is set when
// an earlier call with the same idempotency key already applied it.
type Mutation struct {
	Entry    domain.LedgerEntry `json:"entry"`
	Replayed bool               `json:"replayed"`
}

// BalanceService owns every balance change that does not come from a
// gateway notification.
type BalanceService struct {
	locks    LeaseHolder
	writer   LedgerApplier
	balances BalanceReader
	payments PaymentReader
	lockTTL  time.Duration
	logger   *zap.Logger
}

func NewBalanceService(locks LeaseHolder, writer LedgerApplier, balances BalanceReader, payments PaymentReader, lockTTL time.Duration, logger *zap.Logger) *BalanceService {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &BalanceService{
		locks:    locks,
		writer:   writer,
		balances: balances,
		payments: payments,
		lockTTL:  lockTTL,
		logger:   logger,
	}
}

func (s *BalanceService) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	return s.balances.GetBalance(ctx, userID)
}

func (s *BalanceService) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.balances.ListEntries(ctx, userID, limit)
}

// Debit spends amount from the user's balance. A non-empty idempotencyKey
// becomes the entry reference, which the ledger scopes to the user;
// repeating it returns the original entry.
func (s *BalanceService) Debit(ctx context.Context, userID string, amount int64, idempotencyKey string) (Mutation, error) {
	if amount <= 0 {
		return Mutation{}, fmt.Errorf("%w: debit must be positive", ErrInvalidAmount)
	}
	ref := strings.TrimSpace(idempotencyKey)

	res, err := applyUnderLock(ctx, s.locks, s.writer, s.lockTTL, ledger.Request{
		UserID:    userID,
		Delta:     -amount,
		Kind:      domain.KindDebit,
		Reference: ref,
	})
	if err != nil {
		return Mutation{}, err
	}
	if res.Replayed && res.Entry.Delta != -amount {
		return Mutation{}, ErrIdempotencyMismatch
	}
	if !res.Replayed {
		s.logger.Info("balance debited",
			zap.String("user_id", userID),
			zap.Int64("amount", amount),
			zap.Int64("balance_after", res.Entry.BalanceAfter),
			zap.String("reference", ref),
		)
	}
	return Mutation{Entry: res.Entry, Replayed: res.Replayed}, nil
}

// Adjust applies a bonus (positive only) or an admin adjustment (either sign).
func (s *BalanceService) Adjust(ctx context.Context, userID string, kind domain.EntryKind, delta int64, reference string) (Mutation, error) {
	switch kind {
	case domain.KindBonus, domain.KindAdminAdjustment:
	default:
		return Mutation{}, fmt.Errorf("%w: adjustment kind must be bonus or admin_adjustment", ErrInvalidAmount)
	}
	if delta == 0 {
		return Mutation{}, fmt.Errorf("%w: zero adjustment", ErrInvalidAmount)
	}

	res, err := applyUnderLock(ctx, s.locks, s.writer, s.lockTTL, ledger.Request{
		UserID:    userID,
		Delta:     delta,
		Kind:      kind,
		Reference: strings.TrimSpace(reference),
	})
	if err != nil {
		return Mutation{}, err
	}
	if res.Replayed && res.Entry.Delta != delta {
		return Mutation{}, ErrIdempotencyMismatch
	}
	s.logger.Info("balance adjusted",
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.Int64("delta", delta),
		zap.Bool("replayed", res.Replayed),
	)
	return Mutation{Entry: res.Entry, Replayed: res.Replayed}, nil
}

// Refund reverses a credited payment in full. Refunding twice returns the
// first refund entry.
func (s *BalanceService) Refund(ctx context.Context, reference string) (Mutation, error) {
	rec, err := s.payments.GetPayment(ctx, reference)
	if err != nil {
		return Mutation{}, err
	}
	if rec.Status != domain.PaymentCredited && rec.Status != domain.PaymentRefunded {
		return Mutation{}, fmt.Errorf("%w: %s is %s", ErrNotRefundable, reference, rec.Status)
	}

	res, err := applyUnderLock(ctx, s.locks, s.writer, s.lockTTL, ledger.Request{
		UserID:    rec.UserID,
		Delta:     -rec.Amount,
		Kind:      domain.KindRefund,
		Reference: reference,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrPaymentState) {
			return Mutation{}, fmt.Errorf("%w: %v", ErrNotRefundable, err)
		}
		return Mutation{}, err
	}
	if !res.Replayed {
		s.logger.Info("payment refunded",
			zap.String("reference", reference),
			zap.String("user_id", rec.UserID),
			zap.Int64("amount", rec.Amount),
			zap.Int64("balance_after", res.Entry.BalanceAfter),
		)
	}
	return Mutation{Entry: res.Entry, Replayed: res.Replayed}, nil
}
