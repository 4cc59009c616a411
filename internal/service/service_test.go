package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/idempotency"
	"github.com/punchamoorthee/smscredit/internal/ledger"
	"github.com/punchamoorthee/smscredit/internal/lock"
	"github.com/punchamoorthee/smscredit/internal/notify"
	"github.com/punchamoorthee/smscredit/internal/retry"
	"github.com/punchamoorthee/smscredit/internal/signature"
	"github.com/punchamoorthee/smscredit/internal/store/memory"
	"github.com/punchamoorthee/smscredit/internal/tracker"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyCredit(ctx context.Context, n notify.CreditNotice) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type MockAlerts struct {
	mock.Mock
}

func (m *MockAlerts) Reconciliation(ctx context.Context, item domain.ReconciliationItem) {
	m.Called(ctx, item)
}

type harness struct {
	store       *memory.Store
	locks       *lock.Manager
	dispatcher  *retry.Dispatcher
	notifier    *MockNotifier
	alerts      *MockAlerts
	verifier    *signature.Verifier
	guard       *idempotency.Guard
	processor   *Processor
	webhooks    *WebhookService
	balances    *BalanceService
	deadLetters *DeadLetterService
	sweeper     *Sweeper
	tracker     *tracker.Tracker
}

func newHarness(t *testing.T, policy retry.Policy) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		store:    memory.New(),
		notifier: new(MockNotifier),
		alerts:   new(MockAlerts),
	}
	h.notifier.On("NotifyCredit", mock.Anything, mock.Anything).Return(nil)
	h.alerts.On("Reconciliation", mock.Anything, mock.Anything).Return()

	var err error
	h.verifier, err = signature.NewVerifier("whsec_test", signature.SHA256)
	require.NoError(t, err)

	h.locks = lock.NewManager(lock.NewMemoryBackend(), lock.Options{Attempts: 3, BaseDelay: time.Millisecond}, logger)
	writer := ledger.NewWriter(h.store, h.locks, logger)
	h.guard = idempotency.NewGuard(h.store, logger)
	h.dispatcher = retry.NewDispatcher(policy, 4, h.store, logger)

	h.processor = NewProcessor(h.guard, h.locks, writer, h.store, h.notifier, ProcessorOptions{
		Currency: "USD",
		LockTTL:  time.Second,
		Alerts:   h.alerts,
	}, logger)
	h.webhooks = NewWebhookService(h.verifier, h.store, h.processor, h.dispatcher, time.Second, logger)
	h.balances = NewBalanceService(h.locks, writer, h.store, h.store, time.Second, logger)
	h.deadLetters = NewDeadLetterService(h.store, h.dispatcher, logger)
	h.sweeper = NewSweeper(h.guard, h.store, h.dispatcher, 5*time.Minute, time.Hour, logger)
	h.tracker = tracker.New(h.store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func fastPolicy() retry.Policy {
	return retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3, AttemptTimeout: time.Second}
}

func notification(ref, amount, status, user string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_%s","event_type":"payment.updated","reference":%q,"amount":%q,"currency":"USD","raw_status":%q,"metadata":{"user_id":%q}}`,
		ref, ref, amount, status, user,
	))
}

func (h *harness) deliver(t *testing.T, body []byte) WebhookResult {
	t.Helper()
	res, err := h.webhooks.Handle(context.Background(), body, h.verifier.Sign(body))
	require.NoError(t, err)
	return res
}

func (h *harness) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := h.store.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b.Amount
}

func (h *harness) paymentStatus(t *testing.T, ref string) domain.PaymentStatus {
	t.Helper()
	snap, err := h.tracker.Status(context.Background(), ref)
	if err != nil {
		t.Errorf("status %s: %v", ref, err)
		return ""
	}
	return snap.Status
}

func TestWebhook_DuplicateDeliveryCreditsOnce(t *testing.T) {
	h := newHarness(t, fastPolicy())
	body := notification("pay_abc", "10.00", "success", "u1")

	first := h.deliver(t, body)
	assert.Equal(t, OutcomeApplied, first.Outcome)

	second := h.deliver(t, body)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	assert.Equal(t, int64(1000), h.balance(t, "u1"))
	assert.Equal(t, domain.PaymentCredited, h.paymentStatus(t, "pay_abc"))
	h.notifier.AssertNumberOfCalls(t, "NotifyCredit", 1)

	ev, err := h.store.GetEvent(context.Background(), second.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventDuplicate, ev.ProcessingStatus)
}

func TestWebhook_AmountMismatchFlagsReconciliation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())

	assert.Equal(t, OutcomeApplied, h.deliver(t, notification("pay_xyz", "10.00", "success", "u1")).Outcome)
	res := h.deliver(t, notification("pay_xyz", "15.00", "success", "u1"))
	assert.Equal(t, OutcomeAmountMismatch, res.Outcome)
	assert.Equal(t, domain.ReasonAmountMismatch, res.Detail)

	assert.Equal(t, int64(1000), h.balance(t, "u1"))

	items, err := h.store.ListReconciliation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pay_xyz", items[0].Reference)
	assert.Equal(t, int64(1000), items[0].StoredAmount)
	assert.Equal(t, int64(1500), items[0].ClaimedAmount)

	h.alerts.AssertCalled(t, "Reconciliation", mock.Anything, mock.MatchedBy(func(item domain.ReconciliationItem) bool {
		return item.Reference == "pay_xyz" && item.Reason == domain.ReasonAmountMismatch
	}))
}

func TestWebhook_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	h := newHarness(t, fastPolicy())
	body := notification("pay_con", "10.00", "success", "u1")
	const m = 20

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	start := make(chan struct{})
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := h.webhooks.Handle(context.Background(), body, h.verifier.Sign(body))
			if err != nil {
				t.Errorf("handle: %v", err)
				return
			}
			if res.Outcome == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(1000), h.balance(t, "u1"))
	entries, err := h.store.ListEntries(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	h := newHarness(t, fastPolicy())
	body := notification("pay_sig", "10.00", "success", "u1")

	res, err := h.webhooks.Handle(context.Background(), body, "sha256=deadbeef")
	require.ErrorIs(t, err, ErrUnauthorized)

	ev, err := h.store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.False(t, ev.SignatureValid)
	assert.Equal(t, domain.EventRejected, ev.ProcessingStatus)
	assert.Equal(t, "signature_invalid", ev.Detail)

	_, err = h.store.GetPayment(context.Background(), "pay_sig")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, h.balance(t, "u1"))
}

func TestWebhook_MalformedPayload(t *testing.T) {
	h := newHarness(t, fastPolicy())
	res := h.deliver(t, []byte(`{"event_type":"payment.updated","reference":"pay_m","amount":"-1","currency":"USD"}`))
	assert.Equal(t, OutcomeRejected, res.Outcome)

	ev, err := h.store.GetEvent(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.True(t, ev.SignatureValid)
	assert.Equal(t, domain.EventRejected, ev.ProcessingStatus)
}

func TestWebhook_NonCreditOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("failed payment", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		res := h.deliver(t, notification("pay_fail", "10.00", "declined", "u1"))
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.Equal(t, domain.PaymentFailed, h.paymentStatus(t, "pay_fail"))

		// A late success for a failed payment is never credited.
		res = h.deliver(t, notification("pay_fail", "10.00", "success", "u1"))
		assert.Equal(t, OutcomeDuplicate, res.Outcome)
		assert.Zero(t, h.balance(t, "u1"))
		h.notifier.AssertNotCalled(t, "NotifyCredit", mock.Anything, mock.Anything)
	})

	t.Run("non-final status", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		res := h.deliver(t, notification("pay_wait", "10.00", "processing", "u1"))
		assert.Equal(t, OutcomeIgnored, res.Outcome)
		_, err := h.store.GetPayment(ctx, "pay_wait")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("unknown reference", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		res := h.deliver(t, notification("pay_ghost", "10.00", "success", ""))
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.Equal(t, domain.ReasonUnknownReference, res.Detail)

		items, err := h.store.ListReconciliation(ctx, 10)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, domain.ReasonUnknownReference, items[0].Reason)
	})

	t.Run("unsupported currency", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		body := []byte(`{"event_type":"payment.updated","reference":"pay_eur","amount":"10.00","currency":"EUR","raw_status":"success","user_id":"u1"}`)
		res := h.deliver(t, body)
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.Equal(t, domain.ReasonUnsupportedCurrency, res.Detail)
		assert.Zero(t, h.balance(t, "u1"))
	})

	t.Run("pending checkout supplies user", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		_, err := h.guard.Open(ctx, "pay_open", "u7", 1000, "USD")
		require.NoError(t, err)
		res := h.deliver(t, notification("pay_open", "10.00", "success", ""))
		assert.Equal(t, OutcomeApplied, res.Outcome)
		assert.Equal(t, int64(1000), h.balance(t, "u7"))
	})
}

func TestWebhook_TransientFailureRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())
	h.store.FailTransactions(1, errors.New("connection reset"))

	res := h.deliver(t, notification("pay_tmp", "10.00", "success", "u1"))
	assert.Equal(t, OutcomeDeferred, res.Outcome)

	require.Eventually(t, func() bool {
		rec, err := h.store.GetPayment(ctx, "pay_tmp")
		return err == nil && rec.Status == domain.PaymentCredited
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1000), h.balance(t, "u1"))
	require.Eventually(t, func() bool {
		ev, err := h.store.GetEvent(ctx, res.EventID)
		return err == nil && ev.ProcessingStatus == domain.EventApplied && ev.AttemptCount == 2
	}, time.Second, 5*time.Millisecond)
	h.notifier.AssertNumberOfCalls(t, "NotifyCredit", 1)
}

func TestWebhook_LockBusyDeferredThenCredited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, retry.Policy{BaseDelay: 50 * time.Millisecond, MaxDelay: 100 * time.Millisecond, MaxAttempts: 3, AttemptTimeout: time.Second})

	held, err := h.locks.Acquire(ctx, domain.BalanceKey("u1"), time.Minute)
	require.NoError(t, err)

	res := h.deliver(t, notification("pay_busy", "10.00", "success", "u1"))
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.Equal(t, domain.PaymentVerifying, h.paymentStatus(t, "pay_busy"))

	// Redelivery while the retry is queued must not start a second credit.
	again := h.deliver(t, notification("pay_busy", "10.00", "success", "u1"))
	assert.Equal(t, OutcomeDuplicate, again.Outcome)

	require.NoError(t, h.locks.Release(ctx, held))

	require.Eventually(t, func() bool {
		return h.paymentStatus(t, "pay_busy") == domain.PaymentCredited
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1000), h.balance(t, "u1"))
}

func TestWebhook_ExhaustedRetriesDeadLetteredThenReplayed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())
	h.store.FailTransactions(1000, errors.New("database unavailable"))

	res := h.deliver(t, notification("pay_dead", "10.00", "success", "u1"))
	assert.Equal(t, OutcomeDeferred, res.Outcome)

	var dl domain.DeadLetter
	require.Eventually(t, func() bool {
		letters, err := h.deadLetters.List(ctx, 10)
		if err != nil || len(letters) != 1 {
			return false
		}
		dl = letters[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "pay_dead", dl.TaskKey)
	assert.Equal(t, TaskKindCredit, dl.Kind)
	assert.Equal(t, 3, dl.Attempts)
	assert.Len(t, dl.Failures, 2)

	require.Eventually(t, func() bool {
		ev, err := h.store.GetEvent(ctx, res.EventID)
		return err == nil && ev.ProcessingStatus == domain.EventDeadLettered
	}, time.Second, 5*time.Millisecond)

	// Dead-lettered credits stay verifying and are skipped by the sweeper.
	assert.Equal(t, domain.PaymentVerifying, h.paymentStatus(t, "pay_dead"))
	assert.Zero(t, h.balance(t, "u1"))

	h.store.FailTransactions(0, nil)
	replayed, err := h.deadLetters.Replay(ctx, dl.ID)
	require.NoError(t, err)
	require.NotNil(t, replayed.ReplayedAt)

	require.Eventually(t, func() bool {
		return h.paymentStatus(t, "pay_dead") == domain.PaymentCredited
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1000), h.balance(t, "u1"))

	_, err = h.deadLetters.Replay(ctx, dl.ID)
	require.ErrorIs(t, err, ErrAlreadyReplayed)

	_, err = h.deadLetters.Replay(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWebhook_PermanentFirstAttemptDeadLetteredDirectly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())

	// A credit for the reference already sits on another user's ledger.
	require.NoError(t, h.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.AppendEntry(ctx, &domain.LedgerEntry{
			UserID: "u2", Delta: 1000, BalanceAfter: 1000,
			Kind: domain.KindCredit, Reference: "pay_taken", CreatedAt: time.Now().UTC(),
		})
	}))

	res := h.deliver(t, notification("pay_taken", "10.00", "success", "u1"))
	assert.Equal(t, OutcomeDeadLettered, res.Outcome)
	assert.False(t, h.dispatcher.Pending("pay_taken"))

	letters, err := h.deadLetters.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "pay_taken", letters[0].TaskKey)
	assert.Equal(t, 1, letters[0].Attempts)
	require.Len(t, letters[0].Failures, 1)
	assert.Equal(t, 1, letters[0].Failures[0].Attempt)

	ev, err := h.store.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventDeadLettered, ev.ProcessingStatus)
	assert.Equal(t, 1, ev.AttemptCount)
	assert.Zero(t, h.balance(t, "u1"))
}

func TestSweeper_ReschedulesStuckPayments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())
	old := time.Now().Add(-time.Hour).UTC()

	stuck := func(ref string) domain.PaymentRecord {
		return domain.PaymentRecord{
			Reference: ref, UserID: "u1", Amount: 700, Currency: "USD",
			Status: domain.PaymentVerifying, Fingerprint: domain.Fingerprint(ref, 700),
			AttemptCount: 1, CreatedAt: old, UpdatedAt: old,
		}
	}
	_, err := h.store.InsertPayment(ctx, stuck("pay_stuck"))
	require.NoError(t, err)
	_, err = h.store.InsertPayment(ctx, stuck("pay_parked"))
	require.NoError(t, err)
	require.NoError(t, h.store.PutDeadLetter(ctx, domain.DeadLetter{
		ID: uuid.New(), TaskKey: "pay_parked", Kind: TaskKindCredit, Attempts: 3, CreatedAt: old,
	}))

	n, err := h.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return h.paymentStatus(t, "pay_stuck") == domain.PaymentCredited
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(700), h.balance(t, "u1"))
	assert.Equal(t, domain.PaymentVerifying, h.paymentStatus(t, "pay_parked"))

	n, err = h.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBalance_Debit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())
	require.Equal(t, OutcomeApplied, h.deliver(t, notification("pay_500", "5.00", "success", "u1")).Outcome)

	_, err := h.balances.Debit(ctx, "u1", 800, "")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, int64(500), h.balance(t, "u1"))

	m, err := h.balances.Debit(ctx, "u1", 200, "order-1")
	require.NoError(t, err)
	assert.False(t, m.Replayed)
	assert.Equal(t, int64(300), m.Entry.BalanceAfter)

	m, err = h.balances.Debit(ctx, "u1", 200, "order-1")
	require.NoError(t, err)
	assert.True(t, m.Replayed)

	_, err = h.balances.Debit(ctx, "u1", 250, "order-1")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	_, err = h.balances.Debit(ctx, "u1", 0, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	assert.Equal(t, int64(300), h.balance(t, "u1"))
	entries, err := h.balances.Entries(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBalance_IdempotencyKeysAreScopedPerUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())
	require.Equal(t, OutcomeApplied, h.deliver(t, notification("pay_ab", "5.00", "success", "a:b")).Outcome)
	require.Equal(t, OutcomeApplied, h.deliver(t, notification("pay_a", "5.00", "success", "a")).Outcome)

	// Joining user and key with a separator would make these two collide.
	m, err := h.balances.Debit(ctx, "a:b", 100, "c")
	require.NoError(t, err)
	require.False(t, m.Replayed)

	m, err = h.balances.Debit(ctx, "a", 100, "b:c")
	require.NoError(t, err)
	assert.False(t, m.Replayed)
	assert.Equal(t, "a", m.Entry.UserID)

	assert.Equal(t, int64(400), h.balance(t, "a:b"))
	assert.Equal(t, int64(400), h.balance(t, "a"))
}

func TestBalance_Refund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())
	require.Equal(t, OutcomeApplied, h.deliver(t, notification("pay_ref", "10.00", "success", "u1")).Outcome)

	m, err := h.balances.Refund(ctx, "pay_ref")
	require.NoError(t, err)
	assert.False(t, m.Replayed)
	assert.Equal(t, int64(-1000), m.Entry.Delta)
	assert.Zero(t, h.balance(t, "u1"))
	assert.Equal(t, domain.PaymentRefunded, h.paymentStatus(t, "pay_ref"))

	m, err = h.balances.Refund(ctx, "pay_ref")
	require.NoError(t, err)
	assert.True(t, m.Replayed)
	assert.Zero(t, h.balance(t, "u1"))

	require.Equal(t, OutcomeFailed, h.deliver(t, notification("pay_nope", "10.00", "failed", "u1")).Outcome)
	_, err = h.balances.Refund(ctx, "pay_nope")
	require.ErrorIs(t, err, ErrNotRefundable)

	_, err = h.balances.Refund(ctx, "pay_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBalance_Adjust(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())

	m, err := h.balances.Adjust(ctx, "u1", domain.KindBonus, 250, "promo-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), m.Entry.BalanceAfter)

	m, err = h.balances.Adjust(ctx, "u1", domain.KindBonus, 250, "promo-1")
	require.NoError(t, err)
	assert.True(t, m.Replayed)

	m, err = h.balances.Adjust(ctx, "u1", domain.KindAdminAdjustment, -50, "")
	require.NoError(t, err)
	assert.Equal(t, int64(200), m.Entry.BalanceAfter)

	_, err = h.balances.Adjust(ctx, "u1", domain.KindBonus, -10, "")
	require.ErrorIs(t, err, ledger.ErrInvalidEntry)

	_, err = h.balances.Adjust(ctx, "u1", domain.KindDebit, 10, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.balances.Adjust(ctx, "u1", domain.KindAdminAdjustment, -1000, "")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.Equal(t, int64(200), h.balance(t, "u1"))
}

func TestBalance_SameAdjustmentReferenceForTwoUsers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastPolicy())

	alice, err := h.balances.Adjust(ctx, "alice", domain.KindBonus, 500, "promo-oct")
	require.NoError(t, err)
	require.False(t, alice.Replayed)

	bob, err := h.balances.Adjust(ctx, "bob", domain.KindBonus, 500, "promo-oct")
	require.NoError(t, err)
	assert.False(t, bob.Replayed)
	assert.Equal(t, "bob", bob.Entry.UserID)

	again, err := h.balances.Adjust(ctx, "bob", domain.KindBonus, 500, "promo-oct")
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	assert.Equal(t, int64(500), h.balance(t, "alice"))
	assert.Equal(t, int64(500), h.balance(t, "bob"))
}

func TestEventStatus(t *testing.T) {
	assert.Equal(t, domain.EventApplied, eventStatus(OutcomeApplied))
	assert.Equal(t, domain.EventApplied, eventStatus(OutcomeFailed))
	assert.Equal(t, domain.EventDuplicate, eventStatus(OutcomeDuplicate))
	assert.Equal(t, domain.EventRejected, eventStatus(OutcomeAmountMismatch))
	assert.Equal(t, domain.EventRejected, eventStatus(OutcomeRejected))
	assert.Equal(t, domain.EventDeadLettered, eventStatus(OutcomeDeadLettered))
}
