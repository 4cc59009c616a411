package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/store/memory"
)

func newGuard() (*Guard, *memory.Store) {
	st := memory.New()
	return NewGuard(st, zap.NewNop()), st
}

func TestReserve_FirstDeliveryGranted(t *testing.T) {
	g, _ := newGuard()
	d, err := g.Reserve(context.Background(), Claim{Reference: "pay_abc", UserID: "u1", Amount: 1000, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, Granted, d.Outcome)
	assert.Equal(t, domain.PaymentVerifying, d.Record.Status)
	assert.Equal(t, "USD", d.Record.Currency)
	assert.Equal(t, domain.Fingerprint("pay_abc", 1000), d.Record.Fingerprint)
}

func TestReserve_DuplicateAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()
	c := Claim{Reference: "pay_abc", UserID: "u1", Amount: 1000, Currency: "USD"}

	_, err := g.Reserve(ctx, c)
	require.NoError(t, err)
	d, err := g.Reserve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, d.Outcome)
}

func TestReserve_Mismatches(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		claim  Claim
		reason string
	}{
		{"amount", Claim{Reference: "pay_xyz", UserID: "u1", Amount: 1500, Currency: "USD"}, domain.ReasonAmountMismatch},
		{"currency", Claim{Reference: "pay_xyz", UserID: "u1", Amount: 1000, Currency: "EUR"}, domain.ReasonCurrencyMismatch},
		{"user", Claim{Reference: "pay_xyz", UserID: "u2", Amount: 1000, Currency: "USD"}, domain.ReasonUserMismatch},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newGuard()
			_, err := g.Reserve(ctx, Claim{Reference: "pay_xyz", UserID: "u1", Amount: 1000, Currency: "USD"})
			require.NoError(t, err)

			d, err := g.Reserve(ctx, tt.claim)
			require.NoError(t, err)
			assert.Equal(t, AmountMismatch, d.Outcome)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, int64(1000), d.Record.Amount)
		})
	}
}

func TestReserve_PendingCheckout(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()

	_, err := g.Open(ctx, "pay_1", "u1", 500, "USD")
	require.NoError(t, err)

	// The gateway payload carries no user id; the pending record supplies it.
	d, err := g.Reserve(ctx, Claim{Reference: "pay_1", Amount: 500, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, Granted, d.Outcome)
	assert.Equal(t, "u1", d.Record.UserID)
	assert.Equal(t, domain.PaymentVerifying, d.Record.Status)
	assert.Equal(t, 1, d.Record.AttemptCount)

	d, err = g.Reserve(ctx, Claim{Reference: "pay_1", Amount: 500, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, d.Outcome)
}

func TestReserve_UnknownReference(t *testing.T) {
	g, _ := newGuard()
	_, err := g.Reserve(context.Background(), Claim{Reference: "ghost", Amount: 100, Currency: "USD"})
	require.ErrorIs(t, err, ErrUnknownReference)
}

func TestReserve_InvalidClaim(t *testing.T) {
	g, _ := newGuard()
	_, err := g.Reserve(context.Background(), Claim{Reference: "", Amount: 100})
	require.ErrorIs(t, err, ErrInvalidClaim)
	_, err = g.Reserve(context.Background(), Claim{Reference: "r", Amount: 0})
	require.ErrorIs(t, err, ErrInvalidClaim)
}

func TestReserve_RetryClaim(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard()
	c := Claim{Reference: "pay_r", UserID: "u1", Amount: 200, Currency: "USD"}

	_, err := g.Reserve(ctx, c)
	require.NoError(t, err)

	c.Retry = true
	d, err := g.Reserve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Granted, d.Outcome)
	assert.Equal(t, 2, d.Record.AttemptCount)

	// Once the payment settles, retries stop being granted.
	ok, err := st.AdvancePayment(ctx, "pay_r", domain.PaymentVerifying, domain.PaymentFailed, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	d, err = g.Reserve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, d.Outcome)
}

func TestReserve_ConcurrentDuplicatesGrantExactlyOnce(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()
	const m = 32

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	start := make(chan struct{})
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := g.Reserve(ctx, Claim{Reference: "pay_race", UserID: "u1", Amount: 1000, Currency: "USD"})
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if d.Outcome == Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()

	rec, err := g.Open(ctx, "pay_o", "u1", 900, "usd")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, rec.Status)

	again, err := g.Open(ctx, "pay_o", "u1", 900, "USD")
	require.NoError(t, err)
	assert.Equal(t, rec.Reference, again.Reference)

	_, err = g.Open(ctx, "pay_o", "u1", 901, "USD")
	require.ErrorIs(t, err, ErrReferenceConflict)

	_, err = g.Open(ctx, "pay_bad", "u1", 100, "DOLLARS")
	require.ErrorIs(t, err, ErrInvalidClaim)
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard()
	_, err := g.Reserve(ctx, Claim{Reference: "pay_f", UserID: "u1", Amount: 100, Currency: "USD"})
	require.NoError(t, err)

	ok, err := g.MarkFailed(ctx, "pay_f")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.MarkFailed(ctx, "pay_f")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := st.GetPayment(ctx, "pay_f")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, rec.Status)
}

func TestStuck(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()
	base := time.Now()
	g.now = func() time.Time { return base }

	_, err := g.Reserve(ctx, Claim{Reference: "old", UserID: "u1", Amount: 100, Currency: "USD"})
	require.NoError(t, err)

	g.now = func() time.Time { return base.Add(10 * time.Minute) }
	_, err = g.Reserve(ctx, Claim{Reference: "new", UserID: "u1", Amount: 100, Currency: "USD"})
	require.NoError(t, err)

	stuck, err := g.Stuck(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "old", stuck[0].Reference)
}

func TestFail(t *testing.T) {
	ctx := context.Background()

	t.Run("unseen reference", func(t *testing.T) {
		g, st := newGuard()
		d, err := g.Fail(ctx, Claim{Reference: "pay_f1", UserID: "u1", Amount: 100, Currency: "USD"})
		require.NoError(t, err)
		assert.Equal(t, Granted, d.Outcome)
		assert.Equal(t, domain.PaymentFailed, d.Record.Status)
		assert.Equal(t, []domain.PaymentStatus{domain.PaymentVerifying, domain.PaymentFailed}, st.History("pay_f1"))

		d, err = g.Reserve(ctx, Claim{Reference: "pay_f1", UserID: "u1", Amount: 100, Currency: "USD"})
		require.NoError(t, err)
		assert.Equal(t, AlreadyProcessed, d.Outcome)
	})

	t.Run("pending checkout", func(t *testing.T) {
		g, st := newGuard()
		_, err := g.Open(ctx, "pay_f2", "u1", 100, "USD")
		require.NoError(t, err)
		d, err := g.Fail(ctx, Claim{Reference: "pay_f2", Amount: 100, Currency: "USD"})
		require.NoError(t, err)
		assert.Equal(t, Granted, d.Outcome)
		assert.Equal(t, domain.PaymentFailed, d.Record.Status)
		assert.Equal(t, []domain.PaymentStatus{domain.PaymentPending, domain.PaymentVerifying, domain.PaymentFailed}, st.History("pay_f2"))
	})

	t.Run("verifying record", func(t *testing.T) {
		g, st := newGuard()
		_, err := g.Reserve(ctx, Claim{Reference: "pay_f5", UserID: "u1", Amount: 100, Currency: "USD"})
		require.NoError(t, err)
		d, err := g.Fail(ctx, Claim{Reference: "pay_f5", Amount: 100, Currency: "USD"})
		require.NoError(t, err)
		assert.Equal(t, Granted, d.Outcome)
		assert.Equal(t, []domain.PaymentStatus{domain.PaymentVerifying, domain.PaymentFailed}, st.History("pay_f5"))

		d, err = g.Fail(ctx, Claim{Reference: "pay_f5", Amount: 100, Currency: "USD"})
		require.NoError(t, err)
		assert.Equal(t, AlreadyProcessed, d.Outcome)
	})

	t.Run("already credited", func(t *testing.T) {
		g, st := newGuard()
		_, err := g.Reserve(ctx, Claim{Reference: "pay_f3", UserID: "u1", Amount: 100, Currency: "USD"})
		require.NoError(t, err)
		_, err = st.AdvancePayment(ctx, "pay_f3", domain.PaymentVerifying, domain.PaymentCredited, time.Now())
		require.NoError(t, err)

		d, err := g.Fail(ctx, Claim{Reference: "pay_f3", UserID: "u1", Amount: 100, Currency: "USD"})
		require.NoError(t, err)
		assert.Equal(t, AlreadyProcessed, d.Outcome)
		assert.Equal(t, domain.PaymentCredited, d.Record.Status)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		g, _ := newGuard()
		_, err := g.Open(ctx, "pay_f4", "u1", 100, "USD")
		require.NoError(t, err)
		d, err := g.Fail(ctx, Claim{Reference: "pay_f4", Amount: 999, Currency: "USD"})
		require.NoError(t, err)
		assert.Equal(t, AmountMismatch, d.Outcome)
	})

	t.Run("unknown reference", func(t *testing.T) {
		g, _ := newGuard()
		_, err := g.Fail(ctx, Claim{Reference: "ghost", Amount: 100, Currency: "USD"})
		require.ErrorIs(t, err, ErrUnknownReference)
	})
}

func TestStore_RejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	g, st := newGuard()
	_, err := g.Open(ctx, "pay_i", "u1", 100, "USD")
	require.NoError(t, err)

	ok, err := st.AdvancePayment(ctx, "pay_i", domain.PaymentPending, domain.PaymentFailed, time.Now())
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.False(t, ok)

	ok, err = st.AdvancePayment(ctx, "pay_i", domain.PaymentPending, domain.PaymentCredited, time.Now())
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.False(t, ok)

	rec, err := st.GetPayment(ctx, "pay_i")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, rec.Status)
	assert.Equal(t, []domain.PaymentStatus{domain.PaymentPending}, st.History("pay_i"))
}
