// Package memory is an in-process implementation of every storage port,
// used by tests and single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/ledger"
)

type Store struct {
	mu sync.Mutex

	balances    map[string]domain.Balance
	entries     []domain.LedgerEntry
	payments    map[string]domain.PaymentRecord
	events      map[uuid.UUID]domain.WebhookEvent
	deadLetters []domain.DeadLetter
	recon       []domain.ReconciliationItem
	history     map[string][]domain.PaymentStatus

	txFailures int
	txErr      error
}

func New() *Store {
	return &Store{
		balances: make(map[string]domain.Balance),
		payments: make(map[string]domain.PaymentRecord),
		events:   make(map[uuid.UUID]domain.WebhookEvent),
		history:  make(map[string][]domain.PaymentStatus),
	}
}

// History returns every status reference has held, oldest first.
func (s *Store) History(reference string) []domain.PaymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PaymentStatus(nil), s.history[reference]...)
}

// setPayment stores rec and appends its status to the history when it
// changed. Callers hold s.mu.
func (s *Store) setPayment(rec domain.PaymentRecord) {
	h := s.history[rec.Reference]
	if len(h) == 0 || h[len(h)-1] != rec.Status {
		s.history[rec.Reference] = append(h, rec.Status)
	}
	s.payments[rec.Reference] = rec
}

// FailTransactions makes the next n WithinTx calls return err without
// running, to simulate transient storage failures.
func (s *Store) FailTransactions(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txFailures = n
	s.txErr = err
}

// Balances and entries.

func (s *Store) GetBalance(_ context.Context, userID string) (domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[userID]; ok {
		return b, nil
	}
	return domain.Balance{UserID: userID}, nil
}

func (s *Store) ListEntries(_ context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID != userID {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txFailures > 0 {
		s.txFailures--
		return s.txErr
	}

	tx := &memTx{
		s:        s,
		balances: make(map[string]domain.Balance),
		payments: make(map[string]domain.PaymentRecord),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, v := range tx.balances {
		s.balances[k] = v
	}
	for _, v := range tx.payments {
		s.setPayment(v)
	}
	s.entries = append(s.entries, tx.entries...)
	return nil
}

type memTx struct {
	s        *Store
	balances map[string]domain.Balance
	payments map[string]domain.PaymentRecord
	entries  []domain.LedgerEntry
}

func (t *memTx) LockBalance(_ context.Context, userID string) (domain.Balance, error) {
	if b, ok := t.balances[userID]; ok {
		return b, nil
	}
	if b, ok := t.s.balances[userID]; ok {
		return b, nil
	}
	return domain.Balance{UserID: userID}, nil
}

func (t *memTx) SaveBalance(_ context.Context, userID string, amount, fenceToken int64, at time.Time) error {
	t.balances[userID] = domain.Balance{UserID: userID, Amount: amount, FenceToken: fenceToken, UpdatedAt: at}
	return nil
}

func (t *memTx) FindEntry(_ context.Context, userID string, kind domain.EntryKind, reference string) (*domain.LedgerEntry, error) {
	for _, list := range [][]domain.LedgerEntry{t.entries, t.s.entries} {
		for i := range list {
			if list[i].Kind == kind && list[i].Reference == reference && (userID == "" || list[i].UserID == userID) {
				e := list[i]
				return &e, nil
			}
		}
	}
	return nil, nil
}

func (t *memTx) AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if entry.Reference != "" {
		owner := entry.UserID
		if entry.Kind.PaymentScoped() {
			owner = ""
		}
		existing, _ := t.FindEntry(ctx, owner, entry.Kind, entry.Reference)
		if existing != nil {
			return ledger.ErrDuplicateEntry
		}
	}
	entry.ID = int64(len(t.s.entries) + len(t.entries) + 1)
	t.entries = append(t.entries, *entry)
	return nil
}

func (t *memTx) TransitionPayment(_ context.Context, tr ledger.PaymentTransition) (bool, error) {
	if err := domain.CheckTransition(tr.From, tr.To); err != nil {
		return false, err
	}
	rec, ok := t.payments[tr.Reference]
	if !ok {
		rec, ok = t.s.payments[tr.Reference]
	}
	if !ok || rec.UserID != tr.UserID || rec.Amount != tr.Amount || rec.Status != tr.From {
		return false, nil
	}
	rec.Status = tr.To
	rec.UpdatedAt = tr.At
	if tr.To == domain.PaymentCredited {
		at := tr.At
		rec.CreditedAt = &at
	}
	t.payments[tr.Reference] = rec
	return true, nil
}

// Payments.

func (s *Store) InsertPayment(_ context.Context, rec domain.PaymentRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[rec.Reference]; ok {
		return false, nil
	}
	s.setPayment(rec)
	return true, nil
}

func (s *Store) GetPayment(_ context.Context, reference string) (domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[reference]
	if !ok {
		return domain.PaymentRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *Store) AdvancePayment(_ context.Context, reference string, from, to domain.PaymentStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advance(reference, from, to, at)
}

func (s *Store) advance(reference string, from, to domain.PaymentStatus, at time.Time) (bool, error) {
	if err := domain.CheckTransition(from, to); err != nil {
		return false, err
	}
	rec, ok := s.payments[reference]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.UpdatedAt = at
	if to == domain.PaymentVerifying {
		rec.AttemptCount++
	}
	s.setPayment(rec)
	return true, nil
}

func (s *Store) FailPayment(_ context.Context, reference string, from domain.PaymentStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[reference]
	if !ok || rec.Status != from {
		return false, nil
	}
	if from == domain.PaymentPending {
		if ok, err := s.advance(reference, domain.PaymentPending, domain.PaymentVerifying, at); !ok || err != nil {
			return false, err
		}
	}
	return s.advance(reference, domain.PaymentVerifying, domain.PaymentFailed, at)
}

func (s *Store) InsertFailedPayment(_ context.Context, rec domain.PaymentRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[rec.Reference]; ok {
		return false, nil
	}
	rec.Status = domain.PaymentVerifying
	s.setPayment(rec)
	return s.advance(rec.Reference, domain.PaymentVerifying, domain.PaymentFailed, rec.UpdatedAt)
}

func (s *Store) ClaimAttempt(_ context.Context, reference string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[reference]
	if !ok || rec.Status != domain.PaymentVerifying {
		return false, nil
	}
	rec.AttemptCount++
	rec.UpdatedAt = at
	s.payments[reference] = rec
	return true, nil
}

func (s *Store) HasLedgerEntry(_ context.Context, kind domain.EntryKind, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Kind == kind && e.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) StuckPayments(_ context.Context, before time.Time, limit int) ([]domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentRecord
	for _, rec := range s.payments {
		if rec.Status == domain.PaymentVerifying && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Webhook events.

func (s *Store) RecordEvent(_ context.Context, ev domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.EventID] = ev
	return nil
}

func (s *Store) UpdateEvent(_ context.Context, id uuid.UUID, status domain.EventStatus, attempts int, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.ProcessingStatus = status
	ev.AttemptCount = attempts
	ev.Detail = detail
	s.events[id] = ev
	return nil
}

func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.WebhookEvent{}, domain.ErrNotFound
	}
	return ev, nil
}

// Dead letters.

func (s *Store) PutDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *Store) GetDeadLetter(_ context.Context, id uuid.UUID) (domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.deadLetters {
		if dl.ID == id {
			return dl, nil
		}
	}
	return domain.DeadLetter{}, domain.ErrNotFound
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeadLetter
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		out = append(out, s.deadLetters[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkReplayed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.deadLetters {
		if s.deadLetters[i].ID == id && s.deadLetters[i].ReplayedAt == nil {
			s.deadLetters[i].ReplayedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) HasOpenDeadLetter(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.deadLetters {
		if dl.TaskKey == key && dl.ReplayedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

// Reconciliation queue.

func (s *Store) FlagReconciliation(_ context.Context, item domain.ReconciliationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = int64(len(s.recon) + 1)
	s.recon = append(s.recon, item)
	return nil
}

func (s *Store) ListReconciliation(_ context.Context, limit int) ([]domain.ReconciliationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReconciliationItem
	for i := len(s.recon) - 1; i >= 0; i-- {
		out = append(out, s.recon[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
