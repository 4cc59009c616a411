package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// PaymentStatus is the lifecycle state of a single gateway payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentVerifying PaymentStatus = "verifying"
	PaymentCredited  PaymentStatus = "credited"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// EntryKind classifies a balance-affecting operation.
type EntryKind string

const (
	KindCredit          EntryKind = "credit"
	KindDebit           EntryKind = "debit"
	KindBonus           EntryKind = "bonus"
	KindRefund          EntryKind = "refund"
	KindAdminAdjustment EntryKind = "admin_adjustment"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindBonus, KindRefund, KindAdminAdjustment:
		return true
	}
	return false
}

// PaymentScoped reports whether entries of this kind carry a payment
// reference, which is unique across all users. Other kinds carry
// caller-chosen references that are only unique per user.
func (k EntryKind) PaymentScoped() bool {
	return k == KindCredit || k == KindRefund
}

// EventStatus is the processing state of one physical webhook delivery.
type EventStatus string

const (
	EventReceived     EventStatus = "received"
	EventProcessing   EventStatus = "processing"
	EventApplied      EventStatus = "applied"
	EventDuplicate    EventStatus = "duplicate"
	EventRejected     EventStatus = "rejected"
	EventDeadLettered EventStatus = "dead-lettered"
)

// PaymentRecord represents one payment attempt at the gateway.
// At most one record per Reference ever reaches PaymentCredited.
type PaymentRecord struct {
	Reference    string        `json:"reference"`
	UserID       string        `json:"user_id"`
	Amount       int64         `json:"amount"`
	Currency     string        `json:"currency"`
	Status       PaymentStatus `json:"status"`
	Fingerprint  string        `json:"idempotency_fingerprint"`
	AttemptCount int           `json:"attempt_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CreditedAt   *time.Time    `json:"credited_at,omitempty"`
}

// LedgerEntry is an immutable record of a balance change.
// For a user, the sum of Delta over all entries equals the current balance.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Delta        int64     `json:"delta"`
	Kind         EntryKind `json:"kind"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	FencingToken int64     `json:"fencing_token"`
	CreatedAt    time.Time `json:"created_at"`
}

// Balance is the materialized balance row for a user. FenceToken is the
// highest fencing token that has committed a write against it.
type Balance struct {
	UserID     string    `json:"user_id"`
	Amount     int64     `json:"balance"`
	FenceToken int64     `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WebhookEvent is one physical delivery of a gateway notification.
type WebhookEvent struct {
	EventID          uuid.UUID   `json:"event_id"`
	Reference        string      `json:"reference,omitempty"`
	SignatureValid   bool        `json:"signature_valid"`
	ReceivedAt       time.Time   `json:"received_at"`
	ProcessingStatus EventStatus `json:"processing_status"`
	AttemptCount     int         `json:"attempt_count"`
	Detail           string      `json:"detail,omitempty"`
}

// Failure is one failed attempt in a task's history.
type Failure struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// DeadLetter holds a task that exhausted automatic retries. It is only ever
// replayed by an operator.
type DeadLetter struct {
	ID         uuid.UUID       `json:"id"`
	TaskKey    string          `json:"task_key"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	Failures   []Failure       `json:"failures"`
	CreatedAt  time.Time       `json:"created_at"`
	ReplayedAt *time.Time      `json:"replayed_at,omitempty"`
}

// Reconciliation reasons.
const (
	ReasonAmountMismatch      = "amount_mismatch"
	ReasonCurrencyMismatch    = "currency_mismatch"
	ReasonUserMismatch        = "user_mismatch"
	ReasonUnknownReference    = "unknown_reference"
	ReasonUnsupportedCurrency = "unsupported_currency"
)

// ReconciliationItem is an anomaly queued for manual review.
type ReconciliationItem struct {
	ID              int64      `json:"id"`
	Reference       string     `json:"reference"`
	Reason          string     `json:"reason"`
	StoredAmount    int64      `json:"stored_amount"`
	StoredCurrency  string     `json:"stored_currency,omitempty"`
	ClaimedAmount   int64      `json:"claimed_amount"`
	ClaimedCurrency string     `json:"claimed_currency"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// BalanceKey is the lock resource guarding a user's balance.
func BalanceKey(userID string) string {
	return "user:" + userID + ":balance"
}
