// Package models holds the request and response bodies of the HTTP API.
// Amounts cross the wire in major units of the ledger currency.
package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/smscredit/internal/domain"
)

// OpenPaymentRequest starts a checkout for the calling user.
type OpenPaymentRequest struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// DebitRequest spends part of a user's balance.
type DebitRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// AdjustmentRequest grants a bonus or applies an operator correction.
// Amount may be negative for admin_adjustment.
type AdjustmentRequest struct {
	Kind      domain.EntryKind `json:"kind"`
	Amount    decimal.Decimal  `json:"amount"`
	Reference string           `json:"reference,omitempty"`
}

type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Display   string    `json:"display_balance"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// LedgerEntry is an entry as shown to API clients.
type LedgerEntry struct {
	ID           int64            `json:"id"`
	Kind         domain.EntryKind `json:"kind"`
	Delta        int64            `json:"delta"`
	BalanceAfter int64            `json:"balance_after"`
	Reference    string           `json:"reference,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type MutationResponse struct {
	Entry    LedgerEntry `json:"entry"`
	Balance  Account     `json:"balance"`
	Replayed bool        `json:"replayed"`
}

func NewAccount(b domain.Balance, currency string) Account {
	return Account{
		UserID:    b.UserID,
		Balance:   b.Amount,
		Display:   domain.FormatMinorUnits(b.Amount, currency),
		Currency:  currency,
		UpdatedAt: b.UpdatedAt,
	}
}

func NewLedgerEntry(e domain.LedgerEntry) LedgerEntry {
	return LedgerEntry{
		ID:           e.ID,
		Kind:         e.Kind,
		Delta:        e.Delta,
		BalanceAfter: e.BalanceAfter,
		Reference:    e.Reference,
		CreatedAt:    e.CreatedAt,
	}
}

func NewLedgerEntries(entries []domain.LedgerEntry) []LedgerEntry {
	out := make([]LedgerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewLedgerEntry(e))
	}
	return out
}
