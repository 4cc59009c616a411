// Package webhook parses payment gateway notifications.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/smscredit/internal/domain"
)

var ErrMalformed = errors.New("malformed notification")

const maxReferenceLen = 128

// GatewayStatus is the normalized form of the gateway's raw_status.
type GatewayStatus string

const (
	StatusSucceeded GatewayStatus = "succeeded"
	StatusFailed    GatewayStatus = "failed"
	StatusPending   GatewayStatus = "pending"
)

// Notification is a verified, parsed gateway notification. Amount is in
// minor units of Currency.
type Notification struct {
	GatewayEventID string        `json:"gateway_event_id,omitempty"`
	EventType      string        `json:"event_type"`
	Reference      string        `json:"reference"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	RawStatus      string        `json:"raw_status"`
	Status         GatewayStatus `json:"status"`
	UserID         string        `json:"user_id,omitempty"`
}

type payload struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	RawStatus string          `json:"raw_status"`
	UserID    string          `json:"user_id"`
	Metadata  struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

// Parse decodes and validates a raw notification body.
func Parse(raw []byte) (Notification, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	n := Notification{
		GatewayEventID: strings.TrimSpace(p.ID),
		EventType:      strings.TrimSpace(p.EventType),
		Reference:      strings.TrimSpace(p.Reference),
		Currency:       strings.ToUpper(strings.TrimSpace(p.Currency)),
		RawStatus:      strings.TrimSpace(p.RawStatus),
		UserID:         strings.TrimSpace(p.UserID),
	}
	if n.UserID == "" {
		n.UserID = strings.TrimSpace(p.Metadata.UserID)
	}

	if n.EventType == "" {
		return Notification{}, fmt.Errorf("%w: event_type is required", ErrMalformed)
	}
	if n.Reference == "" || len(n.Reference) > maxReferenceLen {
		return Notification{}, fmt.Errorf("%w: invalid reference", ErrMalformed)
	}
	if !validCurrency(n.Currency) {
		return Notification{}, fmt.Errorf("%w: invalid currency %q", ErrMalformed, p.Currency)
	}
	if !p.Amount.IsPositive() {
		return Notification{}, fmt.Errorf("%w: amount must be positive", ErrMalformed)
	}
	amount, err := domain.ToMinorUnits(p.Amount, n.Currency)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n.Amount = amount
	n.Status = Classify(n.RawStatus)
	return n, nil
}

// Classify maps a gateway raw_status onto a GatewayStatus. Unknown values
// are treated as still pending.
func Classify(raw string) GatewayStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "successful", "paid", "completed":
		return StatusSucceeded
	case "failed", "declined", "cancelled", "canceled", "expired", "reversed":
		return StatusFailed
	}
	return StatusPending
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
