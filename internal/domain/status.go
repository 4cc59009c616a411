package domain

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal payment status transition")

var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentVerifying},
	PaymentVerifying: {PaymentCredited, PaymentFailed},
	PaymentCredited:  {PaymentRefunded},
}

// CanTransition reports whether a payment may move from one status to another.
// Nothing skips verifying, failed is terminal and credited only leaves via refund.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition when CanTransition forbids the move.
func CheckTransition(from, to PaymentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Settled reports whether no further automatic processing applies to the status.
func (s PaymentStatus) Settled() bool {
	switch s {
	case PaymentCredited, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}
