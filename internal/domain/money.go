package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrAmountPrecision = errors.New("amount has more precision than the currency allows")
	ErrAmountRange     = errors.New("amount out of range")
)

var currencyExponent = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Exponent returns the number of minor-unit digits for an ISO 4217 code.
func Exponent(currency string) int32 {
	if exp, ok := currencyExponent[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ToMinorUnits converts a major-unit decimal (10.50 USD) to minor units (1050).
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	scaled := amount.Shift(Exponent(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrAmountPrecision
	}
	if scaled.Abs().GreaterThan(maxMinor) {
		return 0, ErrAmountRange
	}
	return scaled.IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}

// FormatMinorUnits renders minor units with the currency's fixed precision.
func FormatMinorUnits(amount int64, currency string) string {
	return FromMinorUnits(amount, currency).StringFixed(Exponent(currency))
}

// Fingerprint identifies a (reference, amount) pair for duplicate detection.
func Fingerprint(reference string, amount int64) string {
	sum := sha256.Sum256([]byte(reference + ":" + strconv.FormatInt(amount, 10)))
	return hex.EncodeToString(sum[:])
}
