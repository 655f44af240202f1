// Package money implements the platform's only representation of currency:
// USD_MICROS, a signed integer count of millionths of a dollar. Every
// ledger, reservation, and receipt value that crosses a package boundary is
// an int64 in this unit; float64 never appears in a money computation.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MicrosPerDollar is DEC-4211's fixed-point base.
const MicrosPerDollar = 1_000_000

// MaxAmountUSD bounds any single amount this platform will accept or emit,
// guarding against malformed upstream pricing data overflowing int64 math
// long before it could.
var MaxAmountUSD = decimal.NewFromInt(10_000)

// Error is returned for any money value rejected by this package.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// NegativeAmountError reports an amount that was required to be >= 0.
type NegativeAmountError struct{ Amount string }

func (e *NegativeAmountError) Error() string {
	return fmt.Sprintf("negative amount not allowed: %s", e.Amount)
}

// AmountTooLargeError reports an amount exceeding MaxAmountUSD.
type AmountTooLargeError struct{ Amount string }

func (e *AmountTooLargeError) Error() string {
	return fmt.Sprintf("amount exceeds maximum of %s: %s", MaxAmountUSD.String(), e.Amount)
}

// ToDecimal converts a USD_MICROS integer to a decimal.Decimal dollar value.
func ToDecimal(micros int64) decimal.Decimal {
	return decimal.NewFromInt(micros).Div(decimal.NewFromInt(MicrosPerDollar))
}

// FromDecimal converts a decimal dollar amount to USD_MICROS, rounding
// half-up to the nearest micro the way original_source's money.py does via
// Decimal.quantize(ROUND_HALF_UP).
func FromDecimal(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, &NegativeAmountError{Amount: amount.String()}
	}
	if amount.GreaterThan(MaxAmountUSD) {
		return 0, &AmountTooLargeError{Amount: amount.String()}
	}
	scaled := amount.Mul(decimal.NewFromInt(MicrosPerDollar)).Round(0)
	return scaled.IntPart(), nil
}

// Format renders a USD_MICROS amount as a fixed 4-decimal-place string,
// the wire format spec.md §6.1 requires at the API boundary.
func Format(micros int64) string {
	return ToDecimal(micros).StringFixed(4)
}

// Parse parses a decimal USD string (e.g. "12.3400") into USD_MICROS,
// rejecting negative or over-maximum amounts and malformed input.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &Error{Reason: fmt.Sprintf("invalid money string %q: %v", s, err)}
	}
	return FromDecimal(d)
}

// Validate checks a raw USD_MICROS integer against the platform's bounds
// without going through string parsing, for values already computed in
// micros (e.g. pricing table entries, ledger reads).
func Validate(micros int64) error {
	if micros < 0 {
		return &NegativeAmountError{Amount: fmt.Sprintf("%d micros", micros)}
	}
	maxMicros, _ := FromDecimal(MaxAmountUSD)
	if micros > maxMicros {
		return &AmountTooLargeError{Amount: fmt.Sprintf("%d micros", micros)}
	}
	return nil
}

// MinimumFee computes the minimum cancellation/failure fee per spec.md's
// resolved formula: min(max(floor, basisPoints% of reserved), reserved, ceiling).
// The inner max() guarantees a fee is never below the platform floor even on
// tiny reservations; the outer min() against `reserved` guarantees the fee
// never exceeds what was actually set aside, and the ceiling caps it on
// large reservations.
func MinimumFee(reservedMicros, floorMicros, ceilingMicros, basisPoints int64) int64 {
	pct := reservedMicros * basisPoints / 10_000
	fee := pct
	if fee < floorMicros {
		fee = floorMicros
	}
	if fee > reservedMicros {
		fee = reservedMicros
	}
	if fee > ceilingMicros {
		fee = ceilingMicros
	}
	if fee < 0 {
		fee = 0
	}
	return fee
}
