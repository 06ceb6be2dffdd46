/*
This file contains common utility functions for validating and formatting the floating point
amounts that flow between the data provider, the reallocation engine and the agent tools.
*/

package utils

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFinite      = errors.New("value is not finite")
	ErrAmountNegative = errors.New("amount is negative")
)

// RequireFinite returns ErrNotFinite if v is NaN or infinite.
func RequireFinite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is %v", ErrNotFinite, name, v)
	}
	return nil
}

// RequireNonNegative returns an error if v is not finite or is below zero.
func RequireNonNegative(name string, v float64) error {
	if err := RequireFinite(name, v); err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("%w: %s is %v", ErrAmountNegative, name, v)
	}
	return nil
}

// exactDigits is enough fractional digits to write any float64 exactly.
const exactDigits = 1074

// FormatFixed renders v with exactly digits decimal places. Rounding works on the exact binary
// value and sends ties away from zero, so 20.125 gives "20.13" while 1.005 (stored just below)
// gives "1.00".
func FormatFixed(v float64, digits int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', digits, 64)
	}
	exact, err := decimal.NewFromString(new(big.Float).SetFloat64(v).Text('f', exactDigits))
	if err != nil {
		return strconv.FormatFloat(v, 'f', digits, 64)
	}
	return exact.StringFixed(int32(digits))
}

// FormatPlain renders v in its shortest exact form (100, 1.5, 0.25).
func FormatPlain(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatInMillions renders a USD amount in millions with an M suffix, e.g. $12.35M.
func FormatInMillions(v float64, digits int) string {
	return "$" + FormatFixed(v/1_000_000, digits) + "M"
}
