// Package core defines the domain model shared by every service: ledger
// entries, ZenMoney connection state, the delta sync cursor, and the
// offline queue entry.
//
// This file contains amount parsing and balance helpers. Amounts use
// shopspring/decimal throughout: the provider reports balances as JSON
// floats, and summing those as float64 drifts enough to trip the 1%
// reconciliation threshold on long ledgers.
package core

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a user-entered amount string to a decimal.
//
// It accepts both dot (12.34) and comma (12,34) separators and requires a
// strictly positive value; the sign of a ledger entry comes from its
// TransactionType, never from the input.
//
// Examples:
//
//	ParseAmount("12.34") -> 12.34, nil
//	ParseAmount("12,34") -> 12.34, nil
//	ParseAmount("-5")    -> error
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	// Provider amounts carry at most two fractional digits; round half-up
	// so "12.345" and "12.346" behave predictably.
	return d.Round(2), nil
}

// AmountFromFloat converts a provider-reported float to a decimal rounded
// to two places. Degenerate NaN/Inf inputs collapse to zero rather than
// poisoning downstream sums.
func AmountFromFloat(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	d := decimal.NewFromFloat(f)
	if !d.IsInteger() && d.Exponent() < -2 {
		return d.Round(2)
	}
	return d
}
