// Package model defines the domain types shared across the gateway:
// accounts, ledger transactions, submissions, and the fixed-point money
// representation the ledger and durable store both speak.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Money is a fixed-point amount with two decimal places, stored as an
// integer count of cents. This avoids float rounding in the hot path
// while still round-tripping cleanly through Redis's string-valued
// counters, which the ledger scripts manipulate with INCRBYFLOAT.
type Money int64

// ParseMoney parses a decimal string such as "12.34" or "12" into Money.
// Returns an error if the string has more than two fractional digits or
// is not numeric.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("model: empty money string")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac {
		if len(frac) > 2 {
			return 0, fmt.Errorf("model: too much precision in %q", s)
		}
		for len(frac) < 2 {
			frac += "0"
		}
	} else {
		frac = "00"
	}
	wholeN, err := strconv.ParseInt(whole, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("model: invalid money %q: %w", s, err)
	}
	fracN, err := strconv.ParseInt(frac, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("model: invalid money %q: %w", s, err)
	}
	v := wholeN*100 + fracN
	if neg {
		v = -v
	}
	return Money(v), nil
}

// MoneyFromFloat converts a float64 decimal amount (as returned by the
// hot store's atomic float counters) into Money, rounding to the
// nearest cent.
func MoneyFromFloat(f float64) Money {
	if f >= 0 {
		return Money(int64(f*100 + 0.5))
	}
	return Money(int64(f*100 - 0.5))
}

// Float64 returns the amount as a float, for operations (INCRBYFLOAT)
// that the hot store only exposes in float form.
func (m Money) Float64() float64 {
	return float64(m) / 100
}

// String renders the amount as a two-decimal string, e.g. "12.34".
func (m Money) String() string {
	neg := m < 0
	v := int64(m)
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d.%02d", v/100, v%100)
	if neg {
		s = "-" + s
	}
	return s
}

// Positive reports whether the amount is strictly greater than zero.
// All monetary paths (charge, reserve) reject non-positive amounts.
func (m Money) Positive() bool {
	return m > 0
}
