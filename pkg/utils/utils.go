// Package utils provides small shared helpers for the rebalancer.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with an optional prefix. Nothing in
// this module calls it; trace and session IDs come from the event sink.
func GenerateID(prefix string) string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// DaysBetween returns the whole number of calendar days between two
// timestamps, truncated toward zero. Used throughout the protection
// hierarchy (holding period, grace decay, whipsaw windows) where "days"
// means elapsed calendar days, not call count.
func DaysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

// ClampDecimal bounds d to [lo, hi].
func ClampDecimal(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// Clamp01 bounds d to [0, 1].
func Clamp01(d decimal.Decimal) decimal.Decimal {
	return ClampDecimal(d, decimal.Zero, decimal.NewFromInt(1))
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// SumDecimals adds a slice of decimals, returning zero for an empty slice.
func SumDecimals(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum
}

// RoundToGrain rounds d down to the nearest multiple of grain (spec
// §4.12's allocation grain is 0.1%). A value smaller than grain rounds to
// zero so callers can drop it. The sizing layer does not call it: it
// compares residuals against its own grain constant instead.
func RoundToGrain(d, grain decimal.Decimal) decimal.Decimal {
	if grain.IsZero() {
		return d
	}
	return d.Div(grain).Floor().Mul(grain)
}
