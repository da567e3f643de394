// Package money provides fixed-point monetary arithmetic.
//
// Amounts are stored as big.Int in minor units with 8 decimal places
// (1.0 = 100,000,000 units). Eight decimals cover every rail the gateway
// settles: satoshis (8), lamports-denominated SOL prices, USDC (6, padded)
// and Stripe cents. Commission math never touches floating point.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 8

// Parse converts a decimal string (e.g. "1.5") to its minor-unit big.Int
// representation (150000000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 8 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// Format converts a minor-unit big.Int to a decimal string with exactly
// 8 decimal places (e.g. "1.50000000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether the decimal string parses to an amount > 0.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// MulBps multiplies a minor-unit amount by a basis-point rate, rounding
// down. 10000 bps = 100%.
func MulBps(amount *big.Int, bps int64) *big.Int {
	product := new(big.Int).Mul(amount, big.NewInt(bps))
	return product.Quo(product, big.NewInt(10000))
}
