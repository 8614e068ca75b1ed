// Package token provides unit parsing and formatting for on-chain amounts.
//
// Escrow bridge deployments settle either a 6-decimal stable token (USDC)
// or the 18-decimal native token. Amounts travel as big.Int in the smallest
// unit and are converted to decimal strings only at API boundaries.
package token

import (
	"math/big"
	"strings"
)

const (
	// StableDecimals is the precision of the USDC settlement token.
	StableDecimals = 6

	// NativeDecimals is the precision of native-token settlements.
	NativeDecimals = 18
)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation at the given precision. Returns (nil, false)
// on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the precision
func Parse(s string, decimals int) (*big.Int, bool) {
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

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly `decimals` fractional digits (e.g. "1.500000").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0." + strings.Repeat("0", decimals)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// ToFloat converts a smallest-unit big.Int to a float64 at the given
// precision. Precision loss is acceptable here: the result feeds analytics
// rows and API responses, not on-chain values.
func ToFloat(amount *big.Int, decimals int) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	div := new(big.Float).SetInt(pow10(decimals))
	out, _ := new(big.Float).Quo(f, div).Float64()
	return out
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
