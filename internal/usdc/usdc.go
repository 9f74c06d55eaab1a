// Package usdc converts between decimal USDC strings and base units.
//
// Gift amounts travel as decimal strings at the HTTP edge ("12.5") and as
// *big.Int base units everywhere else (1 USDC = 1,000,000 units).
package usdc

import (
	"errors"
	"math/big"
	"strings"
)

// Decimals is the precision of the escrowed asset.
const Decimals = 6

var (
	ErrEmpty       = errors.New("usdc: empty amount")
	ErrMalformed   = errors.New("usdc: malformed amount")
	ErrNegative    = errors.New("usdc: negative amount")
	ErrTooPrecise  = errors.New("usdc: more than 6 fractional digits")
	ErrNotPositive = errors.New("usdc: amount must be greater than zero")

	unitsPerDollar = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
)

// Parse converts a decimal string to base units. Unlike a lossy parser it
// rejects fractional digits beyond the asset precision instead of truncating:
// an escrowed amount must round-trip exactly.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || whole == "" && frac == "" {
		return nil, ErrMalformed
	}
	if len(frac) > Decimals {
		return nil, ErrTooPrecise
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, ErrMalformed
			}
		}
	}

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrMalformed
	}
	return v, nil
}

// ParsePositive is Parse plus a > 0 check.
func ParsePositive(s string) (*big.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, ErrNotPositive
	}
	return v, nil
}

// Format renders base units as a decimal string with trailing zeros removed
// ("1500000" -> "1.5", "2000000" -> "2").
func Format(units *big.Int) string {
	if units == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(units)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	q, r := new(big.Int).QuoRem(abs, unitsPerDollar, new(big.Int))
	if r.Sign() == 0 {
		return sign + q.String()
	}
	frac := r.String()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	return sign + q.String() + "." + strings.TrimRight(frac, "0")
}

// Units is a convenience for tests and constants: Units(12) == 12 USDC.
func Units(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), unitsPerDollar)
}
