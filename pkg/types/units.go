// Package types holds small value types shared across packages.
package types

import (
	"fmt"
	"math/big"
	"strings"
)

// Unit decimals used when presenting ledger amounts.
const (
	EtherDecimals = 18
	GweiDecimals  = 9
)

// FormatUnits renders an integer amount of base units as a decimal string
// with the given number of decimals. The fraction keeps at least one digit,
// so whole amounts print as "1.0".
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)

	s := abs.String()
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
		if frac == "" {
			frac = "0"
		}
		s = whole + "." + frac
	} else {
		s += ".0"
	}
	if neg {
		s = "-" + s
	}
	return s
}

// ParseUnits parses a decimal string into base units with the given number
// of decimals. More fractional digits than decimals is an error.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(v, "-")
	v = strings.TrimPrefix(v, "-")

	whole, frac, _ := strings.Cut(v, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimals", value, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}
