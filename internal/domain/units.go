package domain

import (
	"fmt"
	"math/big"
	"strconv"
)

// ScaleDown converts a fixed-point integer with the given decimals to float64.
// A nil value yields zero.
func ScaleDown(v *big.Int, decimals int) float64 {
	if v == nil {
		return 0
	}
	r := new(big.Rat).SetFrac(v, pow10(decimals))
	f, _ := r.Float64()
	return f
}

// ScaleUp converts a decimal value to a fixed-point integer, truncating any
// digits beyond the requested precision.
func ScaleUp(v float64, decimals int) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("invalid decimal %v", v)
	}
	r.Mul(r, new(big.Rat).SetInt(pow10(decimals)))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// ParseUnits parses a decimal string such as "12.5" into a fixed-point integer.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt(pow10(decimals)))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatUnits renders a fixed-point integer as a decimal string.
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	return new(big.Rat).SetFrac(v, pow10(decimals)).FloatString(decimals)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
