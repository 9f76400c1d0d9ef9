package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a smallest-unit amount string into a big integer.
// The string must be a base-10 integer; anything else is rejected.
func ParseAmount(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount format: %q", amount)
	}
	return n, nil
}

// FormatUnits renders a smallest-unit amount as a human decimal string,
// e.g. FormatUnits(big 1000000, 6) == "1".
func FormatUnits(amount *big.Int, decimals int) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParseUnits converts a human decimal amount to smallest units,
// e.g. ParseUnits("1.5", 6) == 1500000.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}
	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}
	mult := decimal.NewFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil), 0)
	return dec.Mul(mult).BigInt(), nil
}
