package pgbp

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount   = errors.New("amount cannot be negative")
	ErrAmountPrecision  = errors.New("amount has more decimals than the token supports")
	ErrAmountOverflow   = errors.New("amount does not fit in 256 bits")
	ErrInvalidAmountStr = errors.New("invalid amount")
)

// ToDecimal converts an amount in base units to a decimal string,
// e.g 1200000000000000000 with 18 decimals -> "1.2"
func ToDecimal(value *uint256.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value.ToBig(), -int32(decimals)).String()
}

// ToWei converts a decimal string to an amount in base units.
func ToWei(amount string, decimals int) (*uint256.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w '%v': %v", ErrInvalidAmountStr, amount, err)
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrAmountPrecision
	}

	wei, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrAmountOverflow
	}
	return wei, nil
}

// ParseAmount parses an amount in base units.
func ParseAmount(amount string) (*uint256.Int, error) {
	value, err := uint256.FromDecimal(amount)
	if err != nil {
		return nil, fmt.Errorf("%w '%v': %v", ErrInvalidAmountStr, amount, err)
	}
	return value, nil
}
