package mint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrZeroDenominator    = errors.New("settlement ratio denominator cannot be zero")
	ErrZeroNumerator      = errors.New("settlement ratio numerator cannot be zero")
	ErrRatioAboveOne      = errors.New("settlement ratio numerator cannot exceed denominator")
	ErrSettlementOverflow = errors.New("settlement result does not fit in 256 bits")
)

// Ratio is the fraction of a requested amount that gets minted.
type Ratio struct {
	Numerator   *uint256.Int
	Denominator *uint256.Int
}

// DefaultRatio keeps a 0.1% seigniorage.
func DefaultRatio() Ratio {
	return Ratio{Numerator: uint256.NewInt(999), Denominator: uint256.NewInt(1000)}
}

func NewRatio(numerator, denominator uint64) (Ratio, error) {
	ratio := Ratio{Numerator: uint256.NewInt(numerator), Denominator: uint256.NewInt(denominator)}
	if err := ratio.Validate(); err != nil {
		return Ratio{}, err
	}
	return ratio, nil
}

// Validate is run when the mint is configured. A ratio above one
// would mint more than the payment received.
func (r Ratio) Validate() error {
	if r.Denominator == nil || r.Denominator.IsZero() {
		return ErrZeroDenominator
	}
	if r.Numerator == nil || r.Numerator.IsZero() {
		return ErrZeroNumerator
	}
	if r.Numerator.Gt(r.Denominator) {
		return ErrRatioAboveOne
	}
	return nil
}

func (r Ratio) String() string {
	return fmt.Sprintf("%v/%v", r.Numerator.Dec(), r.Denominator.Dec())
}

// Settle returns floor(amount * numerator / denominator) computed
// with a 512 bit intermediate product.
func Settle(amount, numerator, denominator *uint256.Int) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, ErrZeroDenominator
	}
	minted, overflow := new(uint256.Int).MulDivOverflow(amount, numerator, denominator)
	if overflow {
		return nil, ErrSettlementOverflow
	}
	return minted, nil
}

func (r Ratio) Settle(amount *uint256.Int) (*uint256.Int, error) {
	return Settle(amount, r.Numerator, r.Denominator)
}
