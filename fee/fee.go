package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidBasisPoints signals a rate outside the 0..10000 range.
	ErrInvalidBasisPoints = errors.New("fee: basis points must be between 0 and 10000")
	// ErrInvalidAmount signals a non-positive amount.
	ErrInvalidAmount = errors.New("fee: amount must be positive")
)

// MaxBasisPoints is the whole of a quoted amount expressed in basis points.
const MaxBasisPoints = 10000

// DefaultScale is the truncation precision used when none is configured.
// Eight fractional digits matches the base-unit precision of the tokens the
// ledger settles in.
const DefaultScale int32 = 8

// Calculator converts an escrow amount and a basis-point rate into the fee
// charged on top of it. Fees truncate toward zero at the calculator's scale so
// the relayer never over-collects by a fraction of a base unit.
type Calculator struct {
	scale int32
}

// NewCalculator builds a Calculator truncating at the given number of
// fractional digits. Negative scales fall back to DefaultScale.
func NewCalculator(scale int32) Calculator {
	if scale < 0 {
		scale = DefaultScale
	}
	return Calculator{scale: scale}
}

// Quote returns the fee for amount at basisPoints and the total the payer owes.
// The fee is charged on top: total = amount + fee, and the escrowed payout
// stays the full amount.
func (c Calculator) Quote(amount decimal.Decimal, basisPoints int64) (fee, total decimal.Decimal, err error) {
	if basisPoints < 0 || basisPoints > MaxBasisPoints {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: got %d", ErrInvalidBasisPoints, basisPoints)
	}
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}

	fee = amount.
		Mul(decimal.NewFromInt(basisPoints)).
		Div(decimal.NewFromInt(MaxBasisPoints)).
		Truncate(c.scale)
	return fee, amount.Add(fee), nil
}
