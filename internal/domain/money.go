package domain

import (
	"github.com/shopspring/decimal"
)

// Amounts are int64 minor units (cents).
const minorUnitsPerMajor = 100

const basisPointsDenominator = 10_000

// ToDecimal converts minor units to a major-unit decimal.
func ToDecimal(amount int64) decimal.Decimal {
	return decimal.NewFromInt(amount).Div(decimal.NewFromInt(minorUnitsPerMajor))
}

// FormatAmount renders minor units as a fixed two-decimal string.
func FormatAmount(amount int64) string {
	return ToDecimal(amount).StringFixed(2)
}

// FeePolicy computes the platform fee taken from a released escrow amount.
type FeePolicy interface {
	Fee(amount int64) (int64, error)
}

// PercentageFee charges BasisPoints/10000 of the amount, rounded down.
type PercentageFee struct {
	BasisPoints int64
}

func (p PercentageFee) Fee(amount int64) (int64, error) {
	if p.BasisPoints < 0 || p.BasisPoints > basisPointsDenominator {
		return 0, Validation("invalid_fee", "fee basis points must be between 0 and 10000")
	}
	if amount < 0 {
		return 0, Validation("invalid_amount", "amount must not be negative")
	}
	fee := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(p.BasisPoints)).
		Div(decimal.NewFromInt(basisPointsDenominator)).
		Floor()
	return fee.IntPart(), nil
}

// FlatFee charges a fixed amount, capped at the released amount.
type FlatFee struct {
	Amount int64
}

func (f FlatFee) Fee(amount int64) (int64, error) {
	if f.Amount < 0 {
		return 0, Validation("invalid_fee", "flat fee must not be negative")
	}
	return min(f.Amount, amount), nil
}

// NoFee releases the full amount to the hunter.
type NoFee struct{}

func (NoFee) Fee(int64) (int64, error) { return 0, nil }
