package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const monetaryPrecision int32 = 4 // 4 decimal places (0.0001 precision)

// RoundMoney rounds an amount to the precision every comparison uses.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(monetaryPrecision)
}

// MeetsThreshold returns true if amount is greater than or equal to threshold.
// Both sides are rounded to monetaryPrecision first.
func MeetsThreshold(amount, threshold decimal.Decimal) bool {
	return RoundMoney(amount).GreaterThanOrEqual(RoundMoney(threshold))
}

// ParseMoney parses a decimal string into a positive, rounded amount.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d = RoundMoney(d)
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, d)
	}
	return d, nil
}

// Money formats an amount for messages and receipts.
func Money(amount decimal.Decimal) string {
	return RoundMoney(amount).String()
}
