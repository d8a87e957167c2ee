package services

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceEpsilon is the smallest difference treated as a real price change.
// One cent: float noise from upstream feeds must not trigger spurious
// "changed" events.
var PriceEpsilon = decimal.NewFromFloat(0.01)

// PriceDelta is the result of comparing an old and a new price observation.
type PriceDelta struct {
	Difference    decimal.Decimal `json:"difference"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Changed       bool            `json:"changed"`
	// IsNew marks a first-ever observation. A new card is a "new" event,
	// not a "change" event.
	IsNew bool `json:"is_new"`
}

var hundred = decimal.NewFromInt(100)

// CalculateDelta compares prices. oldPrice nil (or never observed) means the
// card is new. A negative newPrice fails with ErrInvalidPrice; the caller
// skips the card for the run and keeps the previous price.
func CalculateDelta(oldPrice *decimal.Decimal, newPrice decimal.Decimal) (PriceDelta, error) {
	if newPrice.IsNegative() {
		return PriceDelta{}, fmt.Errorf("%w: negative amount %s", ErrInvalidPrice, newPrice)
	}

	if oldPrice == nil || oldPrice.IsZero() {
		percent := decimal.Zero
		if !newPrice.IsZero() {
			percent = hundred
		}
		return PriceDelta{
			Difference:    newPrice,
			PercentChange: percent,
			Changed:       false,
			IsNew:         true,
		}, nil
	}

	difference := newPrice.Sub(*oldPrice)
	return PriceDelta{
		Difference:    difference,
		PercentChange: difference.Div(*oldPrice).Mul(hundred),
		Changed:       difference.Abs().Cmp(PriceEpsilon) >= 0,
	}, nil
}
