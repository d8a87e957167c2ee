package services

import (
	"github.com/shopspring/decimal"

	"github.com/cardledger/backend/internal/models"
)

// RecomputeAggregates rebuilds a context's derived fields from its card set
// in a single pass. The derived fields are caches: they must be recomputed
// after every sync and every card-set mutation.
//
// PriceDifference and PriceChange compare against the total before this
// recompute (per-sync movement). DailyPriceChange compares against
// PreviousDayTotalPrice, which only the daily rollover moves; the daily
// baseline must not drift with every sync.
func RecomputeAggregates(ctx *models.Context) {
	previousTotal := ctx.TotalPrice

	total := decimal.Zero
	quantity := 0
	for i := range ctx.Cards {
		card := &ctx.Cards[i]
		if card.Quantity <= 0 {
			continue
		}
		total = total.Add(card.Latest.Amount.Mul(decimal.NewFromInt(int64(card.Quantity))))
		quantity += card.Quantity
	}

	ctx.TotalPrice = total
	ctx.TotalQuantity = quantity
	ctx.PriceDifference = total.Sub(previousTotal)
	if previousTotal.IsZero() {
		ctx.PriceChange = 0
	} else {
		ctx.PriceChange = ctx.PriceDifference.Div(previousTotal).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	ctx.DailyPriceChange = FormatSignedAmount(total.Sub(ctx.PreviousDayTotalPrice))
}

// FormatSignedAmount renders a delta with an explicit sign for display,
// e.g. "+1.25", "-0.50", "0.00".
func FormatSignedAmount(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	if d.IsPositive() {
		return "+" + fixed
	}
	return fixed
}
