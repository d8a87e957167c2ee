package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/backend/internal/models"
)

func trackedCard(cardID string, qty int, amount float64) models.TrackedCard {
	return models.TrackedCard{
		CardID:   cardID,
		Quantity: qty,
		Latest: models.PriceSnapshot{
			Amount:     decimal.NewFromFloat(amount),
			ObservedAt: time.Now(),
		},
	}
}

func TestRecomputeAggregates(t *testing.T) {
	ctx := &models.Context{
		Cards: []models.TrackedCard{
			trackedCard("card-a", 3, 2.00),
			trackedCard("card-b", 1, 5.00),
		},
	}

	RecomputeAggregates(ctx)

	if !ctx.TotalPrice.Equal(decimal.NewFromFloat(11.00)) {
		t.Errorf("expected total 11.00, got %s", ctx.TotalPrice)
	}
	if ctx.TotalQuantity != 4 {
		t.Errorf("expected quantity 4, got %d", ctx.TotalQuantity)
	}
}

func TestRecomputeAggregatesSkipsRemovedCards(t *testing.T) {
	ctx := &models.Context{
		Cards: []models.TrackedCard{
			trackedCard("card-a", 2, 3.00),
			trackedCard("card-b", 0, 100.00),
		},
	}

	RecomputeAggregates(ctx)

	if !ctx.TotalPrice.Equal(decimal.NewFromFloat(6.00)) {
		t.Errorf("zero-quantity card should not count, got total %s", ctx.TotalPrice)
	}
	if ctx.TotalQuantity != 2 {
		t.Errorf("expected quantity 2, got %d", ctx.TotalQuantity)
	}
}

func TestRecomputeAggregatesSyncMovement(t *testing.T) {
	ctx := &models.Context{
		TotalPrice: decimal.NewFromFloat(10.00),
		Cards: []models.TrackedCard{
			trackedCard("card-a", 1, 12.50),
		},
	}

	RecomputeAggregates(ctx)

	if !ctx.PriceDifference.Equal(decimal.NewFromFloat(2.50)) {
		t.Errorf("expected difference 2.50, got %s", ctx.PriceDifference)
	}
	if ctx.PriceChange != 25.0 {
		t.Errorf("expected change 25%%, got %f", ctx.PriceChange)
	}
}

func TestRecomputeAggregatesDailyBaseline(t *testing.T) {
	ctx := &models.Context{
		PreviousDayTotalPrice: decimal.NewFromFloat(8.00),
		Cards: []models.TrackedCard{
			trackedCard("card-a", 1, 10.00),
		},
	}

	RecomputeAggregates(ctx)

	if ctx.DailyPriceChange != "+2.00" {
		t.Errorf("expected daily change +2.00, got %s", ctx.DailyPriceChange)
	}

	// Another recompute with unchanged prices must not move the baseline
	RecomputeAggregates(ctx)
	if ctx.DailyPriceChange != "+2.00" {
		t.Errorf("daily change drifted to %s", ctx.DailyPriceChange)
	}
}

func TestFormatSignedAmount(t *testing.T) {
	tests := []struct {
		amount   float64
		expected string
	}{
		{1.25, "+1.25"},
		{-0.50, "-0.50"},
		{0, "0.00"},
	}

	for _, tt := range tests {
		if got := FormatSignedAmount(decimal.NewFromFloat(tt.amount)); got != tt.expected {
			t.Errorf("FormatSignedAmount(%f) = %s, want %s", tt.amount, got, tt.expected)
		}
	}
}
