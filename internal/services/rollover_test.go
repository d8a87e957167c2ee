package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/backend/internal/models"
)

func (s *memStore) HasDailyValuePointForDate(contextID string, date time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := date.AddDate(0, 0, 1)
	for _, p := range s.valuePoints {
		if p.ContextID != contextID || p.Series != models.SeriesDaily {
			continue
		}
		if !p.ObservedAt.Before(date) && p.ObservedAt.Before(next) {
			return true, nil
		}
	}
	return false, nil
}

func TestRolloverAll(t *testing.T) {
	ctx := testContext("ctx-1", pricedCard("card-a", 2, 10.00))
	ctx.TotalPrice = decimal.NewFromFloat(20.00)
	ctx.PreviousDayTotalPrice = decimal.NewFromFloat(15.00)
	store := newMemStore(ctx)

	svc := NewRolloverService(store, 23, time.Minute)
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	if err := svc.RolloverAll(now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, _ := store.ReloadContext("ctx-1")
	if !saved.PreviousDayTotalPrice.Equal(decimal.NewFromFloat(20.00)) {
		t.Errorf("baseline should move to the current total, got %s", saved.PreviousDayTotalPrice)
	}
	if saved.DailyPriceChange != "0.00" {
		t.Errorf("daily change should reset to 0.00, got %s", saved.DailyPriceChange)
	}

	if len(store.valuePoints) != 1 {
		t.Fatalf("expected 1 daily value point, got %d", len(store.valuePoints))
	}
	point := store.valuePoints[0]
	if point.Series != models.SeriesDaily {
		t.Errorf("expected daily series, got %s", point.Series)
	}
	if !point.Amount.Equal(decimal.NewFromFloat(20.00)) {
		t.Errorf("expected point amount 20.00, got %s", point.Amount)
	}
}

func TestRolloverAllIdempotentWithinDay(t *testing.T) {
	ctx := testContext("ctx-1", pricedCard("card-a", 1, 10.00))
	ctx.TotalPrice = decimal.NewFromFloat(10.00)
	store := newMemStore(ctx)

	svc := NewRolloverService(store, 23, time.Minute)
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	if err := svc.RolloverAll(now); err != nil {
		t.Fatalf("first rollover failed: %v", err)
	}
	savesAfterFirst := store.saveCalls

	// Later the same evening: nothing else to do
	if err := svc.RolloverAll(now.Add(20 * time.Minute)); err != nil {
		t.Fatalf("second rollover failed: %v", err)
	}

	if store.saveCalls != savesAfterFirst {
		t.Error("second rollover within a day should not write")
	}
	if len(store.valuePoints) != 1 {
		t.Errorf("expected 1 daily point for the day, got %d", len(store.valuePoints))
	}

	// Next evening it rolls again
	if err := svc.RolloverAll(now.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("next-day rollover failed: %v", err)
	}
	if len(store.valuePoints) != 2 {
		t.Errorf("expected a second daily point the next day, got %d", len(store.valuePoints))
	}
}

func TestNewRolloverServiceDefaults(t *testing.T) {
	svc := NewRolloverService(newMemStore(), -1, 0)
	if svc.rolloverHour != 23 {
		t.Errorf("expected default hour 23, got %d", svc.rolloverHour)
	}
	if svc.checkInterval != 15*time.Minute {
		t.Errorf("expected default interval 15m, got %v", svc.checkInterval)
	}
}
