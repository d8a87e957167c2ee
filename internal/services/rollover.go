package services

import (
	"context"
	"log"
	"time"

	"github.com/cardledger/backend/internal/models"
)

// RolloverStore is the persistence surface the rollover worker needs.
type RolloverStore interface {
	ContextStore
	HasDailyValuePointForDate(contextID string, date time.Time) (bool, error)
}

// RolloverService moves the daily price baseline once per day.
//
// PreviousDayTotalPrice only changes here, never during a sync: measuring
// "daily change" against a baseline that moved with every sync would make
// the number meaningless. The rollover also writes the daily point of each
// context's value series, at most one per calendar day.
type RolloverService struct {
	store         RolloverStore
	rolloverHour  int // Hour of day after which the rollover runs (0-23)
	checkInterval time.Duration
	maxAttempts   int
}

// NewRolloverService creates the daily rollover worker.
func NewRolloverService(store RolloverStore, rolloverHour int, checkInterval time.Duration) *RolloverService {
	if rolloverHour < 0 || rolloverHour > 23 {
		rolloverHour = 23
	}
	if checkInterval <= 0 {
		checkInterval = 15 * time.Minute
	}
	return &RolloverService{
		store:         store,
		rolloverHour:  rolloverHour,
		checkInterval: checkInterval,
		maxAttempts:   3,
	}
}

// Start begins the background rollover worker.
func (s *RolloverService) Start(ctx context.Context) {
	log.Printf("Rollover service started: daily baseline rolls over after %02d:00", s.rolloverHour)

	s.checkAndRollover()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Rollover service stopping...")
			return
		case <-ticker.C:
			s.checkAndRollover()
		}
	}
}

// checkAndRollover rolls contexts over once the configured hour has passed.
func (s *RolloverService) checkAndRollover() {
	now := time.Now()
	if now.Hour() < s.rolloverHour {
		return
	}
	if err := s.RolloverAll(now); err != nil {
		log.Printf("Rollover service: rollover failed: %v", err)
	}
}

// RolloverAll processes every tracked context: contexts that already have a
// daily point for today are skipped, making repeated calls within a day
// no-ops.
func (s *RolloverService) RolloverAll(now time.Time) error {
	contexts, err := s.store.FindContextsNeedingSync(SyncScope{})
	if err != nil {
		return err
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	rolled := 0

	for i := range contexts {
		c := &contexts[i]

		done, err := s.store.HasDailyValuePointForDate(c.ID, today)
		if err != nil {
			log.Printf("Rollover service: failed to check daily point for context %s: %v", c.ID, err)
			continue
		}
		if done {
			continue
		}

		if err := s.rolloverContext(c, now); err != nil {
			log.Printf("Rollover service: failed to roll over context %s: %v", c.ID, err)
			continue
		}
		rolled++
	}

	if rolled > 0 {
		log.Printf("Rollover service: rolled over %d contexts for %s", rolled, today.Format("2006-01-02"))
	}
	return nil
}

// rolloverContext resets one context's daily baseline and appends its daily
// value point, retrying version conflicts against a fresh copy.
func (s *RolloverService) rolloverContext(c *models.Context, now time.Time) error {
	current := c
	for attempt := 1; ; attempt++ {
		current.PreviousDayTotalPrice = current.TotalPrice
		current.DailyPriceChange = FormatSignedAmount(current.TotalPrice.Sub(current.PreviousDayTotalPrice))

		err := s.store.SaveContext(current, current.Version)
		if err == nil {
			break
		}
		if attempt >= s.maxAttempts {
			return err
		}
		fresh, rerr := s.store.ReloadContext(current.ID)
		if rerr != nil {
			return rerr
		}
		current = fresh
	}

	return s.store.AppendContextValuePoint(models.ContextValuePoint{
		ContextID:  current.ID,
		Series:     models.SeriesDaily,
		Amount:     current.TotalPrice,
		ObservedAt: now,
	})
}
