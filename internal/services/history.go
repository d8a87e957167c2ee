package services

import (
	"time"

	"github.com/cardledger/backend/internal/models"
)

// DailyRetentionWindow is the minimum spacing between daily-series points.
const DailyRetentionWindow = 24 * time.Hour

// ShouldAppendDaily reports whether a new daily-series point is due.
// A card keeps at most one daily point per 24h window.
func ShouldAppendDaily(lastDaily *time.Time, now time.Time) bool {
	if lastDaily == nil {
		return true
	}
	return now.Sub(*lastDaily) >= DailyRetentionWindow
}

// CompactDaily reduces a chronologically ordered series to at most one point
// per calendar day, keeping the first point of each day. The first entry of
// the series is always retained. Running the filter over already-compacted
// data yields the same result.
func CompactDaily(points []models.PriceSnapshot) []models.PriceSnapshot {
	if len(points) == 0 {
		return nil
	}

	compacted := make([]models.PriceSnapshot, 0, len(points))
	var lastDay time.Time

	for _, p := range points {
		day := startOfDay(p.ObservedAt)
		if len(compacted) == 0 || day.After(lastDay) {
			compacted = append(compacted, p)
			lastDay = day
		}
	}

	return compacted
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
