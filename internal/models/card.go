package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot is an immutable observed price. Snapshots are never mutated
// after creation; they are replaced on a card or appended to a series.
type PriceSnapshot struct {
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(12,2)"`
	ObservedAt time.Time       `json:"observed_at"`
}

// IsZero reports whether the snapshot has never been populated.
func (s PriceSnapshot) IsZero() bool {
	return s.ObservedAt.IsZero()
}

// TrackedCard is a card instance inside a context, with its own price state.
// Uniqueness is (context_id, card_id); duplicate adds aggregate quantity.
type TrackedCard struct {
	ID        uint          `json:"id" gorm:"primaryKey;autoIncrement"`
	ContextID string        `json:"context_id" gorm:"not null;index;uniqueIndex:idx_context_card"`
	CardID    string        `json:"card_id" gorm:"not null;index;uniqueIndex:idx_context_card"`
	Name      string        `json:"name"`
	Quantity  int           `json:"quantity" gorm:"default:1"`
	Latest    PriceSnapshot `json:"latest_price" gorm:"embedded;embeddedPrefix:latest_"`
	LastSaved PriceSnapshot `json:"last_saved_price" gorm:"embedded;embeddedPrefix:last_saved_"`
	// DailyPointAt is when the card last received a daily-series point.
	// Nil until the first daily point is written.
	DailyPointAt *time.Time `json:"daily_point_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasPrice reports whether the card has ever been priced.
func (c *TrackedCard) HasPrice() bool {
	return !c.Latest.IsZero()
}

// ApplyPrice rotates the current price into LastSaved and records the new
// observation. LastSaved.ObservedAt never exceeds Latest.ObservedAt.
func (c *TrackedCard) ApplyPrice(snapshot PriceSnapshot) {
	if c.HasPrice() {
		c.LastSaved = c.Latest
	} else {
		c.LastSaved = snapshot
	}
	c.Latest = snapshot
}

// PriceSeries distinguishes the per-change history from the daily candles.
type PriceSeries string

const (
	SeriesLive  PriceSeries = "live"
	SeriesDaily PriceSeries = "daily"
)

// ParsePriceSeries maps a query-string value to a series, defaulting to live.
func ParsePriceSeries(s string) PriceSeries {
	if s == string(SeriesDaily) {
		return SeriesDaily
	}
	return SeriesLive
}

// PricePoint is one entry in a card's append-only price history.
// Insertion order is chronological.
type PricePoint struct {
	ID         uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	CardID     string          `json:"card_id" gorm:"not null;index:idx_point_card_series"`
	Series     PriceSeries     `json:"series" gorm:"not null;index:idx_point_card_series;default:'live'"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(12,2)"`
	ObservedAt time.Time       `json:"observed_at" gorm:"not null;index"`
}
