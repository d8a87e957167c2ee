package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ContextKind identifies what owns a set of tracked cards.
type ContextKind string

const (
	KindCollection ContextKind = "collection"
	KindDeck       ContextKind = "deck"
	KindCart       ContextKind = "cart"
)

// AllContextKinds returns every valid context kind.
func AllContextKinds() []ContextKind {
	return []ContextKind{KindCollection, KindDeck, KindCart}
}

// ParseContextKind maps a request string to a kind.
// Unknown values return false; kinds are dispatched through this table only.
func ParseContextKind(s string) (ContextKind, bool) {
	switch ContextKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindCollection:
		return KindCollection, true
	case KindDeck:
		return KindDeck, true
	case KindCart:
		return KindCart, true
	default:
		return "", false
	}
}

// Context is a collection, deck, or cart owning an ordered set of tracked
// cards. The derived fields are caches recomputed from the card set after
// every sync or card mutation, never sources of truth.
type Context struct {
	ID      string      `json:"id" gorm:"primaryKey"`
	UserID  string      `json:"user_id" gorm:"not null;index"`
	Kind    ContextKind `json:"kind" gorm:"not null;index;default:'collection'"`
	Name    string      `json:"name"`
	Version int         `json:"version" gorm:"not null;default:1"`

	TotalPrice            decimal.Decimal `json:"total_price" gorm:"type:decimal(14,2)"`
	TotalQuantity         int             `json:"total_quantity"`
	PreviousDayTotalPrice decimal.Decimal `json:"previous_day_total_price" gorm:"type:decimal(14,2)"`
	DailyPriceChange      string          `json:"daily_price_change"`
	PriceDifference       decimal.Decimal `json:"price_difference" gorm:"type:decimal(14,2)"`
	PriceChange           float64         `json:"price_change"`

	Cards     []TrackedCard `json:"cards" gorm:"foreignKey:ContextID"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CardByID returns the tracked card with the given external card ID.
func (c *Context) CardByID(cardID string) *TrackedCard {
	for i := range c.Cards {
		if c.Cards[i].CardID == cardID {
			return &c.Cards[i]
		}
	}
	return nil
}

// ContextValuePoint is one entry in a context's append-only value history,
// tracking TotalPrice over time rather than individual cards.
type ContextValuePoint struct {
	ID         uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	ContextID  string          `json:"context_id" gorm:"not null;index:idx_value_context_series"`
	Series     PriceSeries     `json:"series" gorm:"not null;index:idx_value_context_series;default:'live'"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(14,2)"`
	ObservedAt time.Time       `json:"observed_at" gorm:"not null;index"`
}

// CreateContextRequest is the payload for creating a context.
type CreateContextRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Kind   string `json:"kind" binding:"required"`
	Name   string `json:"name"`
}

// AddCardRequest is the payload for adding a card to a context.
// Amount is optional; when absent the price is initialized from the feed.
type AddCardRequest struct {
	CardID   string   `json:"card_id" binding:"required"`
	Name     string   `json:"name"`
	Quantity int      `json:"quantity"`
	Amount   *float64 `json:"amount"`
}

// UpdateCardRequest adjusts a tracked card. Quantity 0 removes the card.
type UpdateCardRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}
