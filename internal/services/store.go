package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cardledger/backend/internal/models"
)

// SyncScope narrows a run to a user and/or a specific card set.
// The zero value means "all tracked contexts".
type SyncScope struct {
	UserID  string
	CardIDs []string
}

// IsAll reports whether the scope covers every tracked context.
func (s SyncScope) IsAll() bool {
	return s.UserID == "" && len(s.CardIDs) == 0
}

// ContextStore is the persistence contract consumed by the orchestrator and
// the rollover worker. The gorm implementation below is the production one;
// tests substitute stubs.
type ContextStore interface {
	FindContextsNeedingSync(scope SyncScope) ([]models.Context, error)
	ReloadContext(id string) (*models.Context, error)
	// SaveContext persists a context and its cards iff the stored version
	// still equals expectedVersion; otherwise ErrVersionConflict.
	SaveContext(ctx *models.Context, expectedVersion int) error
	AppendPricePoint(point models.PricePoint) error
	AppendContextValuePoint(point models.ContextValuePoint) error
	SaveSyncRun(run *models.SyncRun) error
}

// GormStore implements ContextStore plus the query surface used by the
// HTTP handlers, backed by sqlite through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store around an initialized gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// FindContextsNeedingSync loads all contexts in scope with their cards.
// A card-ID scope selects only contexts containing at least one of the cards.
func (s *GormStore) FindContextsNeedingSync(scope SyncScope) ([]models.Context, error) {
	query := s.db.Preload("Cards")
	if scope.UserID != "" {
		query = query.Where("user_id = ?", scope.UserID)
	}
	if len(scope.CardIDs) > 0 {
		query = query.Where(
			"id IN (SELECT DISTINCT context_id FROM tracked_cards WHERE card_id IN ?)",
			scope.CardIDs,
		)
	}

	var contexts []models.Context
	if err := query.Find(&contexts).Error; err != nil {
		return nil, fmt.Errorf("failed to load contexts: %w", err)
	}
	return contexts, nil
}

// ReloadContext fetches a fresh copy of a context and its cards.
func (s *GormStore) ReloadContext(id string) (*models.Context, error) {
	var ctx models.Context
	err := s.db.Preload("Cards").First(&ctx, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ctx, nil
}

// SaveContext writes the context row guarded by a compare-and-swap on
// Version, then replaces its card rows in the same transaction. Cards whose
// quantity dropped to zero are deleted, never stored negative.
func (s *GormStore) SaveContext(ctx *models.Context, expectedVersion int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		ctx.Version = expectedVersion + 1
		result := tx.Model(&models.Context{}).
			Where("id = ? AND version = ?", ctx.ID, expectedVersion).
			Updates(map[string]interface{}{
				"version":                  ctx.Version,
				"name":                     ctx.Name,
				"total_price":              ctx.TotalPrice,
				"total_quantity":           ctx.TotalQuantity,
				"previous_day_total_price": ctx.PreviousDayTotalPrice,
				"daily_price_change":       ctx.DailyPriceChange,
				"price_difference":         ctx.PriceDifference,
				"price_change":             ctx.PriceChange,
				"updated_at":               time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			ctx.Version = expectedVersion
			var count int64
			tx.Model(&models.Context{}).Where("id = ?", ctx.ID).Count(&count)
			if count == 0 {
				return ErrContextNotFound
			}
			return fmt.Errorf("%w: context %s expected version %d", ErrVersionConflict, ctx.ID, expectedVersion)
		}

		for i := range ctx.Cards {
			card := &ctx.Cards[i]
			card.ContextID = ctx.ID
			if card.Quantity <= 0 {
				if card.ID != 0 {
					if err := tx.Delete(&models.TrackedCard{}, card.ID).Error; err != nil {
						return err
					}
				}
				continue
			}
			if err := tx.Save(card).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateContext inserts a new context.
func (s *GormStore) CreateContext(ctx *models.Context) error {
	return s.db.Create(ctx).Error
}

// DeleteContext removes a context, its cards, and its value history.
func (s *GormStore) DeleteContext(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&models.Context{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrContextNotFound
		}
		if err := tx.Delete(&models.TrackedCard{}, "context_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ContextValuePoint{}, "context_id = ?", id).Error
	})
}

// ContextsForUser lists a user's contexts without card preloads.
func (s *GormStore) ContextsForUser(userID string) ([]models.Context, error) {
	var contexts []models.Context
	err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&contexts).Error
	return contexts, err
}

// AppendPricePoint appends one entry to a card's price series.
func (s *GormStore) AppendPricePoint(point models.PricePoint) error {
	return s.db.Create(&point).Error
}

// AppendContextValuePoint appends one entry to a context's value series.
func (s *GormStore) AppendContextValuePoint(point models.ContextValuePoint) error {
	return s.db.Create(&point).Error
}

// PricePoints returns a card's series in chronological order.
func (s *GormStore) PricePoints(cardID string, series models.PriceSeries, limit int) ([]models.PricePoint, error) {
	query := s.db.Where("card_id = ? AND series = ?", cardID, series).Order("observed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var points []models.PricePoint
	err := query.Find(&points).Error
	return points, err
}

// ContextValuePoints returns a context's value series in chronological order.
func (s *GormStore) ContextValuePoints(contextID string, series models.PriceSeries, limit int) ([]models.ContextValuePoint, error) {
	query := s.db.Where("context_id = ? AND series = ?", contextID, series).Order("observed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var points []models.ContextValuePoint
	err := query.Find(&points).Error
	return points, err
}

// HasDailyValuePointForDate reports whether a context already has a daily
// value point on the given calendar day.
func (s *GormStore) HasDailyValuePointForDate(contextID string, date time.Time) (bool, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	var count int64
	err := s.db.Model(&models.ContextValuePoint{}).
		Where("context_id = ? AND series = ? AND observed_at >= ? AND observed_at < ?",
			contextID, models.SeriesDaily, startOfDay, endOfDay).
		Count(&count).Error
	return count > 0, err
}

// SaveSyncRun upserts a run record.
func (s *GormStore) SaveSyncRun(run *models.SyncRun) error {
	return s.db.Save(run).Error
}

// RecentSyncRuns returns the newest runs first.
func (s *GormStore) RecentSyncRuns(limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.SyncRun
	err := s.db.Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
