package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardledger/backend/internal/models"
	"github.com/cardledger/backend/internal/services"
)

// Maximum quantity allowed per tracked card
const maxQuantity = 9999

type ContextHandler struct {
	store *services.GormStore
	feed  *services.MarketFeedService
}

func NewContextHandler(store *services.GormStore, feed *services.MarketFeedService) *ContextHandler {
	return &ContextHandler{
		store: store,
		feed:  feed,
	}
}

func (h *ContextHandler) CreateContext(c *gin.Context) {
	var req models.CreateContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, ok := models.ParseContextKind(req.Kind)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be one of collection, deck, cart"})
		return
	}

	ctx := &models.Context{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Kind:             kind,
		Name:             req.Name,
		Version:          1,
		DailyPriceChange: services.FormatSignedAmount(decimal.Zero),
	}

	if err := h.store.CreateContext(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, ctx)
}

func (h *ContextHandler) ListContexts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	contexts, err := h.store.ContextsForUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, contexts)
}

func (h *ContextHandler) GetContext(c *gin.Context) {
	ctx, err := h.store.ReloadContext(c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrContextNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ctx)
}

func (h *ContextHandler) DeleteContext(c *gin.Context) {
	if err := h.store.DeleteContext(c.Param("id")); err != nil {
		if errors.Is(err, services.ErrContextNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "context deleted"})
}

// AddCard adds a card to a context, merging quantity when the card is
// already tracked. The price is initialized from the request amount when
// given, otherwise from the market feed; a feed failure leaves the card
// unpriced until the next sync picks it up.
func (h *ContextHandler) AddCard(c *gin.Context) {
	var req models.AddCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be positive"})
		return
	}
	if quantity > maxQuantity {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity exceeds maximum allowed (9999)"})
		return
	}

	ctx, err := h.store.ReloadContext(c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrContextNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.Amount != nil && *req.Amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must not be negative"})
		return
	}

	card := ctx.CardByID(req.CardID)
	if card != nil {
		card.Quantity += quantity
		if card.Quantity > maxQuantity {
			c.JSON(http.StatusBadRequest, gin.H{"error": "quantity exceeds maximum allowed (9999)"})
			return
		}
	} else {
		ctx.Cards = append(ctx.Cards, models.TrackedCard{
			ContextID: ctx.ID,
			CardID:    req.CardID,
			Name:      req.Name,
			Quantity:  quantity,
		})
		card = &ctx.Cards[len(ctx.Cards)-1]
	}

	var snapshot models.PriceSnapshot
	if !card.HasPrice() {
		if req.Amount != nil {
			snapshot = models.PriceSnapshot{
				Amount:     decimal.NewFromFloat(*req.Amount),
				ObservedAt: time.Now(),
			}
		} else if quote, err := h.feed.GetCardPrice(c.Request.Context(), req.CardID); err != nil {
			log.Printf("Context handler: feed lookup failed for %s, card added unpriced: %v", req.CardID, err)
		} else {
			snapshot = models.PriceSnapshot{Amount: quote.Amount, ObservedAt: quote.AsOf}
		}
	}

	priced := !snapshot.IsZero()
	if priced {
		now := time.Now()
		card.ApplyPrice(snapshot)
		card.DailyPointAt = &now
	}

	saved, err := h.saveWithRetry(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if priced {
		for _, series := range []models.PriceSeries{models.SeriesLive, models.SeriesDaily} {
			point := models.PricePoint{
				CardID:     req.CardID,
				Series:     series,
				Amount:     snapshot.Amount,
				ObservedAt: snapshot.ObservedAt,
			}
			if err := h.store.AppendPricePoint(point); err != nil {
				log.Printf("Context handler: failed to append %s point for %s: %v", series, req.CardID, err)
			}
		}
	}

	c.JSON(http.StatusOK, saved)
}

// UpdateCard changes a tracked card's quantity. Zero removes the card.
func (h *ContextHandler) UpdateCard(c *gin.Context) {
	var req models.UpdateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if *req.Quantity < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must not be negative"})
		return
	}
	if *req.Quantity > maxQuantity {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity exceeds maximum allowed (9999)"})
		return
	}

	h.mutateCard(c, func(card *models.TrackedCard) {
		card.Quantity = *req.Quantity
	})
}

// RemoveCard drops a card from a context entirely.
func (h *ContextHandler) RemoveCard(c *gin.Context) {
	h.mutateCard(c, func(card *models.TrackedCard) {
		card.Quantity = 0
	})
}

func (h *ContextHandler) mutateCard(c *gin.Context, mutate func(*models.TrackedCard)) {
	ctx, err := h.store.ReloadContext(c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrContextNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "context not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	card := ctx.CardByID(c.Param("cardID"))
	if card == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "card not tracked in this context"})
		return
	}

	mutate(card)

	saved, err := h.saveWithRetry(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, saved)
}

// GetContextHistory returns a context's value history, oldest first.
func (h *ContextHandler) GetContextHistory(c *gin.Context) {
	series := models.ParsePriceSeries(c.Query("series"))

	limit, ok := historyLimit(c)
	if !ok {
		return
	}

	points, err := h.store.ContextValuePoints(c.Param("id"), series, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, points)
}

// GetCardHistory returns a card's price history, oldest first.
func (h *ContextHandler) GetCardHistory(c *gin.Context) {
	series := models.ParsePriceSeries(c.Query("series"))

	limit, ok := historyLimit(c)
	if !ok {
		return
	}

	points, err := h.store.PricePoints(c.Param("id"), series, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, points)
}

func historyLimit(c *gin.Context) (int, bool) {
	limit := 500
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 5000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 5000"})
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

// saveWithRetry recomputes aggregates and persists the context, reloading
// and reapplying the mutation result on version conflicts. Handler writes
// race with the sync orchestrator, so a couple of retries is enough.
func (h *ContextHandler) saveWithRetry(ctx *models.Context) (*models.Context, error) {
	const maxAttempts = 3

	for attempt := 1; ; attempt++ {
		services.RecomputeAggregates(ctx)
		err := h.store.SaveContext(ctx, ctx.Version)
		if err == nil {
			return h.store.ReloadContext(ctx.ID)
		}
		if !errors.Is(err, services.ErrVersionConflict) || attempt >= maxAttempts {
			return nil, err
		}

		fresh, reloadErr := h.store.ReloadContext(ctx.ID)
		if reloadErr != nil {
			return nil, reloadErr
		}
		// Keep our card set but adopt the concurrent writer's version and
		// daily baseline before trying again.
		ctx.Version = fresh.Version
		ctx.PreviousDayTotalPrice = fresh.PreviousDayTotalPrice
	}
}
