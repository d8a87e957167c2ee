package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cardledger/backend/internal/services"
)

type SyncHandler struct {
	orchestrator *services.Orchestrator
	store        *services.GormStore
	feed         *services.MarketFeedService
}

func NewSyncHandler(orchestrator *services.Orchestrator, store *services.GormStore, feed *services.MarketFeedService) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		store:        store,
		feed:         feed,
	}
}

type triggerSyncRequest struct {
	CardIDs []string `json:"card_ids"`
	UserID  string   `json:"user_id"`
}

// TriggerSync requests an on-demand price refresh for a set of cards
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	var req triggerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.CardIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "card_ids is required"})
		return
	}

	result := h.orchestrator.RequestSync(c.Request.Context(), req.CardIDs, req.UserID)

	switch result.Status {
	case "completed":
		c.JSON(http.StatusOK, result)
	case "deferred", "busy":
		c.JSON(http.StatusAccepted, result)
	default:
		c.JSON(http.StatusInternalServerError, result)
	}
}

// GetSyncStatus returns the scheduler state and remaining feed quota
func (h *SyncHandler) GetSyncStatus(c *gin.Context) {
	status := h.orchestrator.GetStatus()

	c.JSON(http.StatusOK, gin.H{
		"sync": status,
		"feed": gin.H{
			"requests_remaining": h.feed.GetRequestsRemaining(),
			"daily_limit":        h.feed.GetDailyLimit(),
			"reset_time":         h.feed.GetResetTime(),
		},
	})
}

// GetSyncRuns returns the most recent sync run records, newest first
func (h *SyncHandler) GetSyncRuns(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = parsed
	}

	runs, err := h.store.RecentSyncRuns(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, runs)
}
