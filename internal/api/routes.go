package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardledger/backend/internal/api/handlers"
	"github.com/cardledger/backend/internal/services"
	"github.com/cardledger/backend/internal/ws"
)

func SetupRouter(store *services.GormStore, orchestrator *services.Orchestrator, feed *services.MarketFeedService, hub *ws.Hub, corsOrigins []string) *gin.Engine {
	router := gin.Default()

	config := cors.DefaultConfig()
	if len(corsOrigins) > 0 {
		config.AllowOrigins = corsOrigins
	} else {
		config.AllowOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	config.AllowCredentials = false
	router.Use(cors.New(config))

	contextHandler := handlers.NewContextHandler(store, feed)
	syncHandler := handlers.NewSyncHandler(orchestrator, store, feed)

	api := router.Group("/api")
	{
		contexts := api.Group("/contexts")
		{
			contexts.POST("", contextHandler.CreateContext)
			contexts.GET("", contextHandler.ListContexts)
			contexts.GET("/:id", contextHandler.GetContext)
			contexts.DELETE("/:id", contextHandler.DeleteContext)
			contexts.POST("/:id/cards", contextHandler.AddCard)
			contexts.PUT("/:id/cards/:cardID", contextHandler.UpdateCard)
			contexts.DELETE("/:id/cards/:cardID", contextHandler.RemoveCard)
			contexts.GET("/:id/history", contextHandler.GetContextHistory)
		}

		cards := api.Group("/cards")
		{
			cards.GET("/:id/history", contextHandler.GetCardHistory)
		}

		sync := api.Group("/sync")
		{
			sync.POST("", syncHandler.TriggerSync)
			sync.GET("/status", syncHandler.GetSyncStatus)
			sync.GET("/runs", syncHandler.GetSyncRuns)
		}
	}

	// Live update stream
	router.GET("/ws", func(c *gin.Context) {
		hub.Serve(c.Writer, c.Request)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return router
}
