package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cardledger/backend/internal/api"
	"github.com/cardledger/backend/internal/config"
	"github.com/cardledger/backend/internal/database"
	"github.com/cardledger/backend/internal/metrics"
	"github.com/cardledger/backend/internal/services"
	"github.com/cardledger/backend/internal/ws"
)

func main() {
	// Load .env if present; real env vars still win
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CARDLEDGER_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	if err := database.Initialize(cfg.Database.Path); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	db := database.GetDB()

	// Initialize services
	feed := services.NewMarketFeedService(
		cfg.Feed.BaseURL,
		cfg.Feed.APIKey,
		cfg.Feed.Timeout,
		cfg.Feed.RequestsPerSecond,
		cfg.Feed.DailyLimit,
		cfg.Feed.CacheTTL,
	)
	store := services.NewGormStore(db)
	hub := ws.NewHub()

	orchestrator := services.NewOrchestrator(store, feed, hub, services.OrchestratorConfig{
		Interval:        cfg.Sync.Interval,
		Workers:         cfg.Sync.Workers,
		CallTimeout:     cfg.Sync.CallTimeout,
		RunDeadline:     cfg.Sync.RunDeadline,
		MinManualBatch:  cfg.Sync.MinManualBatch,
		MaxSaveAttempts: cfg.Sync.MaxSaveAttempts,
	})
	orchestrator.AfterRun = func() {
		metrics.UpdateContextMetrics(db)
		metrics.FeedQuotaRemaining.Set(float64(feed.GetRequestsRemaining()))
		metrics.FeedQuotaLimit.Set(float64(feed.GetDailyLimit()))
	}

	rollover := services.NewRolloverService(store, cfg.Rollover.Hour, cfg.Rollover.CheckInterval)

	// Create a cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start websocket hub
	go hub.Run(ctx)

	// Start sync orchestrator in background with panic recovery
	go func() {
		for {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("PANIC in sync orchestrator: %v - restarting in 30 seconds", r)
					}
				}()
				orchestrator.Start(ctx)
			}()

			select {
			case <-ctx.Done():
				return // Graceful shutdown
			case <-time.After(30 * time.Second):
				log.Println("Sync orchestrator restarting after panic recovery...")
			}
		}
	}()

	// Start daily rollover in background
	go rollover.Start(ctx)

	// Setup router
	router := api.SetupRouter(store, orchestrator, feed, hub, cfg.Server.CORSOrigins)

	// Create HTTP server for graceful shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Cancel the context to stop the background workers
	cancel()

	// Give outstanding requests a deadline to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
