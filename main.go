package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/api"
	"github.com/fleetlens/fleetlens-be/internal/config"
	"github.com/fleetlens/fleetlens-be/internal/database"
	"github.com/fleetlens/fleetlens-be/internal/logger"
	"github.com/fleetlens/fleetlens-be/internal/monitoring"
	"github.com/fleetlens/fleetlens-be/internal/services"
	"github.com/fleetlens/fleetlens-be/internal/websocket"
)

func main() {
	logger.Init()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set up database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	// Set up WebSocket Hub
	hub := websocket.NewHub(cfg.MaxConnsPerKey)
	go hub.Run()

	// Set up alert delivery
	dispatcher := monitoring.NewWebhookDispatcher()
	go dispatcher.Run()

	// Set up services
	store := services.NewEventStore(db)
	apiKeyService := services.NewAPIKeyService(db)
	alertService := services.NewAlertService(db, store, dispatcher)
	ingestService := services.NewIngestService(db, store, hub, alertService, cfg.DefaultStuckThresholdSeconds)
	agentService := services.NewAgentService(db, store)
	taskService := services.NewTaskService(store)
	projectService := services.NewProjectService(db)
	metricsService := services.NewMetricsService(db, store)

	if cfg.BootstrapKey != "" {
		if err := apiKeyService.EnsureBootstrap(cfg.BootstrapTenant, cfg.BootstrapKey); err != nil {
			log.Fatal().Err(err).Msg("Failed to bootstrap API key")
		}
	}

	// Set up and run the background monitors
	stuckMonitor := monitoring.NewStuckMonitor(agentService, hub, alertService)
	go stuckMonitor.Run()

	alertSweeper := monitoring.NewAlertSweeper(alertService)
	go alertSweeper.Run()

	retention := monitoring.NewRetention(store, cfg.RetentionDays, cfg.HeartbeatRetentionDays)
	if err := retention.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start retention sweeper")
	}

	// Set up router
	router := api.NewRouter(api.Deps{
		Config:   cfg,
		Hub:      hub,
		Store:    store,
		Ingest:   ingestService,
		Agents:   agentService,
		Tasks:    taskService,
		Projects: projectService,
		Metrics:  metricsService,
		Alerts:   alertService,
		APIKeys:  apiKeyService,
	})

	// Set up server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ListenAndServe failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	stuckMonitor.Stop()
	alertSweeper.Stop()
	retention.Stop()
	dispatcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}
