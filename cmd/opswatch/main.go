package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/opswatch/opswatch/internal/config"
	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/engine"
	"github.com/opswatch/opswatch/internal/events"
	"github.com/opswatch/opswatch/internal/notify"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting OpsWatch alert engine...")

	// Initialize database connection
	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	// Run database migrations
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Event bus with a bounded worker pool
	bus := events.NewBus(cfg.EventBusWorkers, cfg.EventBusQueueSize)
	log.Printf("Event bus started (%d workers, queue %d)", cfg.EventBusWorkers, cfg.EventBusQueueSize)

	// Alert-processing core: stores, correlation, lifecycle, sweep
	eng := engine.New(db, bus)

	// Optional dependency graph seeding
	if cfg.DependencySeedFile != "" {
		if _, err := eng.Dependencies.ImportSeedFile(cfg.DependencySeedFile); err != nil {
			log.Printf("Warning: dependency seed import failed: %v", err)
		}
	}

	// Slack notification sink
	if cfg.SlackEnabled() {
		notifier := notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAlertsChannel)
		notifier.Register(bus)
	} else {
		log.Printf("Slack notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	log.Printf("OpsWatch alert engine ready")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	// Drain in-flight event deliveries before closing the database
	bus.Close()
	log.Printf("Shutdown complete")
}
