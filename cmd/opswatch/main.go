package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/opswatch/opswatch/internal/analysis"
	"github.com/opswatch/opswatch/internal/config"
	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/handlers"
	"github.com/opswatch/opswatch/internal/middleware"
	"github.com/opswatch/opswatch/internal/monitor"
	"github.com/opswatch/opswatch/internal/notify"
	"github.com/opswatch/opswatch/internal/prober"
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

	log.Printf("Starting opswatch...")

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize default database records
	if err := database.InitializeDefaults(); err != nil {
		log.Fatalf("Failed to initialize database defaults: %v", err)
	}

	// Seed the service catalog from YAML if configured
	if cfg.ServicesFile != "" {
		services, err := config.LoadServiceCatalog(cfg.ServicesFile)
		if err != nil {
			log.Fatalf("Failed to load service catalog %s: %v", cfg.ServicesFile, err)
		}
		if err := database.SeedServices(database.GetDB(), services); err != nil {
			log.Fatalf("Failed to seed service catalog: %v", err)
		}
		log.Printf("Service catalog seeded from %s (%d services)", cfg.ServicesFile, len(services))
	}

	store := database.NewIncidentStore(database.GetDB())

	// Inference backends: primary first, then fallback. Missing keys
	// disable a backend; with none configured the cascade runs on the
	// deterministic keyword rules only.
	var backends []analysis.Backend
	if cfg.AnthropicAPIKey != "" {
		backends = append(backends, analysis.NewAnthropicBackend(cfg.AnthropicAPIKey, cfg.AnthropicModel))
		log.Printf("Anthropic backend enabled (model %s)", cfg.AnthropicModel)
	}
	if cfg.OpenAIAPIKey != "" {
		backends = append(backends, analysis.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel))
		log.Printf("OpenAI backend enabled (model %s)", cfg.OpenAIModel)
	}
	if len(backends) == 0 {
		log.Printf("No inference backends configured, analysis uses keyword rules only")
	}
	cascade := analysis.NewCascade(store, backends...)

	// Monitoring loop
	probeTimeout := time.Duration(cfg.ProbeTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.MonitorIntervalMinutes) * time.Minute
	mon := monitor.New(store, prober.New(probeTimeout), interval)

	// Live event feed
	hub := handlers.NewEventHub()
	mon.SetEventSink(hub)

	// Slack notifications, reloadable at runtime via the settings endpoint
	reloadNotifier := func() {
		settings, err := database.GetSlackSettings()
		if err != nil {
			log.Printf("Warning: Could not load Slack settings: %v", err)
			return
		}
		notifier := notify.NewSlackNotifier(settings)
		if notifier != nil {
			mon.SetNotifier(notifier)
			log.Printf("Slack notifications enabled (channel %s)", settings.Channel)
		} else {
			mon.SetNotifier(nil)
			log.Printf("Slack notifications disabled")
		}
	}
	reloadNotifier()

	// HTTP control surface
	apiHandler := handlers.NewAPIHandler(store, mon, cascade, hub)
	apiHandler.SetNotifierReloader(reloadNotifier)

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	corsMiddleware := middleware.NewCORSMiddleware() // Allow all origins
	handler := corsMiddleware.Wrap(middleware.RequestIDMiddleware(mux))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	if cfg.MonitorAutostart {
		mon.Start()
	} else {
		log.Printf("Monitoring autostart disabled, start via POST /api/monitoring/start")
	}

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")

	mon.Stop()

	log.Println("Shutting down HTTP server...")
	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}
