/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tutoring credit engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, optional file, TUTOR_* env)
  2. Initialize SQLite store
  3. Pick the notifier (Redis outbox when configured, log otherwise)
  4. Load the lesson catalog (catalog.file), then build the engine and API handler
  5. Start the daily digest scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional config file (yaml, json, toml)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the digest scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections
  5. Exit

EXAMPLES:
  # Run with defaults (./tutoring.db, port 8080)
  ./server

  # Run with in-memory database on another port
  TUTOR_DB_PATH=":memory:" TUTOR_HTTP_PORT=3000 ./server

  # Estimate lesson length from a catalog when bookings omit ends_at
  TUTOR_CATALOG_FILE=config/catalog.example.yaml ./server

  # Deliver notifications through Redis
  TUTOR_REDIS_ADDR=localhost:6379 ./server -config=config.yaml

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tutorly/credit-engine/api"
	"github.com/tutorly/credit-engine/config"
	"github.com/tutorly/credit-engine/engine"
	"github.com/tutorly/credit-engine/notify"
	"github.com/tutorly/credit-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Optional config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	health := map[string]api.Pinger{"db": store}

	// Notifications
	var notifier engine.Notifier = notify.LogNotifier{}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		outbox := notify.NewRedis(client, cfg.Redis.List)
		if err := outbox.Ping(context.Background()); err != nil {
			log.Printf("Warning: Redis at %s unreachable: %v", cfg.Redis.Addr, err)
		}
		notifier = notify.Multi{notify.LogNotifier{}, outbox}
		health["redis"] = outbox
	}

	// Catalog
	var catalog engine.Catalog
	if cfg.Catalog.File != "" {
		cat, err := config.LoadCatalog(cfg.Catalog.File)
		if err != nil {
			log.Fatalf("Failed to load catalog: %v", err)
		}
		log.Printf("Loaded %d catalog sessions from %s", len(cat), cfg.Catalog.File)
		catalog = cat
	} else {
		log.Println("No catalog configured: bookings must include an end time")
	}

	eng := engine.New(store, engine.Options{
		Notifier: notifier,
		Catalog:  catalog,
		Windows: engine.Windows{
			Cancel:     cfg.Gate.CancelWindow,
			Reschedule: cfg.Gate.RescheduleWindow,
		},
		ValidityDays: cfg.Packages.ValidityDays,
		MaxRetries:   cfg.Ledger.MaxRetries,
	})

	// Digest scheduler
	digest := api.NewDigestScheduler(eng)
	digest.Interval = cfg.Digest.Interval
	digest.Enabled = cfg.Digest.Enabled
	digest.Start()

	handler := api.NewHandler(eng)
	handler.Digest = digest

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Health:      health,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.HTTP.Port)
		log.Printf("API available at http://localhost:%d/api, metrics at /metrics", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	digest.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
