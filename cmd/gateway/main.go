// Package main is the entry point for the ChaosChain transaction gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaoschain/gateway/internal/chain"
	"github.com/chaoschain/gateway/internal/config"
	"github.com/chaoschain/gateway/internal/conversation"
	"github.com/chaoschain/gateway/internal/database"
	"github.com/chaoschain/gateway/internal/engine"
	"github.com/chaoschain/gateway/internal/evidence"
	"github.com/chaoschain/gateway/internal/handler"
	"github.com/chaoschain/gateway/internal/metrics"
	"github.com/chaoschain/gateway/internal/middleware"
	"github.com/chaoschain/gateway/internal/nonce"
	"github.com/chaoschain/gateway/internal/pkg/logging"
	"github.com/chaoschain/gateway/internal/reconcile"
	"github.com/chaoschain/gateway/internal/signer"
	"github.com/chaoschain/gateway/internal/store"
)

func main() {
	// Setup structured logger
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting ChaosChain gateway",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Chain adapter
	adapter, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Fatalf("Failed to connect to chain RPC: %v", err)
	}
	logger.Info("Connected to chain RPC", slog.String("url", cfg.Chain.RPCURL))

	// Evidence archive
	archive, err := evidence.NewS3Archive(ctx, evidence.S3ArchiveConfig{
		Bucket:   cfg.Storage.Bucket,
		Region:   cfg.Storage.Region,
		Endpoint: cfg.Storage.Endpoint,
		Prefix:   cfg.Storage.Prefix,
	})
	if err != nil {
		log.Fatalf("Failed to initialize evidence archive: %v", err)
	}

	// Signer registry
	registry, err := signer.NewInMemoryRegistryFromHexKeys(cfg.Chain.SignerKeys)
	if err != nil {
		log.Fatalf("Failed to load signer keys: %v", err)
	}

	// Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	wfStore := store.NewPostgresStore(db.Pool())
	serializer := nonce.NewSerializer()

	// Workflow engine
	eng := engine.New(engine.Options{
		Config:     cfg.Engine,
		Store:      wfStore,
		Registry:   registry,
		Serializer: serializer,
		Adapter:    adapter,
		Reconciler: reconcile.New(adapter, wfStore, serializer, logger, cfg.Engine.TxNotFoundWindow),
		Builder:    evidence.NewBuilder(conversation.NewHTTPFetcher(cfg.Chain.GatewayURL, cfg.Chain.GatewayTimeout)),
		Archive:    archive,
		Metrics:    metrics.NewPromSink(reg),
		Logger:     logger,
	})
	eng.Start(ctx)

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.NewHTTPMetrics(reg).Middleware)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// Health check endpoints
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))

	// Metrics endpoint
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		r.Mount("/workflows", handler.NewWorkflowHandler(eng).Routes())
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down", slog.String("signal", sig.String()))

	// Stop claiming new work before closing the HTTP surface. In-flight
	// workflows park at their last persisted step and are reclaimed after
	// the lease expires.
	eng.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// healthHandler reports liveness.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies database and Redis connections.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}

		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
