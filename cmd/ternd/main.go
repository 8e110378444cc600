// ternd is the tern extraction pipeline daemon. It serves the control-plane
// API, mirrors configured buckets into staging, submits staged files to the
// extraction API, and fires scheduled runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tern-data/tern/internal/admission"
	"github.com/tern-data/tern/internal/api"
	"github.com/tern-data/tern/internal/checkpoint"
	"github.com/tern-data/tern/internal/config"
	"github.com/tern-data/tern/internal/coordinator"
	"github.com/tern-data/tern/internal/domain"
	"github.com/tern-data/tern/internal/extract"
	"github.com/tern-data/tern/internal/objectstore"
	"github.com/tern-data/tern/internal/scheduler"
	syncpkg "github.com/tern-data/tern/internal/sync"
	"github.com/tern-data/tern/internal/worker"
)

// validateEnv checks that environment overrides have usable values.
func validateEnv() []string {
	var errs []string
	if addr := os.Getenv("TERN_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("TERN_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}
	return errs
}

func listenAddr() string {
	if addr := os.Getenv("TERN_LISTEN_ADDR"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8080"
}

func main() {
	// Context-aware handler so request_id lands in every log record.
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))
	logger := slog.Default()

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	configPath := config.ResolvePath()
	if configPath == "" {
		slog.Error("no config found: set TERN_CONFIG or place tern.yaml in the working directory")
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "path", configPath, "buckets", len(cfg.S3.Buckets))

	if cfg.S3.AccessKey == "minioadmin" || cfg.S3.SecretKey == "minioadmin" {
		slog.Warn("S3 credentials are set to default values (minioadmin) — change these for production deployments")
	}

	store, err := checkpoint.Open(cfg.Run.CheckpointPath)
	if err != nil {
		slog.Error("failed to open checkpoint store", "path", cfg.Run.CheckpointPath, "error", err)
		os.Exit(1)
	}
	slog.Info("checkpoint store opened", "path", cfg.Run.CheckpointPath)

	ctx := context.Background()

	adm := admission.NewController()
	var coord *coordinator.Coordinator
	{
		s3, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Region:    cfg.S3.Region,
		})
		if err != nil {
			slog.Error("failed to connect to object store", "endpoint", cfg.S3.Endpoint, "error", err)
			os.Exit(1)
		}
		slog.Info("object store client initialized", "endpoint", cfg.S3.Endpoint, "ssl", cfg.S3.UseSSL)

		engine := syncpkg.NewEngine(s3, store, logger)
		invoker := extract.NewClient(cfg.API.BaseURL, cfg.API.Timeout())
		pool := worker.NewPool(store, invoker, logger, worker.Config{
			Concurrency:       cfg.Run.Concurrency,
			RequestsPerSecond: cfg.Run.RequestsPerSecond,
			MaxRetries:        cfg.Run.MaxRetries,
			RetryBackoff:      time.Duration(cfg.Run.RetryBackoffMs) * time.Millisecond,
		})
		coord = coordinator.New(cfg, store, engine, pool, adm, nil, logger)
	}

	// Close out run rows left dangling by a crash.
	if err := coord.RecoverInterrupted(ctx); err != nil {
		slog.Warn("failed to recover interrupted runs", "error", err)
	}

	dispatcher := scheduler.New(store, adm, coord, resumeCaseIDs(cfg), cfg.PurchasersByBrand, logger)
	dispatcher.Start(ctx)
	slog.Info("schedule dispatcher started", "interval", scheduler.DefaultCheckInterval.String())

	rateCfg := api.DefaultRateLimitConfig()
	srv := &api.Server{
		Coordinator: coord,
		Runs:        store,
		Schedules:   store,
		ResumeCases: resumeCaseIDs(cfg),
		DBHealth:    store,
		CORSOrigins: corsOrigins(),
		RateLimit:   &rateCfg,
	}
	router := api.NewRouter(srv)

	addr := listenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays zero: /api/run streams NDJSON for the whole
		// duration of a pipeline run.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ternd listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections (15s timeout).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Ordered cleanup: dispatcher → rate limiter → checkpoint store.
	dispatcher.Stop()
	slog.Info("schedule dispatcher stopped")
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
		slog.Info("rate limiter stopped")
	}
	if err := store.Close(); err != nil {
		slog.Error("checkpoint store close error", "error", err)
	} else {
		slog.Info("checkpoint store closed")
	}

	slog.Info("ternd shutdown complete")
}

func resumeCaseIDs(cfg *config.Config) []domain.CaseID {
	out := make([]domain.CaseID, 0, len(cfg.Run.ResumeCases))
	for _, rc := range cfg.Run.ResumeCases {
		out = append(out, domain.CaseID(rc))
	}
	return out
}

func corsOrigins() []string {
	if v := os.Getenv("TERN_CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return nil
}
