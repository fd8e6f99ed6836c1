// cmd/templatestored/main.go
// Package main implements the entry point for the template store service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/nhs-notify/template-store-go/internal/config"
	"github.com/nhs-notify/template-store-go/internal/event"
	"github.com/nhs-notify/template-store-go/internal/identity"
	"github.com/nhs-notify/template-store-go/internal/letterfiles"
	"github.com/nhs-notify/template-store-go/internal/repository"
	"github.com/nhs-notify/template-store-go/internal/server"
	"github.com/nhs-notify/template-store-go/internal/storage"
	"github.com/nhs-notify/template-store-go/internal/telemetry"
)

// main is the entry point for the template store service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("template-store")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize the storage backend
	store, err := newStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to initialize storage backend", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close() // Ensure publisher is closed on exit

	// Initialize identity client for client membership resolution
	var idClient *identity.Client
	if cfg.IdentityURL != "" {
		idClient = identity.New(cfg.IdentityURL)
	}

	// Initialize letter file storage when the buckets are configured
	var files *letterfiles.S3Client
	if cfg.QuarantineBucket != "" && cfg.InternalBucket != "" {
		files, err = letterfiles.NewS3Client(context.Background(), cfg.S3Endpoint, cfg.S3Region, cfg.QuarantineBucket, cfg.InternalBucket)
		if err != nil {
			logger.Error("failed to initialize letter file storage", "error", err)
			os.Exit(1)
		}
	}

	// Wire the repository over the storage backend
	repo := repository.New(store, logger, time.Duration(cfg.DeletedTTLDays)*24*time.Hour)

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(repo, store, pub, idClient, nil, cfg.JWTIssuer, cfg.JWTAudience, files, cfg.DefaultSupplier, cfg.CORSAllowedOrigins)

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}

// newStore creates the storage backend selected by configuration.
func newStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Backend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return storage.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.TableName), nil
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.DatabaseDSN)
	default:
		return storage.NewMemoryStore(), nil
	}
}
