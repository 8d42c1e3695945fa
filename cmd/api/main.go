package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kotaro-t/mirage/internal/api"
	"github.com/kotaro-t/mirage/internal/api/middleware"
	"github.com/kotaro-t/mirage/internal/comfy"
	"github.com/kotaro-t/mirage/internal/config"
	"github.com/kotaro-t/mirage/internal/logger"
	"github.com/kotaro-t/mirage/internal/queue"
	"github.com/kotaro-t/mirage/internal/service"
	"github.com/kotaro-t/mirage/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	baseLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(baseLogger)
	defer logger.Sync()

	// Initialize artifact storage
	store, err := storage.New(storage.Config{
		Type:       storage.Type(cfg.Storage.Type),
		Dir:        cfg.Storage.Dir,
		PublicPath: cfg.Storage.PublicPath,
		S3: storage.S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			UseSSL:    cfg.Storage.S3.UseSSL,
			Bucket:    cfg.Storage.S3.Bucket,
			Region:    cfg.Storage.S3.Region,
			PublicURL: cfg.Storage.S3.PublicURL,
		},
	})
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}

	ctx := context.Background()

	if s3Store, ok := store.(*storage.S3); ok {
		if err := s3Store.EnsureBucket(ctx); err != nil {
			logger.Fatal("Failed to ensure storage bucket: %v", err)
		}
	}

	// Initialize backend client
	comfyClient := comfy.New(cfg.Comfy.Host, cfg.Comfy.Port)

	// Probe the backend once at startup. A dead backend is worth a warning
	// but not a refusal to start; jobs fail individually until it comes up.
	if status := comfyClient.Health(ctx, cfg.Comfy.HealthTimeout); status.Healthy {
		logger.Info("ComfyUI backend reachable at %s:%d", cfg.Comfy.Host, cfg.Comfy.Port)
	} else {
		logger.Warn("ComfyUI backend unreachable at %s:%d: %s", cfg.Comfy.Host, cfg.Comfy.Port, status.Detail)
	}

	// Initialize job registry and generation service
	jobQueue := queue.New()
	generator := service.New(jobQueue, comfyClient, store, baseLogger)

	prunerCtx, stopPruner := context.WithCancel(ctx)
	defer stopPruner()
	generator.StartPruner(prunerCtx, cfg.Jobs.PruneInterval, cfg.Jobs.MaxCompletedAge)

	// Setup router
	router := api.SetupRouter(api.Deps{
		Generator:     generator,
		Queue:         jobQueue,
		Store:         store,
		Comfy:         comfyClient,
		Log:           baseLogger,
		HealthTimeout: cfg.Comfy.HealthTimeout,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
	}, cfg.Server.Mode)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting API server: port=%d, mode=%s", cfg.Server.Port, cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}
