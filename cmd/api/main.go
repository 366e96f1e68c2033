package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/smartmart/vision/internal/api"
	"github.com/smartmart/vision/internal/config"
	"github.com/smartmart/vision/internal/embedder"
	"github.com/smartmart/vision/internal/index"
	"github.com/smartmart/vision/internal/logger"
	"github.com/smartmart/vision/internal/repository"
	"github.com/smartmart/vision/internal/service"
	"github.com/smartmart/vision/internal/storage"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	productRepo := repository.NewProductRepository(db)
	sampleRepo := repository.NewSampleRepository(db)

	// Optional approximate backend for catalogs beyond the exact-scan range
	var remote *index.Remote
	if cfg.Qdrant.Enabled {
		remote, err = index.NewRemote(&index.RemoteConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			Collection: cfg.Qdrant.Collection,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Dimension:  cfg.Embedder.Dimensions,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to connect to Qdrant")
		}
		defer remote.Close()
		if err := remote.EnsureCollection(context.Background()); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure Qdrant collection")
		}
	}

	// Optional query-image archival for later sample re-collection
	var archiver *storage.Archiver
	if cfg.Archive.Enabled {
		store, err := storage.NewS3Storage(&storage.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			PublicURL: cfg.Archive.PublicURL,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize archive storage")
		}
		if err := store.EnsureBucket(context.Background()); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure archive bucket")
		}
		archiver = storage.NewArchiver(store, appLogger)
	}

	embeddingClient := embedder.NewClient(&embedder.Config{
		BaseURL:    cfg.Embedder.BaseURL,
		Model:      cfg.Embedder.Model,
		Dimensions: cfg.Embedder.Dimensions,
		Timeout:    cfg.Embedder.Timeout,
	}, appLogger)

	recognitionService := service.NewRecognitionService(
		embeddingClient,
		productRepo,
		sampleRepo,
		archiver,
		remote,
		appLogger,
		service.RecognitionConfig{
			DefaultTopK:        cfg.Recognition.DefaultTopK,
			MaxTopK:            cfg.Recognition.MaxTopK,
			DefaultAggregation: index.Aggregation(cfg.Recognition.DefaultAggregation),
			FlatThreshold:      cfg.Index.FlatThreshold,
		},
	)

	library := service.NewSampleLibrary(cfg.Samples.Dir)
	builderService := service.NewBuilderService(
		embeddingClient,
		library,
		recognitionService,
		remote,
		appLogger,
		service.BuilderConfig{
			IndexDir:      cfg.Index.Dir,
			Workers:       cfg.Build.Workers,
			FlatThreshold: cfg.Index.FlatThreshold,
		},
	)
	evaluatorService := service.NewEvaluatorService(sampleRepo, appLogger)

	// Restore the last persisted snapshot so recognition works right
	// after a restart; a missing artifact just means degraded mode
	// until the first build.
	if err := recognitionService.LoadIndex(cfg.Index.Dir); err != nil {
		if errors.Is(err, index.ErrIndexNotFound) {
			appLogger.Warn("No persisted index found, recognition starts degraded")
		} else {
			appLogger.WithError(err).Fatal("Failed to load persisted index")
		}
	}

	if cfg.Embedder.Preload {
		go func() {
			if err := embeddingClient.Preload(context.Background()); err != nil {
				appLogger.WithError(err).Warn("Model preload failed, will retry on first query")
			}
		}()
	}

	// Periodic rebuild picks up sample images dropped on disk since
	// the last build.
	var scheduler *gocron.Scheduler
	if cfg.Build.Schedule != "" {
		scheduler = gocron.NewScheduler(time.UTC)
		_, err := scheduler.Cron(cfg.Build.Schedule).Do(func() {
			if _, err := builderService.StartBuild(context.Background()); err != nil {
				if !errors.Is(err, service.ErrBuildInProgress) && !errors.Is(err, service.ErrNoSamples) {
					appLogger.WithError(err).Error("Scheduled rebuild failed to start")
				}
			}
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to schedule periodic rebuild")
		}
		scheduler.StartAsync()
		appLogger.Info("Scheduled periodic rebuild: " + cfg.Build.Schedule)
	}

	router := api.SetupRouter(&api.RouterDeps{
		Recognition: recognitionService,
		Builder:     builderService,
		Evaluator:   evaluatorService,
		Library:     library,
		Samples:     sampleRepo,
		Logger:      appLogger,
	}, cfg)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
