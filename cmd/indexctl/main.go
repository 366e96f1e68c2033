package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/smartmart/vision/internal/config"
	"github.com/smartmart/vision/internal/domain"
	"github.com/smartmart/vision/internal/embedder"
	"github.com/smartmart/vision/internal/index"
	"github.com/smartmart/vision/internal/logger"
	"github.com/smartmart/vision/internal/repository"
	"github.com/smartmart/vision/internal/service"
)

// indexctl builds, extends, inspects, and evaluates the recognition
// index from the command line.
func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		ServiceName: "vision-indexctl",
	})
	logger.SetDefaultLogger(appLogger)

	command := flag.String("cmd", "build", "Command: build, update, info, evaluate")
	skuID := flag.String("sku", "", "SKU id for the update command")
	topK := flag.Int("top-k", 5, "Candidate window for the evaluate command")
	days := flag.Int("days", 0, "Only evaluate samples from the last N days (0 = all)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()

	switch *command {
	case "build":
		runBuild(ctx, cfg, appLogger)
	case "update":
		if *skuID == "" {
			appLogger.Fatal("update requires -sku")
		}
		runUpdate(ctx, cfg, appLogger, *skuID)
	case "info":
		runInfo(cfg, appLogger)
	case "evaluate":
		runEvaluate(ctx, cfg, appLogger, *topK, *days)
	default:
		appLogger.Fatal("Unknown command: " + *command)
	}
}

func newServices(cfg *config.Config, log *logger.Logger) (*service.RecognitionService, *service.BuilderService) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	client := embedder.NewClient(&embedder.Config{
		BaseURL:    cfg.Embedder.BaseURL,
		Model:      cfg.Embedder.Model,
		Dimensions: cfg.Embedder.Dimensions,
		Timeout:    cfg.Embedder.Timeout,
	}, log)

	recognition := service.NewRecognitionService(
		client,
		repository.NewProductRepository(db),
		repository.NewSampleRepository(db),
		nil,
		nil,
		log,
		service.RecognitionConfig{
			DefaultTopK:   cfg.Recognition.DefaultTopK,
			MaxTopK:       cfg.Recognition.MaxTopK,
			FlatThreshold: cfg.Index.FlatThreshold,
		},
	)
	builder := service.NewBuilderService(
		client,
		service.NewSampleLibrary(cfg.Samples.Dir),
		recognition,
		nil,
		log,
		service.BuilderConfig{
			IndexDir:      cfg.Index.Dir,
			Workers:       cfg.Build.Workers,
			FlatThreshold: cfg.Index.FlatThreshold,
		},
	)
	return recognition, builder
}

func runBuild(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	_, builder := newServices(cfg, log)

	progress, err := builder.StartBuild(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to start build")
	}
	log.WithFields(logger.Fields{
		logger.FieldBuildID: progress.BuildID,
		"total_skus":        progress.TotalSKUs,
		"total_images":      progress.TotalImages,
	}).Info("Build started")

	for {
		time.Sleep(500 * time.Millisecond)
		p := builder.Progress()
		switch p.Status {
		case domain.BuildStatusCompleted:
			log.WithFields(logger.Fields{
				"done_images": p.DoneImages,
				"skipped":     p.Skipped,
			}).Info("Build completed")
			return
		case domain.BuildStatusFailed:
			log.Fatal("Build failed: " + p.Error)
		default:
			log.WithFields(logger.Fields{
				"done_images":  p.DoneImages,
				"total_images": p.TotalImages,
			}).Info("Building...")
		}
	}
}

func runUpdate(ctx context.Context, cfg *config.Config, log *logger.Logger, skuID string) {
	recognition, builder := newServices(cfg, log)

	if err := recognition.LoadIndex(cfg.Index.Dir); err != nil {
		log.WithError(err).Fatal("Failed to load index, run a full build first")
	}

	info, err := builder.Update(ctx, skuID)
	if err != nil {
		log.WithError(err).Fatal("Failed to update index")
	}
	log.WithFields(logger.Fields{
		logger.FieldBuildID: info.BuildID,
		"vector_count":      info.VectorCount,
		"sku_count":         info.SKUCount,
	}).Info("Index updated")
}

func runInfo(cfg *config.Config, log *logger.Logger) {
	f, err := index.LoadFlat(cfg.Index.Dir)
	if err != nil {
		log.WithError(err).Fatal("Failed to load index")
	}
	printJSON(f.Info())
}

func runEvaluate(ctx context.Context, cfg *config.Config, log *logger.Logger, topK, days int) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	var since time.Time
	if days > 0 {
		since = time.Now().AddDate(0, 0, -days)
	}

	evaluator := service.NewEvaluatorService(repository.NewSampleRepository(db), log)
	report, err := evaluator.Evaluate(ctx, topK, since)
	if err != nil {
		log.WithError(err).Fatal("Evaluation failed")
	}
	printJSON(report)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "failed to encode output:", err)
		os.Exit(1)
	}
}
