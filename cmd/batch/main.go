// cmd/batch/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatstream/config"
	"chatstream/services"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := services.OpenStores(ctx, services.StoreOptions{
		Backend:            cfg.StoreBackend,
		Dynamo:             services.DynamoOptions{Endpoint: cfg.DynamoDBEndpoint, Region: cfg.AWSRegion},
		MessagesTable:      cfg.MessagesTable,
		ConversationsTable: cfg.ConversationsTable,
		PostgresURI:        cfg.PostgresURI,
		PostgresAttempts:   3,
	}, logger)
	if err != nil {
		logger.Error("failed to create batch processor after retries", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	processor := services.NewBatchProcessor(
		stores.Conversations,
		stores.Messages,
		stores.Structured,
		services.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.SummaryModel),
		cfg.BatchLookback,
		logger,
	)

	logger.Info("starting batch processing service", "interval", cfg.BatchInterval.String())
	run(ctx, processor, logger)

	ticker := time.NewTicker(cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("batch processing service stopped")
			return
		case <-ticker.C:
			run(ctx, processor, logger)
		}
	}
}

func run(ctx context.Context, processor *services.BatchProcessor, logger *slog.Logger) {
	start := time.Now()
	n, err := processor.ProcessConversations(ctx)
	if err != nil {
		logger.Error("error processing conversations", "error", err)
		return
	}
	logger.Info("batch processing completed", "summarised", n, "duration", time.Since(start).String())
}
