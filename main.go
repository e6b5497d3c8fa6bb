package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatstream/config"
	"chatstream/controllers"
	"chatstream/observability"
	"chatstream/routes"
	"chatstream/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	if cfg.SlogLevel() != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

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
		logger.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	persister := services.NewPersister(
		services.NewSequencer(stores.Messages),
		services.WithStructuredStore(stores.Structured, cfg.StructuredCategories),
		services.WithPersisterMetrics(metrics),
		services.WithPersisterLogger(logger),
	)
	agent := services.NewAgentClient(cfg.AgentBaseURL, cfg.AgentAPIKey, cfg.AgentTimeout)
	conversations := services.NewConversationService(stores.Conversations, stores.Messages, stores.Structured, metrics)
	chat := services.NewChatService(
		conversations,
		stores.Messages,
		persister,
		services.NewStreamProcessor(persister, metrics, logger),
		services.NewExchangeRegistry(cfg.ExchangeLeaseTTL),
		agent,
		logger,
	)
	feedback := services.NewFeedbackService(stores.Messages, persister, agent, logger)

	ctl := controllers.NewChatController(chat, conversations, feedback, logger)
	router := routes.SetupRouter(ctl, reg, logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server starting", "addr", srv.Addr, "store_backend", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}
