package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	httpadapter "github.com/kirillkom/medrag/internal/adapters/http"
	"github.com/kirillkom/medrag/internal/bootstrap"
	"github.com/kirillkom/medrag/internal/config"
	"github.com/kirillkom/medrag/internal/observability/logging"
	"github.com/kirillkom/medrag/internal/observability/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("MEDRAG_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	service := cfg.Service.Name + "-api"
	logger := logging.NewJSONLogger(service, cfg.Service.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics(service)
	app, err := bootstrap.New(ctx, cfg, logger, httpMetrics.Registry())
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer app.Close()

	opts := []httpadapter.RouterOption{
		httpadapter.WithMetricsHandler(httpMetrics.Handler()),
		httpadapter.WithMiddleware(httpMetrics.Middleware),
		httpadapter.WithRejectRecorder(httpMetrics.RecordRejected),
		httpadapter.WithLogger(logger.Named("http")),
	}
	if app.Submitter != nil {
		opts = append(opts, httpadapter.WithSubmitter(app.Submitter))
	}
	router := httpadapter.NewRouter(cfg.HTTP, app.Indexer, app.Documents, app.Queries, opts...)

	server := &http.Server{
		Addr:              ":" + cfg.Service.APIPort,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := app.ListenForInvalidations(ctx); err != nil && ctx.Err() == nil {
			logger.Error("invalidation subscription stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", zap.Error(err))
	}
}
