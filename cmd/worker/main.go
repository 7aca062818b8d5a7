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
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/medrag/internal/bootstrap"
	"github.com/kirillkom/medrag/internal/config"
	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/usecase"
	"github.com/kirillkom/medrag/internal/observability/logging"
	"github.com/kirillkom/medrag/internal/observability/metrics"
)

const indexTimeout = 5 * time.Minute

func main() {
	configPath := flag.String("config", os.Getenv("MEDRAG_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	service := cfg.Service.Name + "-worker"
	logger := logging.NewJSONLogger(service, cfg.Service.LogLevel)
	defer func() { _ = logger.Sync() }()

	if cfg.Queue.NATSURL == "" {
		logger.Fatal("worker requires queue.nats_url")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(service)
	app, err := bootstrap.New(ctx, cfg, logger, workerMetrics.Registry(),
		bootstrap.WithIndexOptions(usecase.WithLoadedHook(func(doc *domain.Document) {
			workerMetrics.ObserveQueueLag(time.Since(doc.UpdatedAt))
		})),
	)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Service.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker subscribed", zap.String("subject", cfg.Queue.IndexSubject))
		return app.Queue.SubscribeIndexRequests(gctx, func(handlerCtx context.Context, documentID string) error {
			indexCtx, cancel := context.WithTimeout(handlerCtx, indexTimeout)
			defer cancel()

			done := workerMetrics.TrackIndex()
			err := app.Indexer.IndexByID(indexCtx, documentID)
			done(err)
			if err != nil {
				logger.Warn("index request failed", zap.String("document_id", documentID), zap.Error(err))
			}
			return err
		})
	})
	g.Go(func() error {
		return app.ListenForInvalidations(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
