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

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/api/handlers"
	"hookrelay/internal/engine/delivery"
	"hookrelay/internal/engine/retry"
	"hookrelay/internal/pkg/logger"
	"hookrelay/internal/platform/blob"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/queue"
	"hookrelay/internal/platform/repositories"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging, "worker")

	if cfg.Queue.Backend == "" || cfg.Queue.Backend == "memory" {
		log.Fatal().Msg("queue.backend memory is served by the server process; configure redis or nats to run standalone workers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database, "up", 0); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up blob store")
	}

	q, err := queue.New(ctx, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()

	fallback, err := retry.FromConfig(cfg.Retry)
	if err != nil {
		log.Warn().Err(err).Msg("using built-in retry defaults")
	}

	limiter := delivery.NewTargetLimiter(cfg.Delivery.PerTargetConcurrency)
	defer limiter.Close()

	webhookRepo := repositories.NewWebhookRepository(db)
	integrationRepo := repositories.NewIntegrationRepository(db)
	worker := delivery.NewWorker(
		webhookRepo,
		integrationRepo,
		repositories.NewAttemptRepository(db),
		q,
		blobs,
		delivery.NewForwarder(cfg.Delivery, limiter),
		delivery.WorkerOptions{Fallback: fallback, MaxInfraRedeliveries: cfg.Worker.MaxInfraRedeliveries},
	)
	reconciler := delivery.NewReconciler(webhookRepo, integrationRepo, q, cfg.Reconcile, fallback)

	// Metrics and health
	health := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": handlers.PingFunc(db.PingContext),
		"queue":    q,
	})
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/health", health.Live)
	router.HandlerFunc(http.MethodGet, "/health/ready", health.Ready)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Str("backend", cfg.Queue.Backend).Msg("delivery workers starting")
		return delivery.Run(gctx, q, cfg.Worker.Concurrency, worker.Handle)
	})
	g.Go(func() error {
		reconciler.Run(gctx, cfg.Reconcile.Interval)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("metrics server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("worker stopped")
}
