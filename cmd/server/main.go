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

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/api"
	"hookrelay/internal/api/handlers"
	"hookrelay/internal/api/middleware"
	"hookrelay/internal/engine/delivery"
	"hookrelay/internal/engine/ingress"
	"hookrelay/internal/engine/retry"
	"hookrelay/internal/pkg/logger"
	"hookrelay/internal/platform/auth"
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
	logger.Init(cfg.Logging, "server")

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

	// Repositories
	orgRepo := repositories.NewOrganizationRepository(db)
	integrationRepo := repositories.NewIntegrationRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	attemptRepo := repositories.NewAttemptRepository(db)

	// Services
	integrations := ingress.NewIntegrationCache(integrationRepo, cfg.Ingress.IntegrationCacheTTL)
	defer integrations.Close()
	receiver := ingress.NewReceiver(integrations, webhookRepo, q, blobs, ingress.Options{
		OffloadThreshold: cfg.Payload.OffloadThreshold,
		MaxPayloadSize:   cfg.Payload.MaxSize,
	})
	tokenSvc := auth.NewTokenService(cfg.JWT)
	if cfg.JWT.Secret == "" {
		log.Warn().Msg("jwt.secret is not set, history endpoints will reject every request")
	}

	// Router
	router := api.NewRouter(&api.Dependencies{
		IngressHandler: handlers.NewIngressHandler(receiver, cfg.Payload.MaxSize),
		HistoryHandler: handlers.NewHistoryHandler(webhookRepo, attemptRepo),
		OrgHandler:     handlers.NewOrgHandler(),
		HealthHandler: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": handlers.PingFunc(db.PingContext),
			"queue":    q,
		}),
		AuthMiddleware: middleware.NewAuthMiddleware(tokenSvc),
		OrgMiddleware:  middleware.NewOrgMiddleware(orgRepo),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      middleware.Stack(router, cfg.Server.TrustProxy),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// The in-memory queue is private to this process, so its consumers
	// must live here too.
	if cfg.Queue.Backend == "" || cfg.Queue.Backend == "memory" {
		fallback, err := retry.FromConfig(cfg.Retry)
		if err != nil {
			log.Warn().Err(err).Msg("using built-in retry defaults")
		}
		limiter := delivery.NewTargetLimiter(cfg.Delivery.PerTargetConcurrency)
		defer limiter.Close()

		worker := delivery.NewWorker(webhookRepo, integrationRepo, attemptRepo, q, blobs,
			delivery.NewForwarder(cfg.Delivery, limiter),
			delivery.WorkerOptions{Fallback: fallback, MaxInfraRedeliveries: cfg.Worker.MaxInfraRedeliveries})
		reconciler := delivery.NewReconciler(webhookRepo, integrationRepo, q, cfg.Reconcile, fallback)

		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("starting in-process delivery workers")
		g.Go(func() error {
			return delivery.Run(gctx, q, cfg.Worker.Concurrency, worker.Handle)
		})
		g.Go(func() error {
			reconciler.Run(gctx, cfg.Reconcile.Interval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
