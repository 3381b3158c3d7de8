package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/safetrade/escrow-engine/internal/api/http"
	"github.com/safetrade/escrow-engine/internal/application/consistency"
	appDispute "github.com/safetrade/escrow-engine/internal/application/dispute"
	appEscrow "github.com/safetrade/escrow-engine/internal/application/escrow"
	"github.com/safetrade/escrow-engine/internal/application/expiration"
	"github.com/safetrade/escrow-engine/internal/config"
	"github.com/safetrade/escrow-engine/internal/domain/dispute"
	"github.com/safetrade/escrow-engine/internal/domain/escrow"
	"github.com/safetrade/escrow-engine/internal/infrastructure/memory"
	"github.com/safetrade/escrow-engine/internal/infrastructure/postgres"
	"github.com/safetrade/escrow-engine/internal/infrastructure/redisqueue"
	"github.com/safetrade/escrow-engine/internal/infrastructure/sse"
	"github.com/safetrade/escrow-engine/internal/metrics"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// repositories
	var (
		repo     escrow.Repository
		ledger   escrow.Ledger
		disputes dispute.Repository
		queue    escrow.JobQueue
	)
	switch cfg.Store {
	case config.StoreMemory:
		store := memory.NewStore()
		repo, ledger, disputes = store, memory.NewLedger(), store.Disputes()
		queue = memory.NewQueue()
		logger.Warn().Msg("using in-memory store; state is lost on restart")
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		repo = postgres.NewTransactionRepository(pool)
		ledger = postgres.NewLedgerRepository(pool)
		disputes = postgres.NewDisputeRepository(pool)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis error")
		}
		queue = redisqueue.New(client, cfg.RedisQueueKey)
	}

	// infrastructure
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	sseHub := sse.NewHub()

	// services
	timeouts := cfg.Timeouts()
	scheduler := appEscrow.NewScheduler(timeouts, queue, logger)
	escrowSvc := appEscrow.NewService(repo, ledger, scheduler, logger,
		appEscrow.WithNotifier(sseHub),
		appEscrow.WithMetrics(m),
	)
	eligibility, err := appDispute.NewEligibility(cfg.DisputeEligibility)
	if err != nil {
		logger.Fatal().Err(err).Str("rule", cfg.DisputeEligibility).Msg("invalid dispute eligibility rule")
	}
	disputeSvc := appDispute.NewManager(disputes, escrowSvc, eligibility, logger)
	worker := expiration.NewWorker(repo, escrowSvc, queue, timeouts, logger,
		expiration.WithBatchSize(cfg.BatchSize),
		expiration.WithMetrics(m),
	)
	validator := consistency.NewValidator(repo, scheduler, logger,
		consistency.WithPageSize(cfg.BatchSize),
		consistency.WithStalledAfter(cfg.StalledAfter),
		consistency.WithMetrics(m),
	)

	// API server
	apiServer := httpapi.NewServer(escrowSvc, disputeSvc, validator, sseHub, reg, logger)
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.Store).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sseHub.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	// background loops
	g.Go(func() error { return worker.RunSweeper(gctx, cfg.SweepInterval) })
	if queue != nil {
		g.Go(func() error { return worker.RunConsumer(gctx, cfg.ConsumeInterval, cfg.BatchSize) })
	}
	g.Go(func() error {
		if _, err := validator.Validate(gctx); err != nil && gctx.Err() == nil {
			logger.Error().Err(err).Msg("initial consistency validation failed")
		}
		return validator.Run(gctx, cfg.ValidateInterval)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
