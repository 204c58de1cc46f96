package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/clinicore/clinicore/cmd/clinicore/cli"
	"github.com/clinicore/clinicore/internal/app"
	"github.com/clinicore/clinicore/internal/billing"
	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/observability"
	"github.com/clinicore/clinicore/internal/patients"
	"github.com/clinicore/clinicore/internal/payments"
	"github.com/clinicore/clinicore/internal/plans"
	"github.com/clinicore/clinicore/internal/shared"
	"github.com/clinicore/clinicore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	triggerJob := flag.String("trigger-job", "", "enqueue a job by task type and exit")
	inspectQueue := flag.Bool("inspect-queue", false, "print queue stats and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if *triggerJob != "" || *inspectQueue {
		if err := runJobsCLI(ctx, cfg.RedisAddr, *triggerJob, *inspectQueue); err != nil {
			logger.Error("jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerRecorder := ledger.NewRecorder(ledgerRepo, metrics)
	ledgerHandler := ledger.NewHandler(logger, ledgerRecorder)

	billingRepo := billing.NewRepository(dbpool)
	billingService := billing.NewService(billingRepo, logger)
	billingHandler := billing.NewHandler(logger, billingService)

	patientsRepo := patients.NewRepository(dbpool)
	patientsHandler := patients.NewHandler(logger, patientsRepo, billingService.RecalculateBalance)

	creditCache := payments.NewCache(redisClient, cfg.CreditCacheTTL)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	paymentsRepo := payments.NewRepository(dbpool)
	paymentsService := payments.NewService(paymentsRepo, creditCache, idempotencyStore, logger)
	paymentsHandler := payments.NewHandler(logger, paymentsService)

	plansRepo := plans.NewRepository(dbpool)
	plansService := plans.NewService(plansRepo, logger)
	plansHandler := plans.NewHandler(logger, plansService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		PatientsHandler: patientsHandler,
		BillingHandler:  billingHandler,
		PaymentsHandler: paymentsHandler,
		PlansHandler:    plansHandler,
		LedgerHandler:   ledgerHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func runJobsCLI(ctx context.Context, redisAddr, triggerJob string, inspectQueue bool) error {
	jobsCLI, err := cli.NewJobsCLI(redisAddr)
	if err != nil {
		return err
	}
	defer func() {
		_ = jobsCLI.Close()
	}()

	if triggerJob != "" {
		info, err := jobsCLI.Trigger(ctx, triggerJob)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	}
	if inspectQueue {
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	}
	return nil
}
