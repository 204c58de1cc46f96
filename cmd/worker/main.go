package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/clinicore/clinicore/internal/app"
	"github.com/clinicore/clinicore/internal/billing"
	"github.com/clinicore/clinicore/internal/patients"
	"github.com/clinicore/clinicore/internal/plans"
	"github.com/clinicore/clinicore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, logger)

	plansRepo := plans.NewRepository(pool)
	plansService := plans.NewService(plansRepo, logger)

	patientsRepo := patients.NewRepository(pool)

	invoiceScanJob := jobs.NewInvoiceOverdueScanJob(billingService, logger, nil)
	installmentScanJob := jobs.NewInstallmentOverdueScanJob(plansService, logger, nil)
	balanceRefreshJob := jobs.NewBalanceRefreshJob(patientsRepo, billingService, logger, nil)

	invoiceScanTask, err := jobs.NewInvoiceOverdueScanTask(jobs.OverdueScanPayload{})
	if err != nil {
		logger.Error("build invoice scan task", slog.Any("error", err))
		os.Exit(1)
	}
	installmentScanTask, err := jobs.NewInstallmentOverdueScanTask(jobs.OverdueScanPayload{})
	if err != nil {
		logger.Error("build installment scan task", slog.Any("error", err))
		os.Exit(1)
	}
	balanceRefreshTask, err := jobs.NewBalanceRefreshTask(jobs.BalanceRefreshPayload{})
	if err != nil {
		logger.Error("build balance refresh task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvoiceOverdueScan, Handler: invoiceScanJob.Handle},
			{Type: jobs.TaskInstallmentOverdueScan, Handler: installmentScanJob.Handle},
			{Type: jobs.TaskBalanceRefresh, Handler: balanceRefreshJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 1 * * *", Task: invoiceScanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: installmentScanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 2 * * *", Task: balanceRefreshTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
