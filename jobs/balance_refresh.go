package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/clinicore/clinicore/internal/jobs"
)

// PatientLister enumerates patient IDs for the sweep.
type PatientLister interface {
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}

// BalanceRecalculator is the slice of the billing engine the sweep needs.
type BalanceRecalculator interface {
	RecalculateBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error)
}

// BalanceRefreshJob recomputes every patient's materialized balance from
// rows. It repairs any drift a crash between balance write and commit could
// have left behind; each patient is recomputed independently so one failure
// does not abort the sweep.
type BalanceRefreshJob struct {
	Patients PatientLister
	Billing  BalanceRecalculator
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewBalanceRefreshJob initialises the balance sweep handler.
func NewBalanceRefreshJob(patients PatientLister, billing BalanceRecalculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceRefreshJob {
	return &BalanceRefreshJob{Patients: patients, Billing: billing, Logger: logger, Metrics: metrics}
}

// Handle executes the balance sweep.
func (j *BalanceRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Patients == nil || j.Billing == nil {
		return errors.New("balance refresh: handler not configured")
	}
	var payload BalanceRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskBalanceRefresh)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger()
	logger.Info("starting balance refresh")

	ids, err := j.Patients.ListIDs(ctx)
	if err != nil {
		resultErr = err
		logger.Error("list patients failed", slog.Any("error", err))
		return resultErr
	}

	var failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			resultErr = ctx.Err()
			return resultErr
		}
		if _, err := j.Billing.RecalculateBalance(ctx, id); err != nil {
			failed++
			logger.Warn("recalculate failed",
				slog.String("patient_id", id.String()), slog.Any("error", err))
		}
	}
	if failed > 0 {
		resultErr = errors.New("balance refresh: some patients failed")
	}

	logger.Info("completed balance refresh",
		slog.Int("patients", len(ids)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *BalanceRefreshJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBalanceRefresh))
	}
	return slog.Default().With(slog.String("job", TaskBalanceRefresh))
}

func (j *BalanceRefreshJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
