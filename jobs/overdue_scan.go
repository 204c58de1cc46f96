package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/clinicore/clinicore/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// InvoiceOverdueMarker is the slice of the billing engine the scan needs.
type InvoiceOverdueMarker interface {
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// InstallmentOverdueMarker is the slice of the plan engine the scan needs.
type InstallmentOverdueMarker interface {
	MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int64, error)
}

// InvoiceOverdueScanJob batch-transitions past-due open invoices.
type InvoiceOverdueScanJob struct {
	Billing InvoiceOverdueMarker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewInvoiceOverdueScanJob initialises the invoice scan handler.
func NewInvoiceOverdueScanJob(billing InvoiceOverdueMarker, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceOverdueScanJob {
	return &InvoiceOverdueScanJob{
		Billing: billing,
		Logger:  logger,
		Metrics: metrics,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the invoice overdue scan.
func (j *InvoiceOverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Billing == nil {
		return errors.New("invoice overdue scan: handler not configured")
	}
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}

	tracker := j.metrics().Track(TaskInvoiceOverdueScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Time("as_of", asOf))
	logger.Info("starting invoice overdue scan")

	count, err := j.Billing.MarkOverdue(ctx, asOf)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddOverdue("invoice", count)
	logger.Info("completed invoice overdue scan", slog.Int64("marked", count))
	return resultErr
}

func (j *InvoiceOverdueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInvoiceOverdueScan))
	}
	return slog.Default().With(slog.String("job", TaskInvoiceOverdueScan))
}

func (j *InvoiceOverdueScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InvoiceOverdueScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// InstallmentOverdueScanJob batch-transitions past-due pending installments.
type InstallmentOverdueScanJob struct {
	Plans   InstallmentOverdueMarker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewInstallmentOverdueScanJob initialises the installment scan handler.
func NewInstallmentOverdueScanJob(plans InstallmentOverdueMarker, logger *slog.Logger, metrics *jobmetrics.Metrics) *InstallmentOverdueScanJob {
	return &InstallmentOverdueScanJob{
		Plans:   plans,
		Logger:  logger,
		Metrics: metrics,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the installment overdue scan.
func (j *InstallmentOverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Plans == nil {
		return errors.New("installment overdue scan: handler not configured")
	}
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}

	tracker := j.metrics().Track(TaskInstallmentOverdueScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Time("as_of", asOf))
	logger.Info("starting installment overdue scan")

	count, err := j.Plans.MarkOverdueInstallments(ctx, asOf)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddOverdue("installment", count)
	logger.Info("completed installment overdue scan", slog.Int64("marked", count))
	return resultErr
}

func (j *InstallmentOverdueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInstallmentOverdueScan))
	}
	return slog.Default().With(slog.String("job", TaskInstallmentOverdueScan))
}

func (j *InstallmentOverdueScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InstallmentOverdueScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
