// Package jobs holds the Asynq task definitions and handlers for the
// recurring financial maintenance work: overdue scans and the patient
// balance sweep.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoiceOverdueScan flips past-due open invoices to OVERDUE.
	TaskInvoiceOverdueScan = "billing:overdue_scan"
	// TaskInstallmentOverdueScan flips past-due pending installments.
	TaskInstallmentOverdueScan = "plans:overdue_scan"
	// TaskBalanceRefresh recomputes every patient's materialized balance.
	TaskBalanceRefresh = "billing:balance_refresh"
)

// OverdueScanPayload parameterises both overdue scans. A zero AsOf means the
// handler's current time.
type OverdueScanPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// BalanceRefreshPayload parameterises the balance sweep.
type BalanceRefreshPayload struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// NewInvoiceOverdueScanTask constructs the invoice scan task.
func NewInvoiceOverdueScanTask(payload OverdueScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceOverdueScan, data), nil
}

// NewInstallmentOverdueScanTask constructs the installment scan task.
func NewInstallmentOverdueScanTask(payload OverdueScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInstallmentOverdueScan, data), nil
}

// NewBalanceRefreshTask constructs the balance sweep task.
func NewBalanceRefreshTask(payload BalanceRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalanceRefresh, data), nil
}
