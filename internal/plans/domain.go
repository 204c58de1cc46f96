// Package plans implements installment payment plans over a single invoice.
// A plan freezes a schedule for the invoice's remaining amount at creation
// time; collecting an installment records a real payment through the same
// allocation path every other payment takes.
package plans

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/shared"
)

// PlanStatus enumerates plan lifecycle states.
type PlanStatus string

const (
	PlanActive    PlanStatus = "ACTIVE"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanCancelled PlanStatus = "CANCELLED"
)

// InstallmentStatus enumerates installment states.
type InstallmentStatus string

const (
	InstallmentPending   InstallmentStatus = "PENDING"
	InstallmentPaid      InstallmentStatus = "PAID"
	InstallmentOverdue   InstallmentStatus = "OVERDUE"
	InstallmentCancelled InstallmentStatus = "CANCELLED"
)

// Open reports whether the installment can still be collected.
func (s InstallmentStatus) Open() bool {
	return s == InstallmentPending || s == InstallmentOverdue
}

// Plan schedules an invoice's remaining amount across installments.
type Plan struct {
	ID           uuid.UUID       `json:"id"`
	PatientID    uuid.UUID       `json:"patient_id"`
	InvoiceID    uuid.UUID       `json:"invoice_id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Status       PlanStatus      `json:"status"`
	CancelReason *string         `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Installment is one scheduled slice of a plan. PaidAmount accumulates
// partial collections; the installment closes once it reaches Amount.
// PaymentID records the latest collecting payment.
type Installment struct {
	ID         uuid.UUID         `json:"id"`
	PlanID     uuid.UUID         `json:"plan_id"`
	Seq        int               `json:"seq"`
	Amount     decimal.Decimal   `json:"amount"`
	PaidAmount decimal.Decimal   `json:"paid_amount"`
	DueDate    time.Time         `json:"due_date"`
	Status     InstallmentStatus `json:"status"`
	PaymentID  *uuid.UUID        `json:"payment_id,omitempty"`
	PaidAt     *time.Time        `json:"paid_at,omitempty"`
}

// Owed returns the uncollected part of the installment.
func (i Installment) Owed() decimal.Decimal {
	return i.Amount.Sub(i.PaidAmount)
}

// PlanDetail is a plan with its schedule.
type PlanDetail struct {
	Plan
	Installments []Installment `json:"installments"`
}

// ScheduleItem is one explicitly requested installment.
type ScheduleItem struct {
	Amount  decimal.Decimal `json:"amount"`
	DueDate time.Time       `json:"due_date"`
}

// CreatePlanInput creates a plan for an invoice's remaining amount. Either
// Count splits the amount evenly, due every FrequencyDays from StartDate
// (30 when unset), or Items gives the schedule explicitly; the two are
// mutually exclusive.
type CreatePlanInput struct {
	InvoiceID     uuid.UUID
	Count         int
	StartDate     time.Time
	FrequencyDays int
	Items         []ScheduleItem
}

func (in CreatePlanInput) validate() error {
	if in.InvoiceID == uuid.Nil {
		return shared.InvalidArgumentf("invoice id required")
	}
	if in.Count > 0 && len(in.Items) > 0 {
		return shared.InvalidArgumentf("count and explicit items are mutually exclusive")
	}
	if in.Count <= 0 && len(in.Items) == 0 {
		return shared.InvalidArgumentf("installment count or explicit items required")
	}
	if in.Count > 0 {
		if in.Count > 60 {
			return shared.InvalidArgumentf("at most 60 installments")
		}
		if in.StartDate.IsZero() {
			return shared.InvalidArgumentf("start date required with count")
		}
	}
	if in.FrequencyDays < 0 {
		return shared.InvalidArgumentf("frequency days must not be negative")
	}
	if in.FrequencyDays > 0 && in.Count == 0 {
		return shared.InvalidArgumentf("frequency days only applies with count")
	}
	for i, item := range in.Items {
		if !item.Amount.IsPositive() {
			return shared.InvalidArgumentf("installment %d amount must be positive", i+1)
		}
		if item.DueDate.IsZero() {
			return shared.InvalidArgumentf("installment %d due date required", i+1)
		}
		if i > 0 && item.DueDate.Before(in.Items[i-1].DueDate) {
			return shared.InvalidArgumentf("installment due dates must not decrease")
		}
	}
	return nil
}
