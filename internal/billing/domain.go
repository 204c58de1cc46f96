// Package billing owns the invoice lifecycle and the patient's aggregate
// balance. Status transitions and the balance recomputation are the single
// source of truth the allocation and credit engines build on.
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	StatusUnpaid        InvoiceStatus = "UNPAID"
	StatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	StatusPaid          InvoiceStatus = "PAID"
	StatusCancelled     InvoiceStatus = "CANCELLED"
	StatusOverdue       InvoiceStatus = "OVERDUE"
)

// Closed reports whether the status accepts no further payment application.
func (s InvoiceStatus) Closed() bool {
	return s == StatusPaid || s == StatusCancelled
}

// AdjustmentKind enumerates non-payment reductions of the amount due.
type AdjustmentKind string

const (
	AdjustmentDiscount   AdjustmentKind = "DISCOUNT"
	AdjustmentWriteOff   AdjustmentKind = "WRITE_OFF"
	AdjustmentCreditNote AdjustmentKind = "CREDIT_NOTE"
)

// Invoice model. TotalAmount is immutable once issued; discounts, write-offs
// and credit notes reduce the effective amount due through adjustment rows.
type Invoice struct {
	ID          uuid.UUID       `json:"id"`
	Number      string          `json:"number"`
	PatientID   uuid.UUID       `json:"patient_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	IssueDate   time.Time       `json:"issue_date"`
	DueDate     time.Time       `json:"due_date"`
	Status      InvoiceStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Adjustment is a non-payment reduction of an invoice's effective due amount.
// Rows are created once and never mutated.
type Adjustment struct {
	ID        uuid.UUID       `json:"id"`
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Kind      AdjustmentKind  `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// Financials is the recomputed money view of one invoice. EffectivePaid sums
// allocations of non-voided payments with refunds included as negative
// amounts; it is always derived from rows, never from the cached patient
// balance.
type Financials struct {
	Total         decimal.Decimal `json:"total"`
	Adjustments   decimal.Decimal `json:"adjustments"`
	EffectivePaid decimal.Decimal `json:"effective_paid"`
}

// EffectiveDue is the amount still chargeable: total minus adjustments.
func (f Financials) EffectiveDue() decimal.Decimal {
	return f.Total.Sub(f.Adjustments)
}

// Remaining is the amount a payment may still cover.
func (f Financials) Remaining() decimal.Decimal {
	return f.EffectiveDue().Sub(f.EffectivePaid)
}

// ComputeStatus derives the status of a non-cancelled invoice from its
// financials. The overdue override applies to unpaid and partially paid
// invoices whose due date has passed.
func ComputeStatus(f Financials, dueDate time.Time, now time.Time) InvoiceStatus {
	due := f.EffectiveDue()
	paid := f.EffectivePaid
	switch {
	case paid.GreaterThanOrEqual(due):
		return StatusPaid
	case paid.IsPositive():
		if dueDate.Before(now) {
			return StatusOverdue
		}
		return StatusPartiallyPaid
	default:
		if dueDate.Before(now) {
			return StatusOverdue
		}
		return StatusUnpaid
	}
}

// InvoiceDetail is an invoice with its recomputed financial view.
type InvoiceDetail struct {
	Invoice
	Financials  Financials      `json:"financials"`
	Remaining   decimal.Decimal `json:"remaining"`
	Adjustments []Adjustment    `json:"adjustment_rows"`
}

// CreateInvoiceInput for issuing invoices.
type CreateInvoiceInput struct {
	PatientID uuid.UUID
	Total     decimal.Decimal
	IssueDate time.Time
	DueDate   time.Time
}

// ListInvoicesRequest filters invoice listings.
type ListInvoicesRequest struct {
	PatientID uuid.UUID
	Status    InvoiceStatus
	Page      int
	PerPage   int
}

// BatchResult reports one item's outcome in a batch operation.
type BatchResult struct {
	Index   int      `json:"index"`
	Invoice *Invoice `json:"invoice,omitempty"`
	Err     error    `json:"-"`
	Error   string   `json:"error,omitempty"`
}
