// Package payments implements payment capture, allocation to invoices,
// refunds, voiding and the advance-payment credit engine. Payment rows are
// immutable once written; the only state change ever applied to one is the
// void timestamp, and a credit's unapplied remainder is always derived from
// its allocation rows.
package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/shared"
)

// PaymentType classifies the direction and intent of a payment row.
type PaymentType string

const (
	TypePayment PaymentType = "PAYMENT"
	TypeCredit  PaymentType = "CREDIT"
	TypeRefund  PaymentType = "REFUND"
)

// Payment is money received from (or returned to) a patient. Amount is
// positive for PAYMENT and CREDIT rows and negative for REFUND rows, so that
// summing allocations of non-voided payments yields the effective paid amount
// directly.
type Payment struct {
	ID         uuid.UUID       `json:"id"`
	PatientID  uuid.UUID       `json:"patient_id"`
	Type       PaymentType     `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	VoidedAt   *time.Time      `json:"voided_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Voided reports whether the payment no longer counts toward any invoice.
func (p Payment) Voided() bool {
	return p.VoidedAt != nil
}

// Allocation ties part of a payment to one invoice. Rows are append-only; a
// payment's unallocated remainder is its amount minus the sum of its rows.
type Allocation struct {
	ID        uuid.UUID       `json:"id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// AllocationItem is one requested split in an explicit allocation.
type AllocationItem struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// UnappliedCredit is a credit row with its derived available remainder.
type UnappliedCredit struct {
	PaymentID  uuid.UUID       `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Available  decimal.Decimal `json:"available"`
	ReceivedAt time.Time       `json:"received_at"`
}

// CreditTotals are lifetime aggregates over a patient's non-voided credits.
type CreditTotals struct {
	Count   int
	Total   decimal.Decimal
	Applied decimal.Decimal
}

// CreditBalance aggregates a patient's credits: lifetime total, the part
// already applied to invoices, what is still spendable, and the unapplied
// rows that make it up.
type CreditBalance struct {
	PatientID      uuid.UUID         `json:"patient_id"`
	Total          decimal.Decimal   `json:"total"`
	Applied        decimal.Decimal   `json:"applied"`
	Available      decimal.Decimal   `json:"available"`
	Count          int               `json:"count"`
	UnappliedCount int               `json:"unapplied_count"`
	Credits        []UnappliedCredit `json:"credits"`
}

// CreatePaymentInput captures a payment, optionally linked straight to an
// invoice. A linked payment is allocated in full on creation.
type CreatePaymentInput struct {
	PatientID      uuid.UUID
	Amount         decimal.Decimal
	InvoiceID      *uuid.UUID
	Method         string
	Reference      string
	IdempotencyKey string
}

// CreateRefundInput issues money back to a patient. Amount is given positive
// and stored negated.
type CreateRefundInput struct {
	PatientID      uuid.UUID
	Amount         decimal.Decimal
	InvoiceID      *uuid.UUID
	Reason         string
	IdempotencyKey string
}

func (in CreatePaymentInput) validate() error {
	if in.PatientID == uuid.Nil {
		return shared.InvalidArgumentf("patient id required")
	}
	if !in.Amount.IsPositive() {
		return shared.InvalidArgumentf("amount must be positive")
	}
	return nil
}

func (in CreateRefundInput) validate() error {
	if in.PatientID == uuid.Nil {
		return shared.InvalidArgumentf("patient id required")
	}
	if !in.Amount.IsPositive() {
		return shared.InvalidArgumentf("amount must be positive")
	}
	if in.Reason == "" {
		return shared.InvalidArgumentf("reason required")
	}
	return nil
}
