// Package ledger implements the append-only financial audit log. Entries are
// written once and never updated or deleted; their per-patient sequence is the
// read-back ordering guarantee for the rest of the system.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/shared"
)

// EntryType classifies the financial effect an entry records.
type EntryType string

const (
	EntryInvoiceIssued    EntryType = "INVOICE_ISSUED"
	EntryPaymentReceipt   EntryType = "PAYMENT_RECEIPT"
	EntryCreditReceipt    EntryType = "CREDIT_RECEIPT"
	EntryCreditApplied    EntryType = "CREDIT_APPLIED"
	EntryRefundIssued     EntryType = "REFUND_ISSUED"
	EntryPaymentVoided    EntryType = "PAYMENT_VOIDED"
	EntryDiscountApplied  EntryType = "DISCOUNT_APPLIED"
	EntryWriteOff         EntryType = "WRITE_OFF"
	EntryCreditNote       EntryType = "CREDIT_NOTE"
	EntryInvoiceCancelled EntryType = "INVOICE_CANCELLED"
)

// Entry is an immutable audit record of a single financial effect.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	PatientID   uuid.UUID       `json:"patient_id"`
	InvoiceID   *uuid.UUID      `json:"invoice_id,omitempty"`
	PaymentID   *uuid.UUID      `json:"payment_id,omitempty"`
	Type        EntryType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Seq         int64           `json:"seq"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Description string          `json:"description"`
}

// EntryInput describes an entry to append.
type EntryInput struct {
	PatientID   uuid.UUID
	InvoiceID   *uuid.UUID
	PaymentID   *uuid.UUID
	Type        EntryType
	Amount      decimal.Decimal
	Description string
}

// Validate rejects malformed input before any write.
func (in EntryInput) Validate() error {
	if in.PatientID == uuid.Nil {
		return shared.InvalidArgumentf("ledger: patient id required")
	}
	if in.Type == "" {
		return shared.InvalidArgumentf("ledger: entry type required")
	}
	if in.Amount.IsZero() {
		return shared.InvalidArgumentf("ledger: amount must be non-zero")
	}
	return nil
}
