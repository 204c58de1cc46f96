package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/shared"
)

// RepositoryPort defines data access methods for billing.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	GetFinancials(ctx context.Context, id uuid.UUID) (Financials, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error)
	ListAdjustments(ctx context.Context, invoiceID uuid.UUID) ([]Adjustment, error)
}

// TxRepository exposes transactional billing operations. Implementations must
// acquire the patient lock before any invoice lock; every service flow relies
// on that ordering to stay deadlock free.
type TxRepository interface {
	LockPatient(ctx context.Context, patientID uuid.UUID) error
	NextInvoiceNumber(ctx context.Context) (string, error)
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error)
	InvoiceFinancials(ctx context.Context, id uuid.UUID) (Financials, error)
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus) error
	InsertAdjustment(ctx context.Context, adj Adjustment) error
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
	RecomputePatientBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error)
	AppendLedger(ctx context.Context, in ledger.EntryInput) (ledger.Entry, error)
}

// Service handles invoice lifecycle and balance business logic.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// CreateInvoice issues a new invoice in UNPAID state with the next sequential
// number and recomputes the patient balance in the same transaction.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	if input.PatientID == uuid.Nil {
		return Invoice{}, shared.InvalidArgumentf("patient id required")
	}
	if !input.Total.IsPositive() {
		return Invoice{}, shared.InvalidArgumentf("total must be positive")
	}

	now := s.now().UTC()
	if input.IssueDate.IsZero() {
		input.IssueDate = now
	}
	if input.DueDate.IsZero() {
		input.DueDate = input.IssueDate.AddDate(0, 0, 30)
	}
	if input.DueDate.Before(input.IssueDate) {
		return Invoice{}, shared.InvalidArgumentf("due date before issue date")
	}

	inv := Invoice{
		ID:          uuid.New(),
		PatientID:   input.PatientID,
		TotalAmount: shared.RoundMoney(input.Total),
		IssueDate:   input.IssueDate,
		DueDate:     input.DueDate,
		Status:      StatusUnpaid,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, input.PatientID); err != nil {
			return err
		}
		number, err := tx.NextInvoiceNumber(ctx)
		if err != nil {
			return err
		}
		inv.Number = number
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   inv.PatientID,
			InvoiceID:   &inv.ID,
			Type:        ledger.EntryInvoiceIssued,
			Amount:      inv.TotalAmount,
			Description: fmt.Sprintf("invoice %s issued", inv.Number),
		}); err != nil {
			return err
		}
		_, err = tx.RecomputePatientBalance(ctx, inv.PatientID)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// BatchCreateInvoices issues invoices independently: one item's failure never
// rolls back its siblings, while each item stays individually atomic.
func (s *Service) BatchCreateInvoices(ctx context.Context, items []CreateInvoiceInput) []BatchResult {
	results := make([]BatchResult, len(items))
	g := new(errgroup.Group)
	g.SetLimit(4)
	for i, item := range items {
		g.Go(func() error {
			inv, err := s.CreateInvoice(ctx, item)
			if err != nil {
				results[i] = BatchResult{Index: i, Err: err, Error: shared.UserSafeMessage(err)}
				return nil
			}
			results[i] = BatchResult{Index: i, Invoice: &inv}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// GetInvoiceDetail returns an invoice with its recomputed financial view.
func (s *Service) GetInvoiceDetail(ctx context.Context, id uuid.UUID) (InvoiceDetail, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return InvoiceDetail{}, err
	}
	fin, err := s.repo.GetFinancials(ctx, id)
	if err != nil {
		return InvoiceDetail{}, err
	}
	adjustments, err := s.repo.ListAdjustments(ctx, id)
	if err != nil {
		return InvoiceDetail{}, err
	}
	return InvoiceDetail{
		Invoice:     inv,
		Financials:  fin,
		Remaining:   fin.Remaining(),
		Adjustments: adjustments,
	}, nil
}

// ListInvoices returns invoices with pagination metadata.
func (s *Service) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, shared.Pagination, error) {
	invoices, total, err := s.repo.ListInvoices(ctx, req)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return invoices, shared.NewPagination(req.Page, req.PerPage, total), nil
}

// RecalculateBalance recomputes the patient's materialized balance from
// invoice and payment rows. Idempotent and safe to call repeatedly.
func (s *Service) RecalculateBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, patientID); err != nil {
			return err
		}
		var err error
		balance, err = tx.RecomputePatientBalance(ctx, patientID)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// ApplyDiscount reduces the effective due amount with a DISCOUNT adjustment.
func (s *Service) ApplyDiscount(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, reason string) (InvoiceDetail, error) {
	return s.applyAdjustment(ctx, invoiceID, AdjustmentDiscount, amount, reason)
}

// WriteOff reduces the effective due amount with a WRITE_OFF adjustment.
func (s *Service) WriteOff(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, reason string) (InvoiceDetail, error) {
	return s.applyAdjustment(ctx, invoiceID, AdjustmentWriteOff, amount, reason)
}

// ApplyCreditNote reduces the effective due amount with a CREDIT_NOTE
// adjustment. Unlike discounts and write-offs it is accepted on a PAID
// invoice, which reopens the invoice to PARTIALLY_PAID.
func (s *Service) ApplyCreditNote(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, reason string) (InvoiceDetail, error) {
	return s.applyAdjustment(ctx, invoiceID, AdjustmentCreditNote, amount, reason)
}

func (s *Service) applyAdjustment(ctx context.Context, invoiceID uuid.UUID, kind AdjustmentKind, amount decimal.Decimal, reason string) (InvoiceDetail, error) {
	if !amount.IsPositive() {
		return InvoiceDetail{}, shared.InvalidArgumentf("adjustment amount must be positive")
	}
	amount = shared.RoundMoney(amount)

	// Unlocked read to learn the owning patient; state is re-validated under
	// the lock inside the transaction.
	peek, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return InvoiceDetail{}, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return shared.BusinessRulef("invoice %s is cancelled", inv.Number)
		}
		reopened := inv.Status == StatusPaid
		if reopened && kind != AdjustmentCreditNote {
			return shared.BusinessRulef("invoice %s is paid", inv.Number)
		}

		fin, err := tx.InvoiceFinancials(ctx, invoiceID)
		if err != nil {
			return err
		}
		limit := fin.Remaining()
		if reopened {
			// A paid invoice has no remaining amount; a credit note may still
			// reduce the effective due, bounded by the due amount itself.
			limit = fin.EffectiveDue()
		}
		if amount.GreaterThan(limit) {
			return shared.BusinessRulef("%s of %s exceeds adjustable amount %s", kind, amount, limit)
		}

		if err := tx.InsertAdjustment(ctx, Adjustment{
			ID:        uuid.New(),
			InvoiceID: invoiceID,
			Kind:      kind,
			Amount:    amount,
			Reason:    reason,
		}); err != nil {
			return err
		}

		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   inv.PatientID,
			InvoiceID:   &invoiceID,
			Type:        adjustmentEntryType(kind),
			Amount:      amount.Neg(),
			Description: fmt.Sprintf("%s on invoice %s: %s", kind, inv.Number, reason),
		}); err != nil {
			return err
		}

		next := StatusPartiallyPaid
		if !reopened {
			fin, err = tx.InvoiceFinancials(ctx, invoiceID)
			if err != nil {
				return err
			}
			next = ComputeStatus(fin, inv.DueDate, s.now().UTC())
		}
		if next != inv.Status {
			if err := tx.UpdateInvoiceStatus(ctx, invoiceID, next); err != nil {
				return err
			}
		}

		_, err = tx.RecomputePatientBalance(ctx, inv.PatientID)
		return err
	})
	if err != nil {
		return InvoiceDetail{}, err
	}
	return s.GetInvoiceDetail(ctx, invoiceID)
}

// CancelInvoice transitions an invoice to its terminal CANCELLED state. The
// row is never deleted. Invoices carrying payments must have those payments
// voided first.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID uuid.UUID, reason string) (Invoice, error) {
	peek, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}

	var out Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return shared.BusinessRulef("invoice %s already cancelled", inv.Number)
		}
		if inv.Status == StatusPaid {
			return shared.BusinessRulef("invoice %s is paid", inv.Number)
		}
		fin, err := tx.InvoiceFinancials(ctx, invoiceID)
		if err != nil {
			return err
		}
		if fin.EffectivePaid.IsPositive() {
			return shared.BusinessRulef("invoice %s has payments applied; void them first", inv.Number)
		}

		if err := tx.UpdateInvoiceStatus(ctx, invoiceID, StatusCancelled); err != nil {
			return err
		}
		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   inv.PatientID,
			InvoiceID:   &invoiceID,
			Type:        ledger.EntryInvoiceCancelled,
			Amount:      fin.Remaining().Neg(),
			Description: fmt.Sprintf("invoice %s cancelled: %s", inv.Number, reason),
		}); err != nil {
			return err
		}
		if _, err := tx.RecomputePatientBalance(ctx, inv.PatientID); err != nil {
			return err
		}
		inv.Status = StatusCancelled
		out = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return out, nil
}

// MarkOverdue batch-transitions past-due open invoices to OVERDUE.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	if asOf.IsZero() {
		asOf = s.now().UTC()
	}
	var count int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		count, err = tx.MarkOverdue(ctx, asOf)
		return err
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("invoices marked overdue", slog.Int64("count", count))
	}
	return count, nil
}

func adjustmentEntryType(kind AdjustmentKind) ledger.EntryType {
	switch kind {
	case AdjustmentDiscount:
		return ledger.EntryDiscountApplied
	case AdjustmentWriteOff:
		return ledger.EntryWriteOff
	default:
		return ledger.EntryCreditNote
	}
}
