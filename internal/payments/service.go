package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/billing"
	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/shared"
)

// RepositoryPort defines data access methods for payments.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	ListPayments(ctx context.Context, patientID uuid.UUID, page shared.Pagination) ([]Payment, int, error)
	ListAllocations(ctx context.Context, paymentID uuid.UUID) ([]Allocation, error)
	UnappliedCredits(ctx context.Context, patientID uuid.UUID) ([]UnappliedCredit, error)
	CreditTotals(ctx context.Context, patientID uuid.UUID) (CreditTotals, error)
}

// TxRepository exposes transactional payment operations, including the
// invoice and ledger writes that must commit atomically with them. The
// patient lock always comes first.
type TxRepository interface {
	LockPatient(ctx context.Context, patientID uuid.UUID) error
	InsertPayment(ctx context.Context, p Payment) error
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (Payment, error)
	AllocatedAmount(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error)
	InsertAllocation(ctx context.Context, a Allocation) error
	ListAllocationsByPayment(ctx context.Context, paymentID uuid.UUID) ([]Allocation, error)
	SetPaymentVoided(ctx context.Context, id uuid.UUID, at time.Time) error
	UnappliedCreditsForUpdate(ctx context.Context, patientID uuid.UUID) ([]UnappliedCredit, error)
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (billing.Invoice, error)
	InvoiceFinancials(ctx context.Context, id uuid.UUID) (billing.Financials, error)
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status billing.InvoiceStatus) error
	RecomputePatientBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error)
	AppendLedger(ctx context.Context, in ledger.EntryInput) (ledger.Entry, error)
}

// CreditCachePort caches derived credit balances. A nil-safe no-op
// implementation is acceptable in tests.
type CreditCachePort interface {
	Get(ctx context.Context, patientID uuid.UUID) (CreditBalance, bool, error)
	Set(ctx context.Context, balance CreditBalance) error
	Invalidate(ctx context.Context, patientID uuid.UUID) error
}

// Service handles payment capture, allocation and voiding.
type Service struct {
	repo        RepositoryPort
	cache       CreditCachePort
	idempotency *shared.IdempotencyStore
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds a Service instance. The idempotency store may be nil,
// in which case duplicate submission protection is disabled.
func NewService(repo RepositoryPort, cache CreditCachePort, idem *shared.IdempotencyStore, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, idempotency: idem, logger: logger, now: time.Now}
}

// reserveKey claims an idempotency key before any money moves. The second
// return value reports whether a key was actually inserted and must be
// released if the surrounding transaction fails.
func (s *Service) reserveKey(ctx context.Context, key string) (bool, error) {
	if key == "" || s.idempotency == nil {
		return false, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "payments"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) releaseKey(ctx context.Context, inserted bool, key string) {
	if inserted {
		_ = s.idempotency.Delete(ctx, key)
	}
}

// PaymentDetail is a payment with its allocation rows.
type PaymentDetail struct {
	Payment
	Allocations []Allocation    `json:"allocations"`
	Unallocated decimal.Decimal `json:"unallocated"`
}

// CreatePayment records a received payment. When an invoice is linked the
// payment is allocated to it in full inside the same transaction; the invoice
// must be able to absorb the whole amount.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (Payment, error) {
	if err := input.validate(); err != nil {
		return Payment{}, err
	}
	insertedKey, err := s.reserveKey(ctx, input.IdempotencyKey)
	if err != nil {
		return Payment{}, err
	}

	now := s.now().UTC()
	p := Payment{
		ID:         uuid.New(),
		PatientID:  input.PatientID,
		Type:       TypePayment,
		Amount:     shared.RoundMoney(input.Amount),
		Method:     input.Method,
		Reference:  input.Reference,
		ReceivedAt: now,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, p.PatientID); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		if input.InvoiceID != nil {
			if err := s.allocateOne(ctx, tx, p, *input.InvoiceID, p.Amount, now); err != nil {
				return err
			}
		}
		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   p.PatientID,
			InvoiceID:   input.InvoiceID,
			PaymentID:   &p.ID,
			Type:        ledger.EntryPaymentReceipt,
			Amount:      p.Amount,
			Description: paymentDescription(p),
		}); err != nil {
			return err
		}
		_, err := tx.RecomputePatientBalance(ctx, p.PatientID)
		return err
	})
	if err != nil {
		s.releaseKey(ctx, insertedKey, input.IdempotencyKey)
		return Payment{}, err
	}
	return p, nil
}

// CreateRefund records money returned to the patient as a negative payment
// row. A linked refund reduces that invoice's effective paid amount and may
// reopen a PAID invoice.
func (s *Service) CreateRefund(ctx context.Context, input CreateRefundInput) (Payment, error) {
	if err := input.validate(); err != nil {
		return Payment{}, err
	}
	insertedKey, err := s.reserveKey(ctx, input.IdempotencyKey)
	if err != nil {
		return Payment{}, err
	}

	now := s.now().UTC()
	p := Payment{
		ID:         uuid.New(),
		PatientID:  input.PatientID,
		Type:       TypeRefund,
		Amount:     shared.RoundMoney(input.Amount).Neg(),
		Reference:  input.Reason,
		ReceivedAt: now,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, p.PatientID); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		if input.InvoiceID != nil {
			inv, err := tx.GetInvoiceForUpdate(ctx, *input.InvoiceID)
			if err != nil {
				return err
			}
			if inv.PatientID != p.PatientID {
				return shared.BusinessRulef("invoice %s belongs to another patient", inv.Number)
			}
			if inv.Status == billing.StatusCancelled {
				return shared.BusinessRulef("invoice %s is cancelled", inv.Number)
			}
			fin, err := tx.InvoiceFinancials(ctx, inv.ID)
			if err != nil {
				return err
			}
			if p.Amount.Neg().GreaterThan(fin.EffectivePaid) {
				return shared.BusinessRulef("refund exceeds amount paid on invoice %s", inv.Number)
			}
			if err := tx.InsertAllocation(ctx, Allocation{
				ID:        uuid.New(),
				PaymentID: p.ID,
				InvoiceID: inv.ID,
				Amount:    p.Amount,
			}); err != nil {
				return err
			}
			if err := s.refreshInvoiceStatus(ctx, tx, inv, now); err != nil {
				return err
			}
		}
		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   p.PatientID,
			InvoiceID:   input.InvoiceID,
			PaymentID:   &p.ID,
			Type:        ledger.EntryRefundIssued,
			Amount:      p.Amount,
			Description: fmt.Sprintf("refund issued: %s", input.Reason),
		}); err != nil {
			return err
		}
		_, err := tx.RecomputePatientBalance(ctx, p.PatientID)
		return err
	})
	if err != nil {
		s.releaseKey(ctx, insertedKey, input.IdempotencyKey)
		return Payment{}, err
	}
	return p, nil
}

// ApplyPaymentToInvoice allocates part of an existing payment's unallocated
// remainder to one invoice.
func (s *Service) ApplyPaymentToInvoice(ctx context.Context, paymentID, invoiceID uuid.UUID, amount decimal.Decimal) (PaymentDetail, error) {
	if !amount.IsPositive() {
		return PaymentDetail{}, shared.InvalidArgumentf("amount must be positive")
	}
	amount = shared.RoundMoney(amount)

	peek, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return PaymentDetail{}, err
	}

	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Voided() {
			return shared.BusinessRulef("payment is voided")
		}
		if p.Type == TypeRefund {
			return shared.BusinessRulef("a refund cannot be allocated")
		}
		allocated, err := tx.AllocatedAmount(ctx, p.ID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(p.Amount.Sub(allocated)) {
			return shared.BusinessRulef("amount exceeds unallocated remainder %s", p.Amount.Sub(allocated))
		}
		if err := s.allocateOne(ctx, tx, p, invoiceID, amount, now); err != nil {
			return err
		}
		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   p.PatientID,
			InvoiceID:   &invoiceID,
			PaymentID:   &p.ID,
			Type:        ledger.EntryCreditApplied,
			Amount:      amount,
			Description: appliedDescription(p),
		}); err != nil {
			return err
		}
		_, err = tx.RecomputePatientBalance(ctx, p.PatientID)
		return err
	})
	if err != nil {
		return PaymentDetail{}, err
	}
	s.invalidateCreditCache(ctx, peek)
	return s.GetPaymentDetail(ctx, paymentID)
}

// Allocate splits a payment's entire unallocated remainder across invoices.
// The items must sum to exactly that remainder; a short or overshooting split
// is rejected whole.
func (s *Service) Allocate(ctx context.Context, paymentID uuid.UUID, items []AllocationItem) (PaymentDetail, error) {
	if len(items) == 0 {
		return PaymentDetail{}, shared.InvalidArgumentf("at least one allocation item required")
	}
	sum := decimal.Zero
	seen := make(map[uuid.UUID]bool, len(items))
	for _, item := range items {
		if !item.Amount.IsPositive() {
			return PaymentDetail{}, shared.InvalidArgumentf("allocation amounts must be positive")
		}
		if seen[item.InvoiceID] {
			return PaymentDetail{}, shared.InvalidArgumentf("duplicate invoice %s in allocation", item.InvoiceID)
		}
		seen[item.InvoiceID] = true
		sum = sum.Add(shared.RoundMoney(item.Amount))
	}

	peek, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return PaymentDetail{}, err
	}

	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Voided() {
			return shared.BusinessRulef("payment is voided")
		}
		if p.Type == TypeRefund {
			return shared.BusinessRulef("a refund cannot be allocated")
		}
		allocated, err := tx.AllocatedAmount(ctx, p.ID)
		if err != nil {
			return err
		}
		remainder := p.Amount.Sub(allocated)
		if !sum.Equal(remainder) {
			return shared.InvalidArgumentf("allocation items sum to %s, unallocated remainder is %s", sum, remainder)
		}
		for _, item := range items {
			amount := shared.RoundMoney(item.Amount)
			if err := s.allocateOne(ctx, tx, p, item.InvoiceID, amount, now); err != nil {
				return err
			}
			if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
				PatientID:   p.PatientID,
				InvoiceID:   &item.InvoiceID,
				PaymentID:   &p.ID,
				Type:        ledger.EntryCreditApplied,
				Amount:      amount,
				Description: appliedDescription(p),
			}); err != nil {
				return err
			}
		}
		_, err = tx.RecomputePatientBalance(ctx, p.PatientID)
		return err
	})
	if err != nil {
		return PaymentDetail{}, err
	}
	s.invalidateCreditCache(ctx, peek)
	return s.GetPaymentDetail(ctx, paymentID)
}

// VoidPayment excludes a payment from every financial computation without
// deleting it or its allocation rows. The invoices it funded are restated.
func (s *Service) VoidPayment(ctx context.Context, paymentID uuid.UUID, reason string) (Payment, error) {
	if reason == "" {
		return Payment{}, shared.InvalidArgumentf("reason required")
	}

	peek, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}

	now := s.now().UTC()
	var out Payment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Voided() {
			return shared.BusinessRulef("payment already voided")
		}
		if err := tx.SetPaymentVoided(ctx, p.ID, now); err != nil {
			return err
		}

		allocations, err := tx.ListAllocationsByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, a := range allocations {
			inv, err := tx.GetInvoiceForUpdate(ctx, a.InvoiceID)
			if err != nil {
				return err
			}
			if inv.Status == billing.StatusCancelled {
				continue
			}
			if err := s.refreshInvoiceStatus(ctx, tx, inv, now); err != nil {
				return err
			}
		}

		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   p.PatientID,
			PaymentID:   &p.ID,
			Type:        ledger.EntryPaymentVoided,
			Amount:      p.Amount.Neg(),
			Description: fmt.Sprintf("payment voided: %s", reason),
		}); err != nil {
			return err
		}
		if _, err := tx.RecomputePatientBalance(ctx, p.PatientID); err != nil {
			return err
		}
		p.VoidedAt = &now
		out = p
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	s.invalidateCreditCache(ctx, peek)
	return out, nil
}

// GetPaymentDetail returns a payment with its allocations and derived
// unallocated remainder.
func (s *Service) GetPaymentDetail(ctx context.Context, id uuid.UUID) (PaymentDetail, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return PaymentDetail{}, err
	}
	allocations, err := s.repo.ListAllocations(ctx, id)
	if err != nil {
		return PaymentDetail{}, err
	}
	allocated := decimal.Zero
	for _, a := range allocations {
		allocated = allocated.Add(a.Amount)
	}
	if allocations == nil {
		allocations = []Allocation{}
	}
	return PaymentDetail{
		Payment:     p,
		Allocations: allocations,
		Unallocated: p.Amount.Sub(allocated),
	}, nil
}

// ListPayments returns a patient's payments with pagination metadata.
func (s *Service) ListPayments(ctx context.Context, patientID uuid.UUID, page, perPage int) ([]Payment, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	payments, total, err := s.repo.ListPayments(ctx, patientID, p)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return payments, shared.NewPagination(page, perPage, total), nil
}

// allocateOne writes one allocation row against a locked, validated payment
// and restates the invoice status. Caller holds the patient lock.
func (s *Service) allocateOne(ctx context.Context, tx TxRepository, p Payment, invoiceID uuid.UUID, amount decimal.Decimal, now time.Time) error {
	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.PatientID != p.PatientID {
		return shared.BusinessRulef("invoice %s belongs to another patient", inv.Number)
	}
	if inv.Status.Closed() {
		return shared.BusinessRulef("invoice %s accepts no further payment", inv.Number)
	}
	fin, err := tx.InvoiceFinancials(ctx, invoiceID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(fin.Remaining()) {
		return shared.BusinessRulef("allocation of %s exceeds remaining %s on invoice %s", amount, fin.Remaining(), inv.Number)
	}
	if err := tx.InsertAllocation(ctx, Allocation{
		ID:        uuid.New(),
		PaymentID: p.ID,
		InvoiceID: invoiceID,
		Amount:    amount,
	}); err != nil {
		return err
	}
	return s.refreshInvoiceStatus(ctx, tx, inv, now)
}

// refreshInvoiceStatus rereads financials and persists the derived status if
// it changed. Never called for cancelled invoices.
func (s *Service) refreshInvoiceStatus(ctx context.Context, tx TxRepository, inv billing.Invoice, now time.Time) error {
	fin, err := tx.InvoiceFinancials(ctx, inv.ID)
	if err != nil {
		return err
	}
	next := billing.ComputeStatus(fin, inv.DueDate, now)
	if next == inv.Status {
		return nil
	}
	return tx.UpdateInvoiceStatus(ctx, inv.ID, next)
}

func (s *Service) invalidateCreditCache(ctx context.Context, p Payment) {
	if s.cache == nil || p.Type != TypeCredit {
		return
	}
	if err := s.cache.Invalidate(ctx, p.PatientID); err != nil {
		s.logger.Warn("credit cache invalidation failed",
			slog.Any("error", err), slog.String("patient_id", p.PatientID.String()))
	}
}

func appliedDescription(p Payment) string {
	if p.Type == TypeCredit {
		return "credit applied to invoice"
	}
	return "payment applied to invoice"
}

func paymentDescription(p Payment) string {
	if p.Reference != "" {
		return fmt.Sprintf("payment received (%s, ref %s)", p.Method, p.Reference)
	}
	if p.Method != "" {
		return fmt.Sprintf("payment received (%s)", p.Method)
	}
	return "payment received"
}
