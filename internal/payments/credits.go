package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/shared"
)

// CreateAdvancePaymentInput records money received ahead of any invoice.
type CreateAdvancePaymentInput struct {
	PatientID      uuid.UUID
	Amount         decimal.Decimal
	Method         string
	Reference      string
	IdempotencyKey string
}

// AppliedCredit reports one credit-to-invoice application.
type AppliedCredit struct {
	PaymentID uuid.UUID       `json:"payment_id"`
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// AutoApplyResult summarizes an automatic credit application run.
type AutoApplyResult struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Applied   []AppliedCredit `json:"applied"`
	Total     decimal.Decimal `json:"total"`
}

// CreateAdvancePayment records an unsolicited payment as a CREDIT row. It
// carries no allocations until applied; its full amount is available credit.
func (s *Service) CreateAdvancePayment(ctx context.Context, input CreateAdvancePaymentInput) (Payment, error) {
	if input.PatientID == uuid.Nil {
		return Payment{}, shared.InvalidArgumentf("patient id required")
	}
	if !input.Amount.IsPositive() {
		return Payment{}, shared.InvalidArgumentf("amount must be positive")
	}
	insertedKey, err := s.reserveKey(ctx, input.IdempotencyKey)
	if err != nil {
		return Payment{}, err
	}

	now := s.now().UTC()
	p := Payment{
		ID:         uuid.New(),
		PatientID:  input.PatientID,
		Type:       TypeCredit,
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
		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   p.PatientID,
			PaymentID:   &p.ID,
			Type:        ledger.EntryCreditReceipt,
			Amount:      p.Amount,
			Description: "advance payment received",
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
	s.invalidateCreditCache(ctx, p)
	return p, nil
}

// ApplyCredit applies part of one credit's derived remainder to an invoice.
// A zero amount means "as much as possible": the smaller of the remainder and
// the invoice's remaining due. The credit row itself is never rewritten.
func (s *Service) ApplyCredit(ctx context.Context, creditID, invoiceID uuid.UUID, amount decimal.Decimal) (AppliedCredit, error) {
	if amount.IsNegative() {
		return AppliedCredit{}, shared.InvalidArgumentf("amount must not be negative")
	}
	amount = shared.RoundMoney(amount)

	peek, err := s.repo.GetPayment(ctx, creditID)
	if err != nil {
		return AppliedCredit{}, err
	}

	now := s.now().UTC()
	var applied AppliedCredit
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		a, err := s.applyCreditLocked(ctx, tx, creditID, invoiceID, amount, now)
		if err != nil {
			return err
		}
		applied = a
		_, err = tx.RecomputePatientBalance(ctx, peek.PatientID)
		return err
	})
	if err != nil {
		return AppliedCredit{}, err
	}
	s.invalidateCreditCache(ctx, peek)
	return applied, nil
}

// applyCreditLocked performs one credit-to-invoice application inside the
// caller's transaction. Both the manual and the automatic path run through
// it so the validations can never drift apart. Caller holds the patient lock
// and recomputes the balance afterwards. A zero amount applies as much as
// possible.
func (s *Service) applyCreditLocked(ctx context.Context, tx TxRepository, creditID, invoiceID uuid.UUID, amount decimal.Decimal, now time.Time) (AppliedCredit, error) {
	p, err := tx.GetPaymentForUpdate(ctx, creditID)
	if err != nil {
		return AppliedCredit{}, err
	}
	if p.Type != TypeCredit {
		return AppliedCredit{}, shared.BusinessRulef("payment is not a credit")
	}
	if p.Voided() {
		return AppliedCredit{}, shared.BusinessRulef("credit is voided")
	}
	allocated, err := tx.AllocatedAmount(ctx, p.ID)
	if err != nil {
		return AppliedCredit{}, err
	}
	available := p.Amount.Sub(allocated)
	if !available.IsPositive() {
		return AppliedCredit{}, shared.BusinessRulef("credit has no remaining amount")
	}

	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return AppliedCredit{}, err
	}
	if inv.PatientID != p.PatientID {
		return AppliedCredit{}, shared.BusinessRulef("invoice %s belongs to another patient", inv.Number)
	}
	if inv.Status.Closed() {
		return AppliedCredit{}, shared.BusinessRulef("invoice %s accepts no further payment", inv.Number)
	}
	fin, err := tx.InvoiceFinancials(ctx, invoiceID)
	if err != nil {
		return AppliedCredit{}, err
	}

	apply := amount
	if apply.IsZero() {
		apply = decimal.Min(available, fin.Remaining())
	}
	if !apply.IsPositive() {
		return AppliedCredit{}, shared.BusinessRulef("invoice %s has no remaining amount", inv.Number)
	}
	if apply.GreaterThan(available) {
		return AppliedCredit{}, shared.BusinessRulef("amount exceeds available credit %s", available)
	}
	if apply.GreaterThan(fin.Remaining()) {
		return AppliedCredit{}, shared.BusinessRulef("amount exceeds remaining %s on invoice %s", fin.Remaining(), inv.Number)
	}

	if err := tx.InsertAllocation(ctx, Allocation{
		ID:        uuid.New(),
		PaymentID: p.ID,
		InvoiceID: invoiceID,
		Amount:    apply,
	}); err != nil {
		return AppliedCredit{}, err
	}
	if err := s.refreshInvoiceStatus(ctx, tx, inv, now); err != nil {
		return AppliedCredit{}, err
	}
	if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
		PatientID:   p.PatientID,
		InvoiceID:   &invoiceID,
		PaymentID:   &p.ID,
		Type:        ledger.EntryCreditApplied,
		Amount:      apply,
		Description: fmt.Sprintf("credit applied to invoice %s", inv.Number),
	}); err != nil {
		return AppliedCredit{}, err
	}
	return AppliedCredit{PaymentID: p.ID, InvoiceID: invoiceID, Amount: apply}, nil
}

// AutoApplyCredits drains a patient's unapplied credits into one invoice,
// oldest credit first, until the invoice is covered or credit runs out. The
// whole run commits atomically.
func (s *Service) AutoApplyCredits(ctx context.Context, patientID, invoiceID uuid.UUID) (AutoApplyResult, error) {
	if patientID == uuid.Nil {
		return AutoApplyResult{}, shared.InvalidArgumentf("patient id required")
	}

	now := s.now().UTC()
	result := AutoApplyResult{InvoiceID: invoiceID, Applied: []AppliedCredit{}, Total: decimal.Zero}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, patientID); err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.PatientID != patientID {
			return shared.BusinessRulef("invoice %s belongs to another patient", inv.Number)
		}
		if inv.Status.Closed() {
			return shared.BusinessRulef("invoice %s accepts no further payment", inv.Number)
		}
		fin, err := tx.InvoiceFinancials(ctx, invoiceID)
		if err != nil {
			return err
		}
		remaining := fin.Remaining()
		if !remaining.IsPositive() {
			return nil
		}

		credits, err := tx.UnappliedCreditsForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		// Each step is the same single-credit application the manual
		// endpoint runs; a zero amount caps itself at
		// min(available, remaining).
		for _, c := range credits {
			if !remaining.IsPositive() {
				break
			}
			a, err := s.applyCreditLocked(ctx, tx, c.PaymentID, invoiceID, decimal.Zero, now)
			if err != nil {
				return err
			}
			result.Applied = append(result.Applied, a)
			result.Total = result.Total.Add(a.Amount)
			remaining = remaining.Sub(a.Amount)
		}
		if len(result.Applied) == 0 {
			return nil
		}
		_, err = tx.RecomputePatientBalance(ctx, patientID)
		return err
	})
	if err != nil {
		return AutoApplyResult{}, err
	}
	if len(result.Applied) > 0 && s.cache != nil {
		if err := s.cache.Invalidate(ctx, patientID); err != nil {
			s.logger.Warn("credit cache invalidation failed", "error", err)
		}
	}
	return result, nil
}

// GetCreditBalance returns the patient's derived credit balance, served from
// cache when fresh.
func (s *Service) GetCreditBalance(ctx context.Context, patientID uuid.UUID) (CreditBalance, error) {
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, patientID); err == nil && ok {
			return cached, nil
		} else if err != nil {
			s.logger.Warn("credit cache read failed", "error", err)
		}
	}

	totals, err := s.repo.CreditTotals(ctx, patientID)
	if err != nil {
		return CreditBalance{}, err
	}
	credits, err := s.repo.UnappliedCredits(ctx, patientID)
	if err != nil {
		return CreditBalance{}, err
	}
	if credits == nil {
		credits = []UnappliedCredit{}
	}
	balance := CreditBalance{
		PatientID:      patientID,
		Total:          totals.Total,
		Applied:        totals.Applied,
		Available:      totals.Total.Sub(totals.Applied),
		Count:          totals.Count,
		UnappliedCount: len(credits),
		Credits:        credits,
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, balance); err != nil {
			s.logger.Warn("credit cache write failed", "error", err)
		}
	}
	return balance, nil
}
