package plans

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/billing"
	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/payments"
	"github.com/clinicore/clinicore/internal/shared"
)

// RepositoryPort defines data access methods for plans.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPlan(ctx context.Context, id uuid.UUID) (Plan, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (billing.Invoice, error)
	ListInstallments(ctx context.Context, planID uuid.UUID) ([]Installment, error)
	ListPlans(ctx context.Context, patientID uuid.UUID) ([]Plan, error)
}

// TxRepository exposes transactional plan operations plus the payment,
// invoice and ledger writes that commit with them. The patient lock always
// comes first.
type TxRepository interface {
	LockPatient(ctx context.Context, patientID uuid.UUID) error
	InsertPlan(ctx context.Context, p Plan) error
	InsertInstallment(ctx context.Context, ins Installment) error
	GetPlanForUpdate(ctx context.Context, id uuid.UUID) (Plan, error)
	GetInstallmentForUpdate(ctx context.Context, id uuid.UUID) (Installment, error)
	ListInstallments(ctx context.Context, planID uuid.UUID) ([]Installment, error)
	SetInstallmentPaid(ctx context.Context, id, paymentID uuid.UUID, paidAmount decimal.Decimal, at time.Time) error
	SetInstallmentProgress(ctx context.Context, id, paymentID uuid.UUID, paidAmount decimal.Decimal) error
	CancelOpenInstallments(ctx context.Context, planID uuid.UUID) error
	CountOpenInstallments(ctx context.Context, planID uuid.UUID) (int, error)
	UpdatePlanStatus(ctx context.Context, id uuid.UUID, status PlanStatus) error
	MarkPlanCancelled(ctx context.Context, id uuid.UUID, reason string) error
	ActivePlanExists(ctx context.Context, invoiceID uuid.UUID) (bool, error)
	MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int64, error)
	InsertPayment(ctx context.Context, p payments.Payment) error
	InsertAllocation(ctx context.Context, a payments.Allocation) error
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (billing.Invoice, error)
	InvoiceFinancials(ctx context.Context, id uuid.UUID) (billing.Financials, error)
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status billing.InvoiceStatus) error
	RecomputePatientBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error)
	AppendLedger(ctx context.Context, in ledger.EntryInput) (ledger.Entry, error)
}

// Service handles payment plan business logic.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// CreatePlan freezes an installment schedule over the invoice's remaining
// amount as of now. An even split puts the rounding remainder on the last
// installment; an explicit schedule must sum to the remaining amount exactly.
func (s *Service) CreatePlan(ctx context.Context, input CreatePlanInput) (PlanDetail, error) {
	if err := input.validate(); err != nil {
		return PlanDetail{}, err
	}

	// Unlocked read to learn the owning patient; state is re-validated under
	// the lock inside the transaction.
	peek, err := s.repo.GetInvoice(ctx, input.InvoiceID)
	if err != nil {
		return PlanDetail{}, err
	}

	var detail PlanDetail
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status.Closed() {
			return shared.BusinessRulef("invoice %s accepts no further payment", inv.Number)
		}
		exists, err := tx.ActivePlanExists(ctx, inv.ID)
		if err != nil {
			return err
		}
		if exists {
			return shared.BusinessRulef("invoice %s already has an active plan", inv.Number)
		}
		fin, err := tx.InvoiceFinancials(ctx, inv.ID)
		if err != nil {
			return err
		}
		remaining := fin.Remaining()
		if !remaining.IsPositive() {
			return shared.BusinessRulef("invoice %s has no remaining amount", inv.Number)
		}

		schedule := input.Items
		if input.Count > 0 {
			freq := input.FrequencyDays
			if freq == 0 {
				freq = 30
			}
			schedule = evenSchedule(remaining, input.Count, input.StartDate, freq)
		} else {
			sum := decimal.Zero
			for _, item := range schedule {
				sum = sum.Add(shared.RoundMoney(item.Amount))
			}
			if !sum.Equal(remaining) {
				return shared.InvalidArgumentf("schedule sums to %s, remaining amount is %s", sum, remaining)
			}
		}

		plan := Plan{
			ID:          uuid.New(),
			PatientID:   inv.PatientID,
			InvoiceID:   inv.ID,
			TotalAmount: remaining,
			Status:      PlanActive,
		}
		if err := tx.InsertPlan(ctx, plan); err != nil {
			return err
		}
		installments := make([]Installment, len(schedule))
		for i, item := range schedule {
			installments[i] = Installment{
				ID:      uuid.New(),
				PlanID:  plan.ID,
				Seq:     i + 1,
				Amount:  shared.RoundMoney(item.Amount),
				DueDate: item.DueDate,
				Status:  InstallmentPending,
			}
			if err := tx.InsertInstallment(ctx, installments[i]); err != nil {
				return err
			}
		}
		detail = PlanDetail{Plan: plan, Installments: installments}
		return nil
	})
	if err != nil {
		return PlanDetail{}, err
	}
	return detail, nil
}

// RecordInstallmentPayment collects money against one open installment: it
// records a real payment allocated to the plan's invoice and accumulates the
// installment's paid amount. A zero amount means the full outstanding part.
// The installment flips to paid once its paid amount covers it, and the plan
// completes when no open installments remain. If the invoice's remaining
// amount has shrunk below the collected amount, only that much is allocated
// and the rest stays on the payment unallocated.
func (s *Service) RecordInstallmentPayment(ctx context.Context, planID, installmentID uuid.UUID, amount decimal.Decimal, method, reference string) (PlanDetail, error) {
	if amount.IsNegative() {
		return PlanDetail{}, shared.InvalidArgumentf("amount must not be negative")
	}
	amount = shared.RoundMoney(amount)

	peek, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return PlanDetail{}, err
	}

	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		plan, err := tx.GetPlanForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Status != PlanActive {
			return shared.BusinessRulef("plan is %s", plan.Status)
		}
		ins, err := tx.GetInstallmentForUpdate(ctx, installmentID)
		if err != nil {
			return err
		}
		if ins.PlanID != plan.ID {
			return shared.BusinessRulef("installment belongs to another plan")
		}
		if !ins.Status.Open() {
			return shared.BusinessRulef("installment %d is %s", ins.Seq, ins.Status)
		}
		owed := ins.Owed()
		collect := amount
		if collect.IsZero() {
			collect = owed
		}
		if collect.GreaterThan(owed) {
			return shared.BusinessRulef("amount %s exceeds outstanding %s on installment %d", collect, owed, ins.Seq)
		}

		inv, err := tx.GetInvoiceForUpdate(ctx, plan.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status == billing.StatusCancelled {
			return shared.BusinessRulef("invoice %s is cancelled", inv.Number)
		}
		fin, err := tx.InvoiceFinancials(ctx, inv.ID)
		if err != nil {
			return err
		}

		payment := payments.Payment{
			ID:         uuid.New(),
			PatientID:  plan.PatientID,
			Type:       payments.TypePayment,
			Amount:     collect,
			Method:     method,
			Reference:  reference,
			ReceivedAt: now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		allocate := decimal.Min(collect, fin.Remaining())
		if allocate.IsPositive() {
			if err := tx.InsertAllocation(ctx, payments.Allocation{
				ID:        uuid.New(),
				PaymentID: payment.ID,
				InvoiceID: inv.ID,
				Amount:    allocate,
			}); err != nil {
				return err
			}
			fin, err = tx.InvoiceFinancials(ctx, inv.ID)
			if err != nil {
				return err
			}
			if next := billing.ComputeStatus(fin, inv.DueDate, now); next != inv.Status {
				if err := tx.UpdateInvoiceStatus(ctx, inv.ID, next); err != nil {
					return err
				}
			}
		}
		newPaid := ins.PaidAmount.Add(collect)
		if newPaid.GreaterThanOrEqual(ins.Amount) {
			if err := tx.SetInstallmentPaid(ctx, ins.ID, payment.ID, newPaid, now); err != nil {
				return err
			}
		} else {
			if err := tx.SetInstallmentProgress(ctx, ins.ID, payment.ID, newPaid); err != nil {
				return err
			}
		}
		if _, err := tx.AppendLedger(ctx, ledger.EntryInput{
			PatientID:   plan.PatientID,
			InvoiceID:   &inv.ID,
			PaymentID:   &payment.ID,
			Type:        ledger.EntryPaymentReceipt,
			Amount:      payment.Amount,
			Description: fmt.Sprintf("installment %d collected for invoice %s", ins.Seq, inv.Number),
		}); err != nil {
			return err
		}

		open, err := tx.CountOpenInstallments(ctx, plan.ID)
		if err != nil {
			return err
		}
		if open == 0 {
			if err := tx.UpdatePlanStatus(ctx, plan.ID, PlanCompleted); err != nil {
				return err
			}
		}
		_, err = tx.RecomputePatientBalance(ctx, plan.PatientID)
		return err
	})
	if err != nil {
		return PlanDetail{}, err
	}
	return s.GetPlanDetail(ctx, planID)
}

// CancelPlan terminates an active plan. Collected installments and their
// payments stand; open installments are cancelled with the plan.
func (s *Service) CancelPlan(ctx context.Context, planID uuid.UUID, reason string) (PlanDetail, error) {
	peek, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return PlanDetail{}, err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, peek.PatientID); err != nil {
			return err
		}
		plan, err := tx.GetPlanForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Status != PlanActive {
			return shared.BusinessRulef("plan is %s", plan.Status)
		}
		if err := tx.CancelOpenInstallments(ctx, plan.ID); err != nil {
			return err
		}
		return tx.MarkPlanCancelled(ctx, plan.ID, reason)
	})
	if err != nil {
		return PlanDetail{}, err
	}
	return s.GetPlanDetail(ctx, planID)
}

// MarkOverdueInstallments batch-flips past-due pending installments.
func (s *Service) MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int64, error) {
	if asOf.IsZero() {
		asOf = s.now().UTC()
	}
	var count int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		count, err = tx.MarkOverdueInstallments(ctx, asOf)
		return err
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("installments marked overdue", slog.Int64("count", count))
	}
	return count, nil
}

// GetPlanDetail returns a plan with its schedule.
func (s *Service) GetPlanDetail(ctx context.Context, planID uuid.UUID) (PlanDetail, error) {
	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return PlanDetail{}, err
	}
	installments, err := s.repo.ListInstallments(ctx, planID)
	if err != nil {
		return PlanDetail{}, err
	}
	if installments == nil {
		installments = []Installment{}
	}
	return PlanDetail{Plan: plan, Installments: installments}, nil
}

// ListPlans returns a patient's plans.
func (s *Service) ListPlans(ctx context.Context, patientID uuid.UUID) ([]Plan, error) {
	plans, err := s.repo.ListPlans(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if plans == nil {
		plans = []Plan{}
	}
	return plans, nil
}

// evenSchedule splits total into n installments due every freqDays from
// start. Rounding drift lands on the last installment so the sum is exact.
func evenSchedule(total decimal.Decimal, n int, start time.Time, freqDays int) []ScheduleItem {
	base := total.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	items := make([]ScheduleItem, n)
	allocated := decimal.Zero
	for i := range items {
		amount := base
		if i == n-1 {
			amount = total.Sub(allocated)
		}
		items[i] = ScheduleItem{Amount: amount, DueDate: start.AddDate(0, 0, i*freqDays)}
		allocated = allocated.Add(amount)
	}
	return items
}
