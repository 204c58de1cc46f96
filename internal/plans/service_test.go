package plans

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/clinicore/internal/billing"
	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/payments"
	"github.com/clinicore/clinicore/internal/shared"
)

type memoryPlansRepo struct {
	patients     map[uuid.UUID]bool
	invoices     map[uuid.UUID]*billing.Invoice
	plans        map[uuid.UUID]*Plan
	installments map[uuid.UUID]*Installment
	payments     map[uuid.UUID]*payments.Payment
	allocations  []payments.Allocation
	entries      []ledger.Entry
	balances     map[uuid.UUID]decimal.Decimal
}

func newMemoryPlansRepo() *memoryPlansRepo {
	return &memoryPlansRepo{
		patients:     make(map[uuid.UUID]bool),
		invoices:     make(map[uuid.UUID]*billing.Invoice),
		plans:        make(map[uuid.UUID]*Plan),
		installments: make(map[uuid.UUID]*Installment),
		payments:     make(map[uuid.UUID]*payments.Payment),
		balances:     make(map[uuid.UUID]decimal.Decimal),
	}
}

func (r *memoryPlansRepo) addPatient() uuid.UUID {
	id := uuid.New()
	r.patients[id] = true
	return id
}

func (r *memoryPlansRepo) addInvoice(patientID uuid.UUID, total string) *billing.Invoice {
	inv := &billing.Invoice{
		ID:          uuid.New(),
		Number:      "INV-" + uuid.NewString()[:6],
		PatientID:   patientID,
		TotalAmount: money(total),
		IssueDate:   time.Now().UTC(),
		DueDate:     time.Now().UTC().AddDate(0, 0, 30),
		Status:      billing.StatusUnpaid,
	}
	r.invoices[inv.ID] = inv
	return inv
}

func (r *memoryPlansRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryPlansRepo) GetPlan(ctx context.Context, id uuid.UUID) (Plan, error) {
	p, ok := r.plans[id]
	if !ok {
		return Plan{}, shared.NotFoundf("payment plan not found")
	}
	return *p, nil
}

func (r *memoryPlansRepo) GetInvoice(ctx context.Context, id uuid.UUID) (billing.Invoice, error) {
	return r.GetInvoiceForUpdate(ctx, id)
}

func (r *memoryPlansRepo) ListInstallments(ctx context.Context, planID uuid.UUID) ([]Installment, error) {
	var out []Installment
	for seq := 1; seq <= len(r.installments); seq++ {
		for _, ins := range r.installments {
			if ins.PlanID == planID && ins.Seq == seq {
				out = append(out, *ins)
			}
		}
	}
	return out, nil
}

func (r *memoryPlansRepo) ListPlans(ctx context.Context, patientID uuid.UUID) ([]Plan, error) {
	var out []Plan
	for _, p := range r.plans {
		if p.PatientID == patientID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memoryPlansRepo) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	if !r.patients[patientID] {
		return shared.NotFoundf("patient %s", patientID)
	}
	return nil
}

func (r *memoryPlansRepo) InsertPlan(ctx context.Context, p Plan) error {
	copied := p
	r.plans[p.ID] = &copied
	return nil
}

func (r *memoryPlansRepo) InsertInstallment(ctx context.Context, ins Installment) error {
	copied := ins
	r.installments[ins.ID] = &copied
	return nil
}

func (r *memoryPlansRepo) GetPlanForUpdate(ctx context.Context, id uuid.UUID) (Plan, error) {
	return r.GetPlan(ctx, id)
}

func (r *memoryPlansRepo) GetInstallmentForUpdate(ctx context.Context, id uuid.UUID) (Installment, error) {
	ins, ok := r.installments[id]
	if !ok {
		return Installment{}, shared.NotFoundf("installment not found")
	}
	return *ins, nil
}

func (r *memoryPlansRepo) SetInstallmentPaid(ctx context.Context, id, paymentID uuid.UUID, paidAmount decimal.Decimal, at time.Time) error {
	ins, ok := r.installments[id]
	if !ok {
		return shared.NotFoundf("installment not found")
	}
	ins.Status = InstallmentPaid
	ins.PaidAmount = paidAmount
	ins.PaymentID = &paymentID
	ins.PaidAt = &at
	return nil
}

func (r *memoryPlansRepo) SetInstallmentProgress(ctx context.Context, id, paymentID uuid.UUID, paidAmount decimal.Decimal) error {
	ins, ok := r.installments[id]
	if !ok {
		return shared.NotFoundf("installment not found")
	}
	ins.PaidAmount = paidAmount
	ins.PaymentID = &paymentID
	return nil
}

func (r *memoryPlansRepo) CancelOpenInstallments(ctx context.Context, planID uuid.UUID) error {
	for _, ins := range r.installments {
		if ins.PlanID == planID && ins.Status.Open() {
			ins.Status = InstallmentCancelled
		}
	}
	return nil
}

func (r *memoryPlansRepo) CountOpenInstallments(ctx context.Context, planID uuid.UUID) (int, error) {
	n := 0
	for _, ins := range r.installments {
		if ins.PlanID == planID && ins.Status.Open() {
			n++
		}
	}
	return n, nil
}

func (r *memoryPlansRepo) UpdatePlanStatus(ctx context.Context, id uuid.UUID, status PlanStatus) error {
	p, ok := r.plans[id]
	if !ok {
		return shared.NotFoundf("payment plan not found")
	}
	p.Status = status
	return nil
}

func (r *memoryPlansRepo) MarkPlanCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	p, ok := r.plans[id]
	if !ok {
		return shared.NotFoundf("payment plan not found")
	}
	p.Status = PlanCancelled
	if reason != "" {
		p.CancelReason = &reason
	}
	return nil
}

func (r *memoryPlansRepo) ActivePlanExists(ctx context.Context, invoiceID uuid.UUID) (bool, error) {
	for _, p := range r.plans {
		if p.InvoiceID == invoiceID && p.Status == PlanActive {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryPlansRepo) MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int64, error) {
	var count int64
	for _, ins := range r.installments {
		plan := r.plans[ins.PlanID]
		if plan != nil && plan.Status == PlanActive && ins.Status == InstallmentPending && ins.DueDate.Before(asOf) {
			ins.Status = InstallmentOverdue
			count++
		}
	}
	return count, nil
}

func (r *memoryPlansRepo) InsertPayment(ctx context.Context, p payments.Payment) error {
	copied := p
	r.payments[p.ID] = &copied
	return nil
}

func (r *memoryPlansRepo) InsertAllocation(ctx context.Context, a payments.Allocation) error {
	r.allocations = append(r.allocations, a)
	return nil
}

func (r *memoryPlansRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (billing.Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return billing.Invoice{}, shared.NotFoundf("invoice not found")
	}
	return *inv, nil
}

func (r *memoryPlansRepo) InvoiceFinancials(ctx context.Context, id uuid.UUID) (billing.Financials, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return billing.Financials{}, shared.NotFoundf("invoice not found")
	}
	paid := decimal.Zero
	for _, a := range r.allocations {
		if a.InvoiceID != id {
			continue
		}
		if p := r.payments[a.PaymentID]; p != nil && p.VoidedAt == nil {
			paid = paid.Add(a.Amount)
		}
	}
	return billing.Financials{Total: inv.TotalAmount, EffectivePaid: paid}, nil
}

func (r *memoryPlansRepo) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status billing.InvoiceStatus) error {
	inv, ok := r.invoices[id]
	if !ok {
		return shared.NotFoundf("invoice not found")
	}
	inv.Status = status
	return nil
}

func (r *memoryPlansRepo) RecomputePatientBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error) {
	balance := decimal.Zero
	for id, inv := range r.invoices {
		if inv.PatientID != patientID || inv.Status == billing.StatusCancelled {
			continue
		}
		fin, _ := r.InvoiceFinancials(ctx, id)
		balance = balance.Add(fin.Remaining())
	}
	r.balances[patientID] = balance
	return balance, nil
}

func (r *memoryPlansRepo) AppendLedger(ctx context.Context, in ledger.EntryInput) (ledger.Entry, error) {
	entry := ledger.Entry{
		ID:         uuid.New(),
		PatientID:  in.PatientID,
		InvoiceID:  in.InvoiceID,
		PaymentID:  in.PaymentID,
		Type:       in.Type,
		Amount:     in.Amount,
		Seq:        int64(len(r.entries) + 1),
		OccurredAt: time.Now().UTC(),
	}
	r.entries = append(r.entries, entry)
	return entry, nil
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(repo *memoryPlansRepo) *Service {
	return NewService(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreatePlanEvenSplit(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "100.00")

	start := time.Now().UTC().AddDate(0, 0, 7)
	detail, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv.ID,
		Count:     3,
		StartDate: start,
	})
	require.NoError(t, err)
	require.Equal(t, PlanActive, detail.Status)
	require.True(t, detail.TotalAmount.Equal(money("100.00")))
	require.Len(t, detail.Installments, 3)
	require.True(t, detail.Installments[0].Amount.Equal(money("33.33")))
	require.True(t, detail.Installments[1].Amount.Equal(money("33.33")))
	// rounding remainder lands on the last installment
	require.True(t, detail.Installments[2].Amount.Equal(money("33.34")))
	// default cadence is 30 days
	require.Equal(t, start.AddDate(0, 0, 60), detail.Installments[2].DueDate)
}

func TestCreatePlanCustomFrequency(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "90")

	start := time.Now().UTC()
	detail, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID:     inv.ID,
		Count:         3,
		StartDate:     start,
		FrequencyDays: 14,
	})
	require.NoError(t, err)
	require.Equal(t, start, detail.Installments[0].DueDate)
	require.Equal(t, start.AddDate(0, 0, 14), detail.Installments[1].DueDate)
	require.Equal(t, start.AddDate(0, 0, 28), detail.Installments[2].DueDate)
}

func TestCreatePlanExplicitSchedule(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "100")

	base := time.Now().UTC()
	detail, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv.ID,
		Items: []ScheduleItem{
			{Amount: money("70"), DueDate: base.AddDate(0, 0, 10)},
			{Amount: money("30"), DueDate: base.AddDate(0, 0, 40)},
		},
	})
	require.NoError(t, err)
	require.Len(t, detail.Installments, 2)

	// a schedule that does not cover the remaining amount is rejected
	inv2 := repo.addInvoice(patientID, "100")
	_, err = svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv2.ID,
		Items: []ScheduleItem{
			{Amount: money("70"), DueDate: base.AddDate(0, 0, 10)},
		},
	})
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestCreatePlanRejectsSecondActivePlan(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "90")

	start := time.Now().UTC()
	_, err := svc.CreatePlan(context.Background(), CreatePlanInput{InvoiceID: inv.ID, Count: 3, StartDate: start})
	require.NoError(t, err)
	_, err = svc.CreatePlan(context.Background(), CreatePlanInput{InvoiceID: inv.ID, Count: 2, StartDate: start})
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestCreatePlanRejectsClosedInvoice(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "90")
	repo.invoices[inv.ID].Status = billing.StatusCancelled

	_, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv.ID, Count: 2, StartDate: time.Now().UTC(),
	})
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestCreatePlanInputValidation(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)

	_, err := svc.CreatePlan(context.Background(), CreatePlanInput{})
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	_, err = svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: uuid.New(),
		Count:     2,
		StartDate: time.Now(),
		Items:     []ScheduleItem{{Amount: money("1"), DueDate: time.Now()}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestRecordInstallmentPayment(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "100")

	detail, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv.ID, Count: 2, StartDate: time.Now().UTC(),
	})
	require.NoError(t, err)
	first := detail.Installments[0]

	detail, err = svc.RecordInstallmentPayment(context.Background(), detail.ID, first.ID, decimal.Zero, "card", "txn-1")
	require.NoError(t, err)
	require.Equal(t, PlanActive, detail.Status)
	require.Equal(t, InstallmentPaid, detail.Installments[0].Status)
	require.NotNil(t, detail.Installments[0].PaymentID)
	require.Equal(t, billing.StatusPartiallyPaid, repo.invoices[inv.ID].Status)
	require.True(t, repo.balances[patientID].Equal(money("50")))

	entry := repo.entries[len(repo.entries)-1]
	require.Equal(t, ledger.EntryPaymentReceipt, entry.Type)
	require.True(t, entry.Amount.Equal(money("50")))

	// collecting the same installment twice is rejected
	_, err = svc.RecordInstallmentPayment(context.Background(), detail.ID, first.ID, decimal.Zero, "card", "txn-2")
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestLastInstallmentCompletesPlan(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "100")

	detail, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv.ID, Count: 2, StartDate: time.Now().UTC(),
	})
	require.NoError(t, err)

	for _, ins := range detail.Installments {
		detail, err = svc.RecordInstallmentPayment(context.Background(), detail.ID, ins.ID, decimal.Zero, "cash", "")
		require.NoError(t, err)
	}
	require.Equal(t, PlanCompleted, detail.Status)
	require.Equal(t, billing.StatusPaid, repo.invoices[inv.ID].Status)
	require.True(t, repo.balances[patientID].IsZero())
}

func TestCancelPlanKeepsCollectedInstallments(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "100")

	detail, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv.ID, Count: 2, StartDate: time.Now().UTC(),
	})
	require.NoError(t, err)
	detail, err = svc.RecordInstallmentPayment(context.Background(), detail.ID, detail.Installments[0].ID, decimal.Zero, "cash", "")
	require.NoError(t, err)

	detail, err = svc.CancelPlan(context.Background(), detail.ID, "patient moved away")
	require.NoError(t, err)
	require.Equal(t, PlanCancelled, detail.Status)
	require.NotNil(t, detail.CancelReason)
	require.Equal(t, "patient moved away", *detail.CancelReason)
	require.Equal(t, InstallmentPaid, detail.Installments[0].Status)
	require.Equal(t, InstallmentCancelled, detail.Installments[1].Status)

	// the collected payment stands
	require.Equal(t, billing.StatusPartiallyPaid, repo.invoices[inv.ID].Status)

	_, err = svc.CancelPlan(context.Background(), detail.ID, "")
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestMarkOverdueInstallments(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "100")

	past := time.Now().UTC().AddDate(0, -3, 0)
	detail, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv.ID, Count: 2, StartDate: past,
	})
	require.NoError(t, err)

	count, err := svc.MarkOverdueInstallments(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	detail, err = svc.GetPlanDetail(context.Background(), detail.ID)
	require.NoError(t, err)
	require.Equal(t, InstallmentOverdue, detail.Installments[0].Status)

	// an overdue installment can still be collected
	_, err = svc.RecordInstallmentPayment(context.Background(), detail.ID, detail.Installments[0].ID, decimal.Zero, "cash", "")
	require.NoError(t, err)
}

func TestPartialInstallmentPayment(t *testing.T) {
	repo := newMemoryPlansRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()
	inv := repo.addInvoice(patientID, "100")

	detail, err := svc.CreatePlan(context.Background(), CreatePlanInput{
		InvoiceID: inv.ID, Count: 2, StartDate: time.Now().UTC(),
	})
	require.NoError(t, err)
	first := detail.Installments[0]

	// 20 of 50 leaves the installment open with the progress recorded
	detail, err = svc.RecordInstallmentPayment(context.Background(), detail.ID, first.ID, money("20"), "cash", "")
	require.NoError(t, err)
	require.Equal(t, InstallmentPending, detail.Installments[0].Status)
	require.True(t, detail.Installments[0].PaidAmount.Equal(money("20")))
	require.True(t, detail.Installments[0].Owed().Equal(money("30")))
	require.True(t, repo.balances[patientID].Equal(money("80")))

	// overpaying the outstanding part is rejected
	_, err = svc.RecordInstallmentPayment(context.Background(), detail.ID, first.ID, money("30.01"), "cash", "")
	require.ErrorIs(t, err, shared.ErrBusinessRule)

	// the remaining 30 settles it
	detail, err = svc.RecordInstallmentPayment(context.Background(), detail.ID, first.ID, money("30"), "cash", "")
	require.NoError(t, err)
	require.Equal(t, InstallmentPaid, detail.Installments[0].Status)
	require.True(t, detail.Installments[0].PaidAmount.Equal(money("50")))
	require.NotNil(t, detail.Installments[0].PaidAt)
	require.True(t, repo.balances[patientID].Equal(money("50")))
}

func TestEvenSchedule(t *testing.T) {
	start := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	items := evenSchedule(money("100.01"), 3, start, 30)
	require.Len(t, items, 3)
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Amount)
	}
	require.True(t, sum.Equal(money("100.01")))
	require.True(t, items[0].Amount.Equal(money("33.33")))
	require.True(t, items[2].Amount.Equal(money("33.35")))
}
