package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/shared"
)

type memoryBillingRepo struct {
	patients    map[uuid.UUID]bool
	invoices    map[uuid.UUID]*Invoice
	adjustments map[uuid.UUID][]Adjustment
	paid        map[uuid.UUID]decimal.Decimal
	entries     []ledger.Entry
	balances    map[uuid.UUID]decimal.Decimal
	nextNumber  int64
}

func newMemoryBillingRepo() *memoryBillingRepo {
	return &memoryBillingRepo{
		patients:    make(map[uuid.UUID]bool),
		invoices:    make(map[uuid.UUID]*Invoice),
		adjustments: make(map[uuid.UUID][]Adjustment),
		paid:        make(map[uuid.UUID]decimal.Decimal),
		balances:    make(map[uuid.UUID]decimal.Decimal),
	}
}

func (r *memoryBillingRepo) addPatient() uuid.UUID {
	id := uuid.New()
	r.patients[id] = true
	return id
}

func (r *memoryBillingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryBillingRepo) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFoundf("invoice %s", id)
	}
	return *inv, nil
}

func (r *memoryBillingRepo) GetFinancials(ctx context.Context, id uuid.UUID) (Financials, error) {
	return r.InvoiceFinancials(ctx, id)
}

func (r *memoryBillingRepo) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if req.PatientID != uuid.Nil && inv.PatientID != req.PatientID {
			continue
		}
		if req.Status != "" && inv.Status != req.Status {
			continue
		}
		out = append(out, *inv)
	}
	return out, len(out), nil
}

func (r *memoryBillingRepo) ListAdjustments(ctx context.Context, invoiceID uuid.UUID) ([]Adjustment, error) {
	return r.adjustments[invoiceID], nil
}

func (r *memoryBillingRepo) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	if !r.patients[patientID] {
		return shared.NotFoundf("patient %s", patientID)
	}
	return nil
}

func (r *memoryBillingRepo) NextInvoiceNumber(ctx context.Context) (string, error) {
	r.nextNumber++
	return fmt.Sprintf("INV-%06d", r.nextNumber), nil
}

func (r *memoryBillingRepo) InsertInvoice(ctx context.Context, inv Invoice) error {
	copied := inv
	r.invoices[inv.ID] = &copied
	return nil
}

func (r *memoryBillingRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return r.GetInvoice(ctx, id)
}

func (r *memoryBillingRepo) InvoiceFinancials(ctx context.Context, id uuid.UUID) (Financials, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return Financials{}, shared.NotFoundf("invoice %s", id)
	}
	adj := decimal.Zero
	for _, a := range r.adjustments[id] {
		adj = adj.Add(a.Amount)
	}
	paid, ok := r.paid[id]
	if !ok {
		paid = decimal.Zero
	}
	return Financials{Total: inv.TotalAmount, Adjustments: adj, EffectivePaid: paid}, nil
}

func (r *memoryBillingRepo) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus) error {
	inv, ok := r.invoices[id]
	if !ok {
		return shared.NotFoundf("invoice %s", id)
	}
	inv.Status = status
	return nil
}

func (r *memoryBillingRepo) InsertAdjustment(ctx context.Context, adj Adjustment) error {
	r.adjustments[adj.InvoiceID] = append(r.adjustments[adj.InvoiceID], adj)
	return nil
}

func (r *memoryBillingRepo) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	var count int64
	for _, inv := range r.invoices {
		if (inv.Status == StatusUnpaid || inv.Status == StatusPartiallyPaid) && inv.DueDate.Before(asOf) {
			inv.Status = StatusOverdue
			count++
		}
	}
	return count, nil
}

func (r *memoryBillingRepo) RecomputePatientBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error) {
	balance := decimal.Zero
	for id, inv := range r.invoices {
		if inv.PatientID != patientID || inv.Status == StatusCancelled {
			continue
		}
		fin, err := r.InvoiceFinancials(ctx, id)
		if err != nil {
			return decimal.Zero, err
		}
		balance = balance.Add(fin.Remaining())
	}
	r.balances[patientID] = balance
	return balance, nil
}

func (r *memoryBillingRepo) AppendLedger(ctx context.Context, in ledger.EntryInput) (ledger.Entry, error) {
	entry := ledger.Entry{
		ID:          uuid.New(),
		PatientID:   in.PatientID,
		InvoiceID:   in.InvoiceID,
		PaymentID:   in.PaymentID,
		Type:        in.Type,
		Amount:      in.Amount,
		Seq:         int64(len(r.entries) + 1),
		OccurredAt:  time.Now().UTC(),
		Description: in.Description,
	}
	r.entries = append(r.entries, entry)
	return entry, nil
}

func (r *memoryBillingRepo) lastEntry(t *testing.T) ledger.Entry {
	t.Helper()
	require.NotEmpty(t, r.entries)
	return r.entries[len(r.entries)-1]
}

func newTestService(repo *memoryBillingRepo) *Service {
	return NewService(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateInvoice(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patientID,
		Total:     money("150.00"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusUnpaid, inv.Status)
	require.NotEmpty(t, inv.Number)
	require.True(t, inv.DueDate.After(inv.IssueDate))

	entry := repo.lastEntry(t)
	require.Equal(t, ledger.EntryInvoiceIssued, entry.Type)
	require.True(t, entry.Amount.Equal(money("150.00")))
	require.True(t, repo.balances[patientID].Equal(money("150.00")))
}

func TestCreateInvoiceValidation(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("0")})
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("-5")})
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	now := time.Now().UTC()
	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patientID,
		Total:     money("10"),
		IssueDate: now,
		DueDate:   now.AddDate(0, 0, -1),
	})
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: uuid.New(), Total: money("10")})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBatchCreateInvoicesPartialFailure(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	results := svc.BatchCreateInvoices(context.Background(), []CreateInvoiceInput{
		{PatientID: patientID, Total: money("40")},
		{PatientID: patientID, Total: money("-1")},
		{PatientID: patientID, Total: money("60")},
	})
	require.Len(t, results, 3)
	require.NotNil(t, results[0].Invoice)
	require.Nil(t, results[1].Invoice)
	require.ErrorIs(t, results[1].Err, shared.ErrInvalidArgument)
	require.NotEmpty(t, results[1].Error)
	require.NotNil(t, results[2].Invoice)
	require.Len(t, repo.invoices, 2)
}

func TestApplyDiscount(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("100")})
	require.NoError(t, err)

	detail, err := svc.ApplyDiscount(context.Background(), inv.ID, money("30"), "loyalty")
	require.NoError(t, err)
	require.True(t, detail.Remaining.Equal(money("70")))
	require.Equal(t, StatusUnpaid, detail.Status)

	entry := repo.lastEntry(t)
	require.Equal(t, ledger.EntryDiscountApplied, entry.Type)
	require.True(t, entry.Amount.Equal(money("-30")))
	require.True(t, repo.balances[patientID].Equal(money("70")))

	// exceeding the remaining amount is rejected
	_, err = svc.ApplyDiscount(context.Background(), inv.ID, money("71"), "too much")
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestDiscountCoversRemainingMarksPaid(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("100")})
	require.NoError(t, err)
	repo.paid[inv.ID] = money("60")

	detail, err := svc.WriteOff(context.Background(), inv.ID, money("40"), "hardship")
	require.NoError(t, err)
	require.Equal(t, StatusPaid, detail.Status)
	require.True(t, detail.Remaining.IsZero())
}

func TestAdjustmentRejectedOnClosedInvoice(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("50")})
	require.NoError(t, err)

	repo.invoices[inv.ID].Status = StatusPaid
	repo.paid[inv.ID] = money("50")
	_, err = svc.ApplyDiscount(context.Background(), inv.ID, money("10"), "late")
	require.ErrorIs(t, err, shared.ErrBusinessRule)
	_, err = svc.WriteOff(context.Background(), inv.ID, money("10"), "late")
	require.ErrorIs(t, err, shared.ErrBusinessRule)

	repo.invoices[inv.ID].Status = StatusCancelled
	_, err = svc.ApplyCreditNote(context.Background(), inv.ID, money("10"), "late")
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestCreditNoteReopensPaidInvoice(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("200")})
	require.NoError(t, err)
	repo.invoices[inv.ID].Status = StatusPaid
	repo.paid[inv.ID] = money("200")

	detail, err := svc.ApplyCreditNote(context.Background(), inv.ID, money("50"), "billing error")
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, detail.Status)
	require.True(t, detail.Financials.EffectiveDue().Equal(money("150")))

	entry := repo.lastEntry(t)
	require.Equal(t, ledger.EntryCreditNote, entry.Type)
	require.True(t, entry.Amount.Equal(money("-50")))
}

func TestCancelInvoice(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("80")})
	require.NoError(t, err)

	cancelled, err := svc.CancelInvoice(context.Background(), inv.ID, "duplicate entry")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	entry := repo.lastEntry(t)
	require.Equal(t, ledger.EntryInvoiceCancelled, entry.Type)
	require.True(t, entry.Amount.Equal(money("-80")))
	require.True(t, repo.balances[patientID].IsZero())

	_, err = svc.CancelInvoice(context.Background(), inv.ID, "again")
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestCancelInvoiceRejectedWithPayments(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("80")})
	require.NoError(t, err)
	repo.paid[inv.ID] = money("20")
	repo.invoices[inv.ID].Status = StatusPartiallyPaid

	_, err = svc.CancelInvoice(context.Background(), inv.ID, "mistake")
	require.ErrorIs(t, err, shared.ErrBusinessRule)

	repo.invoices[inv.ID].Status = StatusPaid
	repo.paid[inv.ID] = money("80")
	_, err = svc.CancelInvoice(context.Background(), inv.ID, "mistake")
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestRecalculateBalanceIdempotent(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patientID,
		Total:     money("200.00"),
	})
	require.NoError(t, err)
	repo.paid[inv.ID] = money("80.00")

	first, err := svc.RecalculateBalance(context.Background(), patientID)
	require.NoError(t, err)
	require.True(t, first.Equal(money("120.00")))

	// no intervening mutation: a second recompute yields the same value
	second, err := svc.RecalculateBalance(context.Background(), patientID)
	require.NoError(t, err)
	require.True(t, second.Equal(first))
	require.True(t, repo.balances[patientID].Equal(first))

	_, err = svc.RecalculateBalance(context.Background(), uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMarkOverdue(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	past := time.Now().UTC().AddDate(0, 0, -40)
	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patientID,
		Total:     money("80"),
		IssueDate: past,
		DueDate:   past.AddDate(0, 0, 14),
	})
	require.NoError(t, err)
	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("10")})
	require.NoError(t, err)

	count, err := svc.MarkOverdue(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Equal(t, StatusOverdue, repo.invoices[inv.ID].Status)
}

func TestComputeStatus(t *testing.T) {
	now := time.Now().UTC()
	future := now.AddDate(0, 0, 7)
	past := now.AddDate(0, 0, -7)

	fin := Financials{Total: money("100")}
	require.Equal(t, StatusUnpaid, ComputeStatus(fin, future, now))
	require.Equal(t, StatusOverdue, ComputeStatus(fin, past, now))

	fin.EffectivePaid = money("40")
	require.Equal(t, StatusPartiallyPaid, ComputeStatus(fin, future, now))
	require.Equal(t, StatusOverdue, ComputeStatus(fin, past, now))

	fin.EffectivePaid = money("100")
	require.Equal(t, StatusPaid, ComputeStatus(fin, past, now))

	// adjustments shrink the effective due
	fin = Financials{Total: money("100"), Adjustments: money("30"), EffectivePaid: money("70")}
	require.Equal(t, StatusPaid, ComputeStatus(fin, past, now))
}

func TestGetInvoiceDetail(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newTestService(repo)
	patientID := repo.addPatient()

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{PatientID: patientID, Total: money("120")})
	require.NoError(t, err)
	_, err = svc.ApplyDiscount(context.Background(), inv.ID, money("20"), "promo")
	require.NoError(t, err)

	detail, err := svc.GetInvoiceDetail(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, detail.Remaining.Equal(money("100")))
	require.Len(t, detail.Adjustments, 1)

	_, err = svc.GetInvoiceDetail(context.Background(), uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}
