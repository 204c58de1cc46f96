package plans

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/billing"
	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/payments"
	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/shared"
)

// Repository provides Postgres access for payment plans.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds a Repository instance.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn in a repeatable-read transaction, retrying on serialization
// conflicts.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxRetry(ctx, r.pool, 3, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const planColumns = `id, patient_id, invoice_id, total_amount, status, cancel_reason, created_at, updated_at`

const installmentColumns = `id, plan_id, seq, amount, paid_amount, due_date, status, payment_id, paid_at`

// GetPlan fetches one plan outside any transaction.
func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (Plan, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM payment_plans WHERE id = $1`, id)
	return scanPlan(row)
}

// ListInstallments returns a plan's schedule in sequence order.
func (r *Repository) ListInstallments(ctx context.Context, planID uuid.UUID) ([]Installment, error) {
	return listInstallments(ctx, r.pool, planID)
}

// GetInvoice fetches an invoice without locking, to learn its owner before
// the transactional lock ordering starts.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (billing.Invoice, error) {
	return billing.InvoiceTx(ctx, r.pool, id)
}

// ListPlans returns a patient's plans, newest first.
func (r *Repository) ListPlans(ctx context.Context, patientID uuid.UUID) ([]Plan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+planColumns+` FROM payment_plans WHERE patient_id = $1 ORDER BY created_at DESC`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	return ledger.LockPatientTx(ctx, t.tx, patientID)
}

func (t *txRepo) InsertPlan(ctx context.Context, p Plan) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payment_plans (id, patient_id, invoice_id, total_amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())`,
		p.ID, p.PatientID, p.InvoiceID, shared.DecimalToNumeric(p.TotalAmount), p.Status)
	return err
}

func (t *txRepo) InsertInstallment(ctx context.Context, ins Installment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO plan_installments (id, plan_id, seq, amount, paid_amount, due_date, status)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		ins.ID, ins.PlanID, ins.Seq, shared.DecimalToNumeric(ins.Amount), ins.DueDate, ins.Status)
	return err
}

func (t *txRepo) GetPlanForUpdate(ctx context.Context, id uuid.UUID) (Plan, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM payment_plans WHERE id = $1 FOR UPDATE`, id)
	return scanPlan(row)
}

func (t *txRepo) GetInstallmentForUpdate(ctx context.Context, id uuid.UUID) (Installment, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+installmentColumns+` FROM plan_installments WHERE id = $1 FOR UPDATE`, id)
	return scanInstallment(row)
}

func (t *txRepo) ListInstallments(ctx context.Context, planID uuid.UUID) ([]Installment, error) {
	return listInstallments(ctx, t.tx, planID)
}

func (t *txRepo) SetInstallmentPaid(ctx context.Context, id, paymentID uuid.UUID, paidAmount decimal.Decimal, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE plan_installments SET status = $2, paid_amount = $3, payment_id = $4, paid_at = $5 WHERE id = $1`,
		id, InstallmentPaid, shared.DecimalToNumeric(paidAmount), paymentID, at)
	return err
}

func (t *txRepo) SetInstallmentProgress(ctx context.Context, id, paymentID uuid.UUID, paidAmount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE plan_installments SET paid_amount = $2, payment_id = $3 WHERE id = $1`,
		id, shared.DecimalToNumeric(paidAmount), paymentID)
	return err
}

func (t *txRepo) CancelOpenInstallments(ctx context.Context, planID uuid.UUID) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE plan_installments SET status = $2 WHERE plan_id = $1 AND status IN ('PENDING', 'OVERDUE')`,
		planID, InstallmentCancelled)
	return err
}

func (t *txRepo) CountOpenInstallments(ctx context.Context, planID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM plan_installments WHERE plan_id = $1 AND status IN ('PENDING', 'OVERDUE')`,
		planID).Scan(&n)
	return n, err
}

func (t *txRepo) UpdatePlanStatus(ctx context.Context, id uuid.UUID, status PlanStatus) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payment_plans SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	return err
}

func (t *txRepo) MarkPlanCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payment_plans SET status = $2, cancel_reason = NULLIF($3, ''), updated_at = now() WHERE id = $1`,
		id, PlanCancelled, reason)
	return err
}

// ActivePlanExists reports whether the invoice already carries an active plan.
func (t *txRepo) ActivePlanExists(ctx context.Context, invoiceID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_plans WHERE invoice_id = $1 AND status = 'ACTIVE')`,
		invoiceID).Scan(&exists)
	return exists, err
}

// MarkOverdueInstallments flips past-due pending installments of active plans.
func (t *txRepo) MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE plan_installments i SET status = 'OVERDUE'
		 FROM payment_plans p
		 WHERE i.plan_id = p.id AND p.status = 'ACTIVE'
		   AND i.status = 'PENDING' AND i.due_date < $1`,
		asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) InsertPayment(ctx context.Context, p payments.Payment) error {
	return payments.InsertPaymentTx(ctx, t.tx, p)
}

func (t *txRepo) InsertAllocation(ctx context.Context, a payments.Allocation) error {
	return payments.InsertAllocationTx(ctx, t.tx, a)
}

func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (billing.Invoice, error) {
	return billing.InvoiceForUpdateTx(ctx, t.tx, id)
}

func (t *txRepo) InvoiceFinancials(ctx context.Context, id uuid.UUID) (billing.Financials, error) {
	return billing.FinancialsTx(ctx, t.tx, id)
}

func (t *txRepo) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status billing.InvoiceStatus) error {
	return billing.UpdateInvoiceStatusTx(ctx, t.tx, id, status)
}

func (t *txRepo) RecomputePatientBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error) {
	return billing.RecomputePatientBalanceTx(ctx, t.tx, patientID)
}

func (t *txRepo) AppendLedger(ctx context.Context, in ledger.EntryInput) (ledger.Entry, error) {
	return ledger.AppendTx(ctx, t.tx, in)
}

func listInstallments(ctx context.Context, q db.Queryer, planID uuid.UUID) ([]Installment, error) {
	rows, err := q.Query(ctx,
		`SELECT `+installmentColumns+` FROM plan_installments WHERE plan_id = $1 ORDER BY seq ASC`,
		planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Installment
	for rows.Next() {
		ins, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

func scanPlan(row pgx.Row) (Plan, error) {
	var p Plan
	var total pgtype.Numeric
	err := row.Scan(&p.ID, &p.PatientID, &p.InvoiceID, &total, &p.Status, &p.CancelReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Plan{}, shared.NotFoundf("payment plan not found")
	}
	if err != nil {
		return Plan{}, err
	}
	p.TotalAmount = shared.NumericToDecimal(total)
	return p, nil
}

func scanInstallment(row pgx.Row) (Installment, error) {
	var ins Installment
	var amount, paid pgtype.Numeric
	err := row.Scan(&ins.ID, &ins.PlanID, &ins.Seq, &amount, &paid, &ins.DueDate, &ins.Status, &ins.PaymentID, &ins.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Installment{}, shared.NotFoundf("installment not found")
	}
	if err != nil {
		return Installment{}, err
	}
	ins.Amount = shared.NumericToDecimal(amount)
	ins.PaidAmount = shared.NumericToDecimal(paid)
	return ins, nil
}
