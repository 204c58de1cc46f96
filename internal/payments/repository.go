package payments

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
	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/shared"
)

// Repository provides Postgres access for payments.
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

const paymentColumns = `id, patient_id, type, amount, method, reference, received_at, voided_at, created_at`

// GetPayment fetches one payment outside any transaction.
func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// ListPayments returns a patient's payments, newest first.
func (r *Repository) ListPayments(ctx context.Context, patientID uuid.UUID, page shared.Pagination) ([]Payment, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE patient_id = $1
		 ORDER BY received_at DESC, created_at DESC
		 LIMIT $2 OFFSET $3`,
		patientID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// ListAllocations returns a payment's allocation rows in creation order.
func (r *Repository) ListAllocations(ctx context.Context, paymentID uuid.UUID) ([]Allocation, error) {
	return listAllocations(ctx, r.pool, paymentID)
}

// UnappliedCredits returns the patient's non-voided credits with a positive
// derived remainder, oldest first. Read outside any lock; the cache layer
// serves it and every write path invalidates.
func (r *Repository) UnappliedCredits(ctx context.Context, patientID uuid.UUID) ([]UnappliedCredit, error) {
	return unappliedCredits(ctx, r.pool, patientID, false)
}

// CreditTotals sums every non-voided credit of the patient, fully applied
// ones included.
func (r *Repository) CreditTotals(ctx context.Context, patientID uuid.UUID) (CreditTotals, error) {
	const query = `
		SELECT COUNT(*),
		       COALESCE(SUM(p.amount), 0),
		       COALESCE(SUM((SELECT COALESCE(SUM(a.amount), 0) FROM payment_allocations a WHERE a.payment_id = p.id)), 0)
		FROM payments p
		WHERE p.patient_id = $1 AND p.type = 'CREDIT' AND p.voided_at IS NULL`

	var totals CreditTotals
	var total, applied pgtype.Numeric
	if err := r.pool.QueryRow(ctx, query, patientID).Scan(&totals.Count, &total, &applied); err != nil {
		return CreditTotals{}, err
	}
	totals.Total = shared.NumericToDecimal(total)
	totals.Applied = shared.NumericToDecimal(applied)
	return totals, nil
}

// InsertPaymentTx writes a payment row inside the caller's transaction.
// Shared with the payment plan engine for installment collection.
func InsertPaymentTx(ctx context.Context, q db.Queryer, p Payment) error {
	_, err := q.Exec(ctx,
		`INSERT INTO payments (id, patient_id, type, amount, method, reference, received_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		p.ID, p.PatientID, p.Type, shared.DecimalToNumeric(p.Amount), p.Method, p.Reference, p.ReceivedAt)
	return err
}

// InsertAllocationTx writes an allocation row inside the caller's transaction.
func InsertAllocationTx(ctx context.Context, q db.Queryer, a Allocation) error {
	_, err := q.Exec(ctx,
		`INSERT INTO payment_allocations (id, payment_id, invoice_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		a.ID, a.PaymentID, a.InvoiceID, shared.DecimalToNumeric(a.Amount))
	return err
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	return ledger.LockPatientTx(ctx, t.tx, patientID)
}

func (t *txRepo) InsertPayment(ctx context.Context, p Payment) error {
	return InsertPaymentTx(ctx, t.tx, p)
}

func (t *txRepo) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (Payment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	return scanPayment(row)
}

// AllocatedAmount sums a payment's allocation rows.
func (t *txRepo) AllocatedAmount(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	var n pgtype.Numeric
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payment_allocations WHERE payment_id = $1`,
		paymentID).Scan(&n)
	if err != nil {
		return decimal.Zero, err
	}
	return shared.NumericToDecimal(n), nil
}

func (t *txRepo) InsertAllocation(ctx context.Context, a Allocation) error {
	return InsertAllocationTx(ctx, t.tx, a)
}

func (t *txRepo) ListAllocationsByPayment(ctx context.Context, paymentID uuid.UUID) ([]Allocation, error) {
	return listAllocations(ctx, t.tx, paymentID)
}

func (t *txRepo) SetPaymentVoided(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE payments SET voided_at = $2, updated_at = now() WHERE id = $1 AND voided_at IS NULL`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.BusinessRulef("payment %s already voided", id)
	}
	return nil
}

// UnappliedCreditsForUpdate locks the credit rows so concurrent applications
// of the same credit serialize. Patient lock must already be held.
func (t *txRepo) UnappliedCreditsForUpdate(ctx context.Context, patientID uuid.UUID) ([]UnappliedCredit, error) {
	return unappliedCredits(ctx, t.tx, patientID, true)
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

func unappliedCredits(ctx context.Context, q db.Queryer, patientID uuid.UUID, forUpdate bool) ([]UnappliedCredit, error) {
	query := `SELECT p.id, p.amount,
	         p.amount - COALESCE((SELECT SUM(a.amount) FROM payment_allocations a WHERE a.payment_id = p.id), 0) AS available,
	         p.received_at
	  FROM payments p
	  WHERE p.patient_id = $1 AND p.type = 'CREDIT' AND p.voided_at IS NULL
	  ORDER BY p.received_at ASC, p.created_at ASC`
	if forUpdate {
		query += ` FOR UPDATE OF p`
	}

	rows, err := q.Query(ctx, query, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnappliedCredit
	for rows.Next() {
		var c UnappliedCredit
		var amount, available pgtype.Numeric
		if err := rows.Scan(&c.PaymentID, &amount, &available, &c.ReceivedAt); err != nil {
			return nil, err
		}
		c.Amount = shared.NumericToDecimal(amount)
		c.Available = shared.NumericToDecimal(available)
		if c.Available.IsPositive() {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func listAllocations(ctx context.Context, q db.Queryer, paymentID uuid.UUID) ([]Allocation, error) {
	rows, err := q.Query(ctx,
		`SELECT id, payment_id, invoice_id, amount, created_at
		 FROM payment_allocations WHERE payment_id = $1 ORDER BY created_at ASC`,
		paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		var amount pgtype.Numeric
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &amount, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Amount = shared.NumericToDecimal(amount)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var amount pgtype.Numeric
	err := row.Scan(&p.ID, &p.PatientID, &p.Type, &amount, &p.Method, &p.Reference,
		&p.ReceivedAt, &p.VoidedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, shared.NotFoundf("payment not found")
	}
	if err != nil {
		return Payment{}, err
	}
	p.Amount = shared.NumericToDecimal(amount)
	return p, nil
}
