package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/shared"
)

// Transaction-scoped statements shared with the payments engine. Every helper
// takes a db.Queryer so it runs inside whichever transaction owns the row
// locks.

// NextInvoiceNumberTx draws the next number from the durable sequence. The
// sequence is gap-tolerant and never repeats or goes backward under
// concurrent creation.
func NextInvoiceNumberTx(ctx context.Context, q db.Queryer) (string, error) {
	var n int64
	if err := q.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("billing: next invoice number: %w", err)
	}
	return fmt.Sprintf("INV-%06d", n), nil
}

// InsertInvoiceTx persists a new invoice row.
func InsertInvoiceTx(ctx context.Context, q db.Queryer, inv Invoice) error {
	const query = `
		INSERT INTO invoices (id, number, patient_id, total_amount, issue_date, due_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	_, err := q.Exec(ctx, query,
		inv.ID, inv.Number, inv.PatientID,
		shared.DecimalToNumeric(inv.TotalAmount),
		inv.IssueDate, inv.DueDate, string(inv.Status),
	)
	if err != nil {
		return fmt.Errorf("billing: insert invoice: %w", err)
	}
	return nil
}

// InvoiceTx loads an invoice without locking it.
func InvoiceTx(ctx context.Context, q db.Queryer, id uuid.UUID) (Invoice, error) {
	const query = `
		SELECT id, number, patient_id, total_amount, issue_date, due_date, status, created_at, updated_at
		FROM invoices
		WHERE id = $1`

	return scanInvoice(q.QueryRow(ctx, query, id))
}

// InvoiceForUpdateTx loads an invoice under a row lock, serialising all
// operations against it.
func InvoiceForUpdateTx(ctx context.Context, q db.Queryer, id uuid.UUID) (Invoice, error) {
	const query = `
		SELECT id, number, patient_id, total_amount, issue_date, due_date, status, created_at, updated_at
		FROM invoices
		WHERE id = $1
		FOR UPDATE`

	return scanInvoice(q.QueryRow(ctx, query, id))
}

// FinancialsTx recomputes the invoice's money view from rows: adjustments and
// allocations of non-voided payments, refunds summed as negative amounts.
func FinancialsTx(ctx context.Context, q db.Queryer, id uuid.UUID) (Financials, error) {
	const query = `
		SELECT
			i.total_amount,
			COALESCE((SELECT SUM(a.amount) FROM invoice_adjustments a WHERE a.invoice_id = i.id), 0),
			COALESCE((
				SELECT SUM(pa.amount)
				FROM payment_allocations pa
				JOIN payments p ON p.id = pa.payment_id
				WHERE pa.invoice_id = i.id AND p.voided_at IS NULL
			), 0)
		FROM invoices i
		WHERE i.id = $1`

	var total, adjustments, paid pgtype.Numeric
	err := q.QueryRow(ctx, query, id).Scan(&total, &adjustments, &paid)
	if errors.Is(err, pgx.ErrNoRows) {
		return Financials{}, shared.NotFoundf("invoice %s", id)
	}
	if err != nil {
		return Financials{}, fmt.Errorf("billing: invoice financials: %w", err)
	}
	return Financials{
		Total:         shared.NumericToDecimal(total),
		Adjustments:   shared.NumericToDecimal(adjustments),
		EffectivePaid: shared.NumericToDecimal(paid),
	}, nil
}

// UpdateInvoiceStatusTx writes a recomputed status.
func UpdateInvoiceStatusTx(ctx context.Context, q db.Queryer, id uuid.UUID, status InvoiceStatus) error {
	tag, err := q.Exec(ctx,
		`UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("billing: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("invoice %s", id)
	}
	return nil
}

// InsertAdjustmentTx persists a discount, write-off or credit note row.
func InsertAdjustmentTx(ctx context.Context, q db.Queryer, adj Adjustment) error {
	const query = `
		INSERT INTO invoice_adjustments (id, invoice_id, kind, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`

	_, err := q.Exec(ctx, query,
		adj.ID, adj.InvoiceID, string(adj.Kind),
		shared.DecimalToNumeric(adj.Amount), adj.Reason,
	)
	if err != nil {
		return fmt.Errorf("billing: insert adjustment: %w", err)
	}
	return nil
}

// MarkOverdueTx transitions past-due open invoices to OVERDUE. Idempotent;
// amounts are untouched.
func MarkOverdueTx(ctx context.Context, q db.Queryer, asOf time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE invoices
		SET status = 'OVERDUE', updated_at = NOW()
		WHERE status IN ('UNPAID', 'PARTIALLY_PAID') AND due_date < $1`,
		asOf,
	)
	if err != nil {
		return 0, fmt.Errorf("billing: mark overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecomputePatientBalanceTx recomputes the materialized balance from all
// non-cancelled invoices and writes it back. Last writer wins on the derived
// value.
func RecomputePatientBalanceTx(ctx context.Context, q db.Queryer, patientID uuid.UUID) (decimal.Decimal, error) {
	const query = `
		UPDATE patients
		SET balance = (
			SELECT COALESCE(SUM(
				i.total_amount
				- COALESCE((SELECT SUM(a.amount) FROM invoice_adjustments a WHERE a.invoice_id = i.id), 0)
				- COALESCE((
					SELECT SUM(pa.amount)
					FROM payment_allocations pa
					JOIN payments p ON p.id = pa.payment_id
					WHERE pa.invoice_id = i.id AND p.voided_at IS NULL
				), 0)
			), 0)
			FROM invoices i
			WHERE i.patient_id = patients.id AND i.status <> 'CANCELLED'
		), updated_at = NOW()
		WHERE id = $1
		RETURNING balance`

	var balance pgtype.Numeric
	err := q.QueryRow(ctx, query, patientID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, shared.NotFoundf("patient %s", patientID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: recompute balance: %w", err)
	}
	return shared.NumericToDecimal(balance), nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var total pgtype.Numeric
	var status string
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.PatientID, &total,
		&inv.IssueDate, &inv.DueDate, &status,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, shared.NotFoundf("invoice not found")
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("billing: scan invoice: %w", err)
	}
	inv.TotalAmount = shared.NumericToDecimal(total)
	inv.Status = InvoiceStatus(status)
	return inv, nil
}
