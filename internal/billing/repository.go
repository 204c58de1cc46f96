package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/shared"
)

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps fn in a RepeatableRead transaction with conflict retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxRetry(ctx, r.pool, 3, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetInvoice retrieves an invoice by id.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	const query = `
		SELECT id, number, patient_id, total_amount, issue_date, due_date, status, created_at, updated_at
		FROM invoices
		WHERE id = $1`

	return scanInvoice(r.pool.QueryRow(ctx, query, id))
}

// GetFinancials recomputes one invoice's money view outside a transaction,
// for read-only detail responses.
func (r *Repository) GetFinancials(ctx context.Context, id uuid.UUID) (Financials, error) {
	return FinancialsTx(ctx, r.pool, id)
}

// ListInvoices returns invoices with optional filtering and a total count.
func (r *Repository) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	argNum := 1

	if req.PatientID != uuid.Nil {
		where += fmt.Sprintf(" AND patient_id = $%d", argNum)
		args = append(args, req.PatientID)
		argNum++
	}
	if req.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(req.Status))
		argNum++
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM invoices"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("billing: count invoices: %w", err)
	}

	p := shared.NewPagination(req.Page, req.PerPage, total)
	query := `
		SELECT id, number, patient_id, total_amount, issue_date, due_date, status, created_at, updated_at
		FROM invoices` + where + fmt.Sprintf(" ORDER BY number LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, p.PerPage, p.Offset())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("billing: list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		var amount pgtype.Numeric
		var status string
		if err := rows.Scan(
			&inv.ID, &inv.Number, &inv.PatientID, &amount,
			&inv.IssueDate, &inv.DueDate, &status,
			&inv.CreatedAt, &inv.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("billing: scan invoice: %w", err)
		}
		inv.TotalAmount = shared.NumericToDecimal(amount)
		inv.Status = InvoiceStatus(status)
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

// ListAdjustments returns an invoice's adjustment rows oldest first.
func (r *Repository) ListAdjustments(ctx context.Context, invoiceID uuid.UUID) ([]Adjustment, error) {
	const query = `
		SELECT id, invoice_id, kind, amount, reason, created_at
		FROM invoice_adjustments
		WHERE invoice_id = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("billing: list adjustments: %w", err)
	}
	defer rows.Close()

	var out []Adjustment
	for rows.Next() {
		var adj Adjustment
		var amount pgtype.Numeric
		var kind string
		if err := rows.Scan(&adj.ID, &adj.InvoiceID, &kind, &amount, &adj.Reason, &adj.CreatedAt); err != nil {
			return nil, fmt.Errorf("billing: scan adjustment: %w", err)
		}
		adj.Kind = AdjustmentKind(kind)
		adj.Amount = shared.NumericToDecimal(amount)
		out = append(out, adj)
	}
	return out, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	return ledger.LockPatientTx(ctx, t.tx, patientID)
}

func (t *txRepo) NextInvoiceNumber(ctx context.Context) (string, error) {
	return NextInvoiceNumberTx(ctx, t.tx)
}

func (t *txRepo) InsertInvoice(ctx context.Context, inv Invoice) error {
	return InsertInvoiceTx(ctx, t.tx, inv)
}

func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return InvoiceForUpdateTx(ctx, t.tx, id)
}

func (t *txRepo) InvoiceFinancials(ctx context.Context, id uuid.UUID) (Financials, error) {
	return FinancialsTx(ctx, t.tx, id)
}

func (t *txRepo) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus) error {
	return UpdateInvoiceStatusTx(ctx, t.tx, id, status)
}

func (t *txRepo) InsertAdjustment(ctx context.Context, adj Adjustment) error {
	return InsertAdjustmentTx(ctx, t.tx, adj)
}

func (t *txRepo) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	return MarkOverdueTx(ctx, t.tx, asOf)
}

func (t *txRepo) RecomputePatientBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error) {
	return RecomputePatientBalanceTx(ctx, t.tx, patientID)
}

func (t *txRepo) AppendLedger(ctx context.Context, in ledger.EntryInput) (ledger.Entry, error) {
	return ledger.AppendTx(ctx, t.tx, in)
}
