package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/internal/shared"
)

// AppendTx inserts one ledger entry inside the caller's transaction,
// assigning the next per-patient sequence number. Callers must hold the
// patient row lock so the MAX(seq) scan cannot race; a unique index on
// (patient_id, seq) backstops the invariant.
func AppendTx(ctx context.Context, q db.Queryer, in EntryInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}

	const query = `
		INSERT INTO ledger_entries (
			id, patient_id, invoice_id, payment_id, entry_type, amount, seq, occurred_at, description
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries WHERE patient_id = $2),
			NOW(), $7
		)
		RETURNING seq, occurred_at`

	entry := Entry{
		ID:          uuid.New(),
		PatientID:   in.PatientID,
		InvoiceID:   in.InvoiceID,
		PaymentID:   in.PaymentID,
		Type:        in.Type,
		Amount:      shared.RoundMoney(in.Amount),
		Description: in.Description,
	}

	err := q.QueryRow(ctx, query,
		entry.ID,
		entry.PatientID,
		entry.InvoiceID,
		entry.PaymentID,
		string(entry.Type),
		shared.DecimalToNumeric(entry.Amount),
		entry.Description,
	).Scan(&entry.Seq, &entry.OccurredAt)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: append entry: %w", err)
	}

	return entry, nil
}

// LockPatientTx acquires the patient row lock, serialising all financial
// mutations for that patient. Returns ErrNotFound for unknown patients.
func LockPatientTx(ctx context.Context, q db.Queryer, patientID uuid.UUID) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM patients WHERE id = $1 FOR UPDATE`, patientID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.NotFoundf("patient %s", patientID)
	}
	if err != nil {
		return fmt.Errorf("ledger: lock patient: %w", err)
	}
	return nil
}

// Repository provides PostgreSQL backed persistence for the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps fn in a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ListByPatient returns a patient's entries in seq ascending order.
func (r *Repository) ListByPatient(ctx context.Context, patientID uuid.UUID, page shared.Pagination) ([]Entry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE patient_id = $1`, patientID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ledger: count entries: %w", err)
	}

	const query = `
		SELECT id, patient_id, invoice_id, payment_id, entry_type, amount, seq, occurred_at, description
		FROM ledger_entries
		WHERE patient_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, patientID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amount pgtype.Numeric
		if err := rows.Scan(
			&e.ID, &e.PatientID, &e.InvoiceID, &e.PaymentID,
			&e.Type, &amount, &e.Seq, &e.OccurredAt, &e.Description,
		); err != nil {
			return nil, 0, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.Amount = shared.NumericToDecimal(amount)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// PatientExists reports whether the patient is known.
func (r *Repository) PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM patients WHERE id = $1`, patientID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	return LockPatientTx(ctx, t.tx, patientID)
}

func (t *txRepo) Append(ctx context.Context, in EntryInput) (Entry, error) {
	return AppendTx(ctx, t.tx, in)
}
