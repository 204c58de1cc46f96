package patients

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/shared"
)

// Repository provides PostgreSQL backed persistence for patients.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create registers a patient with a zero balance.
func (r *Repository) Create(ctx context.Context, input CreatePatientInput) (Patient, error) {
	const query = `
		INSERT INTO patients (id, name, balance, created_at, updated_at)
		VALUES ($1, $2, 0, NOW(), NOW())
		RETURNING created_at, updated_at`

	p := Patient{ID: uuid.New(), Name: input.Name}
	if err := r.pool.QueryRow(ctx, query, p.ID, p.Name).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return Patient{}, fmt.Errorf("patients: create: %w", err)
	}
	return p, nil
}

// Get returns a patient by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Patient, error) {
	const query = `
		SELECT id, name, balance, created_at, updated_at
		FROM patients
		WHERE id = $1`

	var p Patient
	var balance pgtype.Numeric
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &balance, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Patient{}, shared.NotFoundf("patient %s", id)
	}
	if err != nil {
		return Patient{}, fmt.Errorf("patients: get: %w", err)
	}
	p.Balance = shared.NumericToDecimal(balance)
	return p, nil
}

// List returns all patients ordered by creation time.
func (r *Repository) List(ctx context.Context, limit int) ([]Patient, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, name, balance, created_at, updated_at
		FROM patients
		ORDER BY created_at
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("patients: list: %w", err)
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		var p Patient
		var balance pgtype.Numeric
		if err := rows.Scan(&p.ID, &p.Name, &balance, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("patients: scan: %w", err)
		}
		p.Balance = shared.NumericToDecimal(balance)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListIDs returns all patient ids, used by the balance integrity sweep.
func (r *Repository) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM patients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("patients: list ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
