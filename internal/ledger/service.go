package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinicore/clinicore/internal/shared"
)

// RepositoryPort defines data access methods for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, page shared.Pagination) ([]Entry, int, error)
	PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error)
}

// TxRepository exposes transactional ledger operations.
type TxRepository interface {
	LockPatient(ctx context.Context, patientID uuid.UUID) error
	Append(ctx context.Context, in EntryInput) (Entry, error)
}

// MetricsSink counts recorded entries; satisfied by observability.Metrics.
type MetricsSink interface {
	ObserveLedgerEntry(entryType string)
}

// Recorder handles standalone ledger appends and read-back.
type Recorder struct {
	repo    RepositoryPort
	metrics MetricsSink
}

// NewRecorder builds a Recorder instance.
func NewRecorder(repo RepositoryPort, metrics MetricsSink) *Recorder {
	return &Recorder{repo: repo, metrics: metrics}
}

// Record appends an entry in its own transaction. It fails only on invalid
// input or an unknown patient.
func (s *Recorder) Record(ctx context.Context, in EntryInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	var entry Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, in.PatientID); err != nil {
			return err
		}
		var err error
		entry, err = tx.Append(ctx, in)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveLedgerEntry(string(entry.Type))
	}
	return entry, nil
}

// GetPatientLedger returns a page of entries in occurred-at (seq) ascending order.
func (s *Recorder) GetPatientLedger(ctx context.Context, patientID uuid.UUID, page, perPage int) ([]Entry, shared.Pagination, error) {
	exists, err := s.repo.PatientExists(ctx, patientID)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	if !exists {
		return nil, shared.Pagination{}, shared.NotFoundf("patient %s", patientID)
	}
	p := shared.NewPagination(page, perPage, 0)
	entries, total, err := s.repo.ListByPatient(ctx, patientID, p)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, shared.NewPagination(page, perPage, total), nil
}
