package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/database"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

// ExceptionRepository persists exception records. Creation is a
// conditional insert so the at-most-one-open-per-code invariant holds
// even if two match runs race past the service-level check.
type ExceptionRepository struct {
	db *database.DB
}

// NewExceptionRepository creates a new ExceptionRepository.
func NewExceptionRepository(db *database.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// CreateIfAbsent inserts the exception unless an open one of the same
// code already exists for the invoice. Returns (created, error); when
// created is false the record fields are left untouched.
func (r *ExceptionRepository) CreateIfAbsent(ctx context.Context, rec *ExceptionRecord) (bool, error) {
	query := `
		INSERT INTO exception_records
		    (invoice_id, match_result_id, code, severity, status, detail, assignee)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM exception_records
			WHERE invoice_id = $1 AND code = $3 AND status = $8
		)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rec.InvoiceID,
		rec.MatchResultID,
		rec.Code,
		rec.Severity,
		rec.Status,
		rec.Detail,
		rec.Assignee,
		ExceptionOpen,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)

	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create exception")
	}
	return true, nil
}

// GetByID retrieves one exception record.
func (r *ExceptionRepository) GetByID(ctx context.Context, id string) (*ExceptionRecord, error) {
	query := `
		SELECT id, invoice_id, match_result_id, code, severity, status,
		       detail, assignee, resolution_note,
		       created_at, resolved_at, updated_at
		FROM exception_records
		WHERE id = $1
	`

	rec, err := r.scanException(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("exception", id)
	}
	return rec, err
}

// ListByInvoice returns all exceptions for an invoice, newest first.
func (r *ExceptionRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]*ExceptionRecord, error) {
	query := `
		SELECT id, invoice_id, match_result_id, code, severity, status,
		       detail, assignee, resolution_note,
		       created_at, resolved_at, updated_at
		FROM exception_records
		WHERE invoice_id = $1
		ORDER BY created_at DESC
	`
	return r.list(ctx, query, invoiceID)
}

// ListByStatus returns exceptions in a given status, oldest first so the
// queue drains in arrival order.
func (r *ExceptionRepository) ListByStatus(ctx context.Context, status ExceptionStatus) ([]*ExceptionRecord, error) {
	query := `
		SELECT id, invoice_id, match_result_id, code, severity, status,
		       detail, assignee, resolution_note,
		       created_at, resolved_at, updated_at
		FROM exception_records
		WHERE status = $1
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, status)
}

// CountOpenByInvoice returns the number of open exceptions on an invoice.
func (r *ExceptionRepository) CountOpenByInvoice(ctx context.Context, invoiceID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM exception_records WHERE invoice_id = $1 AND status = $2`,
		invoiceID, ExceptionOpen,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count open exceptions")
	}
	return n, nil
}

// UpdateStatus transitions an exception. Terminal statuses stamp
// resolved_at and may carry a resolution note.
func (r *ExceptionRepository) UpdateStatus(ctx context.Context, id string, status ExceptionStatus, assignee *string, resolutionNote *string) error {
	query := `
		UPDATE exception_records
		SET status          = $2,
		    assignee        = COALESCE($3, assignee),
		    resolution_note = COALESCE($4, resolution_note),
		    resolved_at     = CASE WHEN $2 IN ($5, $6) THEN NOW() ELSE resolved_at END,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, assignee, resolutionNote,
		ExceptionResolved, ExceptionRejected).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("exception", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update exception status")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *ExceptionRepository) list(ctx context.Context, query string, args ...any) ([]*ExceptionRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list exceptions")
	}
	defer rows.Close()

	records := make([]*ExceptionRecord, 0)
	for rows.Next() {
		rec, err := r.scanException(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan exception")
		}
		records = append(records, rec)
	}
	return records, nil
}

type exceptionScanner interface {
	Scan(dest ...any) error
}

func (r *ExceptionRepository) scanException(row exceptionScanner) (*ExceptionRecord, error) {
	rec := &ExceptionRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.InvoiceID,
		&rec.MatchResultID,
		&rec.Code,
		&rec.Severity,
		&rec.Status,
		&rec.Detail,
		&rec.Assignee,
		&rec.ResolutionNote,
		&rec.CreatedAt,
		&rec.ResolvedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
