package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/database"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

// MatchResultRepository persists match results. Results are immutable:
// the only mutation is the initial insert, done with all lines in one
// transaction so a result is never partially visible.
type MatchResultRepository struct {
	db *database.DB
}

// NewMatchResultRepository creates a new MatchResultRepository.
func NewMatchResultRepository(db *database.DB) *MatchResultRepository {
	return &MatchResultRepository{db: db}
}

// Create inserts a match result and its lines in one transaction.
func (r *MatchResultRepository) Create(ctx context.Context, result *MatchResult) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO match_results (invoice_id, rule_version_id, match_type, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at
		`

		err := tx.QueryRow(ctx, query,
			result.InvoiceID,
			result.RuleVersionID,
			result.MatchType,
			result.Status,
		).Scan(&result.ID, &result.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create match result")
		}

		lineQuery := `
			INSERT INTO line_match_results
			    (match_result_id, invoice_line_id, po_line_id, qty_received,
			     price_variance_pct, qty_variance_pct, price_variance,
			     tolerance, status, cause)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`

		for _, line := range result.Lines {
			line.MatchResultID = result.ID

			tolJSON, err := json.Marshal(line.Tolerance)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal applied tolerance")
			}

			err = tx.QueryRow(ctx, lineQuery,
				line.MatchResultID,
				line.InvoiceLineID,
				line.POLineID,
				line.QtyReceived,
				line.PriceVariancePct,
				line.QtyVariancePct,
				line.PriceVariance,
				tolJSON,
				line.Status,
				line.Cause,
			).Scan(&line.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create line match result")
			}
		}

		return nil
	})
}

// GetLatestByInvoice returns the most recent match result for an invoice,
// or nil when the invoice has never been matched.
func (r *MatchResultRepository) GetLatestByInvoice(ctx context.Context, invoiceID string) (*MatchResult, error) {
	query := `
		SELECT id, invoice_id, rule_version_id, match_type, status, created_at
		FROM match_results
		WHERE invoice_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	result := &MatchResult{}
	err := r.db.QueryRow(ctx, query, invoiceID).Scan(
		&result.ID,
		&result.InvoiceID,
		&result.RuleVersionID,
		&result.MatchType,
		&result.Status,
		&result.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get match result")
	}

	lines, err := r.getLines(ctx, result.ID)
	if err != nil {
		return nil, err
	}
	result.Lines = lines

	return result, nil
}

// ListByInvoice returns every match attempt for an invoice, newest first.
// Historical results keep the rule version id they were computed under.
func (r *MatchResultRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]*MatchResult, error) {
	query := `
		SELECT id, invoice_id, rule_version_id, match_type, status, created_at
		FROM match_results
		WHERE invoice_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list match results")
	}
	defer rows.Close()

	var results []*MatchResult
	for rows.Next() {
		result := &MatchResult{}
		err := rows.Scan(
			&result.ID,
			&result.InvoiceID,
			&result.RuleVersionID,
			&result.MatchType,
			&result.Status,
			&result.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan match result")
		}
		results = append(results, result)
	}

	for _, result := range results {
		lines, err := r.getLines(ctx, result.ID)
		if err != nil {
			return nil, err
		}
		result.Lines = lines
	}

	return results, nil
}

func (r *MatchResultRepository) getLines(ctx context.Context, matchResultID string) ([]*LineMatchResult, error) {
	query := `
		SELECT id, match_result_id, invoice_line_id, po_line_id, qty_received,
		       price_variance_pct, qty_variance_pct, price_variance,
		       tolerance, status, cause
		FROM line_match_results
		WHERE match_result_id = $1
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, query, matchResultID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get line match results")
	}
	defer rows.Close()

	lines := make([]*LineMatchResult, 0)
	for rows.Next() {
		line := &LineMatchResult{}
		var tolJSON []byte

		err := rows.Scan(
			&line.ID,
			&line.MatchResultID,
			&line.InvoiceLineID,
			&line.POLineID,
			&line.QtyReceived,
			&line.PriceVariancePct,
			&line.QtyVariancePct,
			&line.PriceVariance,
			&tolJSON,
			&line.Status,
			&line.Cause,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan line match result")
		}

		if err := json.Unmarshal(tolJSON, &line.Tolerance); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal applied tolerance")
		}
		lines = append(lines, line)
	}

	return lines, nil
}
