package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/database"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

// RuleVersionRepository stores immutable, versioned rule configuration.
// The payload column is JSONB; a version's payload never changes after
// creation. Lifecycle transitions only touch status and timestamps.
type RuleVersionRepository struct {
	db *database.DB
}

// NewRuleVersionRepository creates a new RuleVersionRepository.
func NewRuleVersionRepository(db *database.DB) *RuleVersionRepository {
	return &RuleVersionRepository{db: db}
}

// CreateDraft inserts a new draft version with the next sequential number.
func (r *RuleVersionRepository) CreateDraft(ctx context.Context, payload RulePayload, createdBy string) (*RuleVersion, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule payload")
	}

	query := `
		INSERT INTO rule_versions (version, status, payload, created_by)
		VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM rule_versions), $1, $2, $3)
		RETURNING id, version, created_at
	`

	rv := &RuleVersion{
		Status:    RuleVersionDraft,
		Payload:   payload,
		CreatedBy: createdBy,
	}
	err = r.db.QueryRow(ctx, query, RuleVersionDraft, payloadJSON, createdBy).
		Scan(&rv.ID, &rv.Version, &rv.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create rule version")
	}
	return rv, nil
}

// GetByID retrieves one rule version.
func (r *RuleVersionRepository) GetByID(ctx context.Context, id string) (*RuleVersion, error) {
	query := `
		SELECT id, version, status, payload, created_by,
		       created_at, published_at, archived_at
		FROM rule_versions
		WHERE id = $1
	`

	rv, err := r.scanVersion(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("rule_version", id)
	}
	return rv, err
}

// GetActive returns the currently published rule version.
func (r *RuleVersionRepository) GetActive(ctx context.Context) (*RuleVersion, error) {
	query := `
		SELECT id, version, status, payload, created_by,
		       created_at, published_at, archived_at
		FROM rule_versions
		WHERE status = $1
	`

	rv, err := r.scanVersion(r.db.QueryRow(ctx, query, RuleVersionPublished))
	if err == pgx.ErrNoRows {
		return nil, errors.Configuration("no published rule version exists")
	}
	return rv, err
}

// List returns all versions, newest first.
func (r *RuleVersionRepository) List(ctx context.Context) ([]*RuleVersion, error) {
	query := `
		SELECT id, version, status, payload, created_by,
		       created_at, published_at, archived_at
		FROM rule_versions
		ORDER BY version DESC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list rule versions")
	}
	defer rows.Close()

	var versions []*RuleVersion
	for rows.Next() {
		rv, err := r.scanVersion(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan rule version")
		}
		versions = append(versions, rv)
	}
	return versions, nil
}

// SubmitForReview moves a draft into in_review.
func (r *RuleVersionRepository) SubmitForReview(ctx context.Context, id string) error {
	query := `
		UPDATE rule_versions
		SET status = $2
		WHERE id = $1 AND status = $3
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, RuleVersionInReview, RuleVersionDraft).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict, "only a draft version can be submitted for review")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to submit rule version for review")
	}
	return nil
}

// Publish atomically archives the current published version (if any) and
// publishes the target. Only an in_review version may be published; any
// other lifecycle state is an integrity error. The single-transaction
// swap keeps the at-most-one-published invariant under concurrency.
func (r *RuleVersionRepository) Publish(ctx context.Context, id string) (*RuleVersion, error) {
	var published *RuleVersion

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var status RuleVersionStatus
		err := tx.QueryRow(ctx, `SELECT status FROM rule_versions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err == pgx.ErrNoRows {
			return errors.NotFound("rule_version", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock rule version")
		}
		if status != RuleVersionInReview {
			return errors.New(errors.ErrCodeConflict,
				fmt.Sprintf("cannot publish rule version with status '%s', must be in_review", status))
		}

		// Archive the prior published version in the same transaction.
		_, err = tx.Exec(ctx, `
			UPDATE rule_versions
			SET status = $1, archived_at = NOW()
			WHERE status = $2
		`, RuleVersionArchived, RuleVersionPublished)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to archive prior rule version")
		}

		row := tx.QueryRow(ctx, `
			UPDATE rule_versions
			SET status = $2, published_at = NOW()
			WHERE id = $1
			RETURNING id, version, status, payload, created_by,
			          created_at, published_at, archived_at
		`, id, RuleVersionPublished)

		published, err = r.scanVersion(row)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to publish rule version")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type versionScanner interface {
	Scan(dest ...any) error
}

func (r *RuleVersionRepository) scanVersion(row versionScanner) (*RuleVersion, error) {
	rv := &RuleVersion{}
	var payloadJSON []byte

	err := row.Scan(
		&rv.ID,
		&rv.Version,
		&rv.Status,
		&payloadJSON,
		&rv.CreatedBy,
		&rv.CreatedAt,
		&rv.PublishedAt,
		&rv.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payloadJSON, &rv.Payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule payload")
	}
	return rv, nil
}
