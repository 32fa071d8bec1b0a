package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/database"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

// ApprovalRepository manages the approval matrix, tasks, decisions and
// email-action tokens.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// ── Matrix ───────────────────────────────────────────────────────────────────

// ListActiveMatrixRows returns all active matrix rows ordered by step.
// Applicability filtering happens in the service so the SQL stays simple.
func (r *ApprovalRepository) ListActiveMatrixRows(ctx context.Context) ([]*ApprovalMatrixRow, error) {
	query := `
		SELECT id, min_amount, max_amount, cost_center, category,
		       step, approver_id, required_approvals, active
		FROM approval_matrix
		WHERE active = TRUE
		ORDER BY step ASC, min_amount ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval matrix")
	}
	defer rows.Close()

	var matrix []*ApprovalMatrixRow
	for rows.Next() {
		row := &ApprovalMatrixRow{}
		err := rows.Scan(
			&row.ID,
			&row.MinAmount,
			&row.MaxAmount,
			&row.CostCenter,
			&row.Category,
			&row.Step,
			&row.ApproverID,
			&row.RequiredApprovals,
			&row.Active,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan matrix row")
		}
		matrix = append(matrix, row)
	}
	return matrix, nil
}

// ── Tasks ────────────────────────────────────────────────────────────────────

// CreateTask inserts one approval task.
func (r *ApprovalRepository) CreateTask(ctx context.Context, task *ApprovalTask) error {
	query := `
		INSERT INTO approval_tasks
		    (invoice_id, matrix_row_id, step, approver_id,
		     required_approvals, status, due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		task.InvoiceID,
		task.MatrixRowID,
		task.Step,
		task.ApproverID,
		task.RequiredApprovals,
		task.Status,
		task.DueAt,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval task")
	}
	return nil
}

// GetTask retrieves one task.
func (r *ApprovalRepository) GetTask(ctx context.Context, id string) (*ApprovalTask, error) {
	query := `
		SELECT id, invoice_id, matrix_row_id, step, approver_id,
		       required_approvals, status, due_at, delegated_to,
		       decided_at, created_at, updated_at
		FROM approval_tasks
		WHERE id = $1
	`

	task, err := r.scanTask(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_task", id)
	}
	return task, err
}

// ListTasksByInvoice returns the invoice's chain ordered by step.
func (r *ApprovalRepository) ListTasksByInvoice(ctx context.Context, invoiceID string) ([]*ApprovalTask, error) {
	query := `
		SELECT id, invoice_id, matrix_row_id, step, approver_id,
		       required_approvals, status, due_at, delegated_to,
		       decided_at, created_at, updated_at
		FROM approval_tasks
		WHERE invoice_id = $1
		ORDER BY step ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval tasks")
	}
	defer rows.Close()

	return r.scanTaskRows(rows)
}

// ListPendingForApprover returns pending tasks assigned or delegated to a
// user, due-soonest first.
func (r *ApprovalRepository) ListPendingForApprover(ctx context.Context, approverID string) ([]*ApprovalTask, error) {
	query := `
		SELECT id, invoice_id, matrix_row_id, step, approver_id,
		       required_approvals, status, due_at, delegated_to,
		       decided_at, created_at, updated_at
		FROM approval_tasks
		WHERE status = $1
		  AND (approver_id = $2 OR delegated_to = $2)
		ORDER BY due_at ASC NULLS LAST, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, TaskPending, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanTaskRows(rows)
}

// UpdateTaskStatus transitions a task out of pending. Guarded on the
// current status so an already-decided task is never overwritten.
func (r *ApprovalRepository) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	query := `
		UPDATE approval_tasks
		SET status     = $2,
		    decided_at = CASE WHEN $2 <> $3 THEN NOW() ELSE decided_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, TaskPending).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict, "approval task has already been decided")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval task")
	}
	return nil
}

// DelegateTask hands a pending task to another approver. The task stays
// pending; delegated_to joins approver_id as an allowed actor.
func (r *ApprovalRepository) DelegateTask(ctx context.Context, id, delegatedTo string) error {
	query := `
		UPDATE approval_tasks
		SET delegated_to = $2,
		    updated_at   = NOW()
		WHERE id = $1 AND status = $3
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, delegatedTo, TaskPending).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict, "approval task is not pending")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delegate approval task")
	}
	return nil
}

// ── Decisions ────────────────────────────────────────────────────────────────

// RecordDecision inserts one decision on a task. A given approver may
// decide a task only once; a second attempt is an integrity error.
func (r *ApprovalRepository) RecordDecision(ctx context.Context, decision *ApprovalDecision) error {
	query := `
		INSERT INTO approval_decisions (task_id, approver_id, approved, channel, note)
		SELECT $1, $2, $3, $4, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM approval_decisions
			WHERE task_id = $1 AND approver_id = $2
		)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		decision.TaskID,
		decision.ApproverID,
		decision.Approved,
		decision.Channel,
		decision.Note,
	).Scan(&decision.ID, &decision.CreatedAt)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict, "approver has already decided this task")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval decision")
	}
	return nil
}

// CountApprovals returns the number of distinct approvers who approved
// the task. Drives the dual-authorization gate.
func (r *ApprovalRepository) CountApprovals(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(DISTINCT approver_id) FROM approval_decisions WHERE task_id = $1 AND approved = TRUE`,
		taskID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approvals")
	}
	return n, nil
}

// ── Tokens ───────────────────────────────────────────────────────────────────

// CreateToken persists the server side of an email action token.
func (r *ApprovalRepository) CreateToken(ctx context.Context, token *ApprovalToken) error {
	query := `
		INSERT INTO approval_tokens (jti, task_id, approver_id, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		token.JTI,
		token.TaskID,
		token.ApproverID,
		token.ExpiresAt,
	).Scan(&token.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval token")
	}
	return nil
}

// ConsumeToken marks a token consumed, atomically with respect to any
// concurrent consumption attempt. A token that is missing, already
// consumed, or expired is rejected with a distinct reason.
func (r *ApprovalRepository) ConsumeToken(ctx context.Context, jti string, now time.Time) (*ApprovalToken, error) {
	query := `
		UPDATE approval_tokens
		SET consumed_at = $2
		WHERE jti = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING jti, task_id, approver_id, expires_at, consumed_at, created_at
	`

	token := &ApprovalToken{}
	err := r.db.QueryRow(ctx, query, jti, now).Scan(
		&token.JTI,
		&token.TaskID,
		&token.ApproverID,
		&token.ExpiresAt,
		&token.ConsumedAt,
		&token.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		// Disambiguate for the caller: consumed vs expired vs unknown.
		existing := &ApprovalToken{}
		lookupErr := r.db.QueryRow(ctx,
			`SELECT jti, task_id, approver_id, expires_at, consumed_at, created_at FROM approval_tokens WHERE jti = $1`,
			jti,
		).Scan(&existing.JTI, &existing.TaskID, &existing.ApproverID,
			&existing.ExpiresAt, &existing.ConsumedAt, &existing.CreatedAt)
		if lookupErr == pgx.ErrNoRows {
			return nil, errors.NotFound("approval_token", jti)
		}
		if lookupErr != nil {
			return nil, errors.Wrap(lookupErr, errors.ErrCodeInternal, "failed to inspect approval token")
		}
		if existing.ConsumedAt != nil {
			return nil, errors.New(errors.ErrCodeConflict, "approval token has already been used")
		}
		return nil, errors.New(errors.ErrCodeUnauthorized, "approval token has expired")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to consume approval token")
	}
	return token, nil
}

// ExpireOverdueTasks moves pending tasks past their due time to expired.
// Returns the number of tasks expired.
func (r *ApprovalRepository) ExpireOverdueTasks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_tasks
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND due_at IS NOT NULL AND due_at < $3
	`, TaskExpired, TaskPending, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to expire approval tasks")
	}
	return tag.RowsAffected(), nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type taskScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRepository) scanTask(row taskScanner) (*ApprovalTask, error) {
	task := &ApprovalTask{}
	err := row.Scan(
		&task.ID,
		&task.InvoiceID,
		&task.MatrixRowID,
		&task.Step,
		&task.ApproverID,
		&task.RequiredApprovals,
		&task.Status,
		&task.DueAt,
		&task.DelegatedTo,
		&task.DecidedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (r *ApprovalRepository) scanTaskRows(rows pgx.Rows) ([]*ApprovalTask, error) {
	var tasks []*ApprovalTask
	for rows.Next() {
		task, err := r.scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval task")
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
