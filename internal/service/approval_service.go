package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/metrics"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

// ApprovalStore is the persistence surface the approval router needs.
type ApprovalStore interface {
	ListActiveMatrixRows(ctx context.Context) ([]*repository.ApprovalMatrixRow, error)
	CreateTask(ctx context.Context, task *repository.ApprovalTask) error
	GetTask(ctx context.Context, id string) (*repository.ApprovalTask, error)
	ListTasksByInvoice(ctx context.Context, invoiceID string) ([]*repository.ApprovalTask, error)
	ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalTask, error)
	UpdateTaskStatus(ctx context.Context, id string, status repository.TaskStatus) error
	DelegateTask(ctx context.Context, id, delegatedTo string) error
	RecordDecision(ctx context.Context, decision *repository.ApprovalDecision) error
	CountApprovals(ctx context.Context, taskID string) (int, error)
	CreateToken(ctx context.Context, token *repository.ApprovalToken) error
	ConsumeToken(ctx context.Context, jti string, now time.Time) (*repository.ApprovalToken, error)
	ExpireOverdueTasks(ctx context.Context, now time.Time) (int64, error)
}

// defaultApprover receives the single fallback step when no matrix row
// applies to an invoice.
const defaultApprover = "role:finance-manager"

// taskDueAfter is how long an approver has before a pending task expires.
const taskDueAfter = 5 * 24 * time.Hour

// ApprovalRouter resolves the approval matrix into a sequential task
// chain and applies decisions with at-most-once semantics.
type ApprovalRouter struct {
	store    ApprovalStore
	invoices InvoiceReader
	status   InvoiceStatusWriter
	tokens   *TokenIssuer
	audit    AuditAppender
	notifier EventPublisher
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewApprovalRouter creates a new ApprovalRouter.
func NewApprovalRouter(
	store ApprovalStore,
	invoices InvoiceReader,
	status InvoiceStatusWriter,
	tokens *TokenIssuer,
	audit AuditAppender,
	notifier EventPublisher,
	m *metrics.Metrics,
	log zerolog.Logger,
) *ApprovalRouter {
	return &ApprovalRouter{
		store:    store,
		invoices: invoices,
		status:   status,
		tokens:   tokens,
		audit:    audit,
		notifier: notifier,
		metrics:  m,
		log:      log,
	}
}

// CreateChain resolves the matrix for an invoice and creates the first
// task of the chain. Subsequent steps are created one at a time as each
// prior step is approved, so a later step can never be acted on early.
func (r *ApprovalRouter) CreateChain(ctx context.Context, invoice *repository.Invoice) ([]*repository.ApprovalTask, error) {
	rows, err := r.applicableRows(ctx, invoice)
	if err != nil {
		return nil, err
	}

	first := rows[0]
	task, err := r.createTask(ctx, invoice, first)
	if err != nil {
		return nil, err
	}

	return []*repository.ApprovalTask{task}, nil
}

// applicableRows filters the active matrix down to the rows matching the
// invoice's amount band, cost center and category, ordered by step. An
// empty result falls back to a single default step.
func (r *ApprovalRouter) applicableRows(ctx context.Context, invoice *repository.Invoice) ([]*repository.ApprovalMatrixRow, error) {
	all, err := r.store.ListActiveMatrixRows(ctx)
	if err != nil {
		return nil, err
	}

	var rows []*repository.ApprovalMatrixRow
	seenSteps := make(map[int]bool)
	for _, row := range all {
		if !rowMatches(row, invoice) {
			continue
		}
		// One row per step; the repository orders rows so the first
		// applicable row at each step wins.
		if seenSteps[row.Step] {
			continue
		}
		seenSteps[row.Step] = true
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		rows = append(rows, &repository.ApprovalMatrixRow{
			Step:              1,
			ApproverID:        defaultApprover,
			RequiredApprovals: 1,
		})
	}
	return rows, nil
}

func rowMatches(row *repository.ApprovalMatrixRow, invoice *repository.Invoice) bool {
	if invoice.TotalAmount < row.MinAmount {
		return false
	}
	if row.MaxAmount != nil && invoice.TotalAmount >= *row.MaxAmount {
		return false
	}
	if row.CostCenter != nil {
		if invoice.CostCenter == nil || *invoice.CostCenter != *row.CostCenter {
			return false
		}
	}
	if row.Category != nil {
		if invoice.Category == nil || *invoice.Category != *row.Category {
			return false
		}
	}
	return true
}

// createTask materializes one matrix row as a pending task, issues its
// email action token and notifies the approver. A CRITICAL fraud score
// forces dual authorization on every task of the chain.
func (r *ApprovalRouter) createTask(ctx context.Context, invoice *repository.Invoice, row *repository.ApprovalMatrixRow) (*repository.ApprovalTask, error) {
	required := row.RequiredApprovals
	if required < 1 {
		required = 1
	}
	if invoice.FraudLevel == repository.FraudCritical && required < 2 {
		required = 2
	}

	dueAt := time.Now().Add(taskDueAfter)
	task := &repository.ApprovalTask{
		InvoiceID:         invoice.ID,
		Step:              row.Step,
		ApproverID:        row.ApproverID,
		RequiredApprovals: required,
		Status:            repository.TaskPending,
		DueAt:             &dueAt,
	}
	if row.ID != "" {
		task.MatrixRowID = &row.ID
	}

	if err := r.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	issued, err := r.tokens.Issue(task.ID, task.ApproverID)
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateToken(ctx, &repository.ApprovalToken{
		JTI:        issued.JTI,
		TaskID:     task.ID,
		ApproverID: task.ApproverID,
		ExpiresAt:  issued.ExpiresAt,
	}); err != nil {
		return nil, err
	}

	r.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "approval_task",
		EntityID:   task.ID,
		ActorType:  repository.ActorSystem,
		ActorID:    "approval-router",
		Action:     "created",
		Metadata: map[string]interface{}{
			"invoice_id":         invoice.ID,
			"step":               task.Step,
			"approver_id":        task.ApproverID,
			"required_approvals": task.RequiredApprovals,
		},
	})

	r.notifier.PublishInvoiceEvent(ctx, "approval_required", invoice.ID, "system", map[string]interface{}{
		"task_id":      task.ID,
		"approver_id":  task.ApproverID,
		"step":         task.Step,
		"due_at":       dueAt,
		"action_token": issued.Token,
	})

	r.log.Info().
		Str("invoice_id", invoice.ID).
		Str("task_id", task.ID).
		Int("step", task.Step).
		Str("approver_id", task.ApproverID).
		Int("required_approvals", task.RequiredApprovals).
		Msg("Approval task created")

	return task, nil
}

// Decide applies one approval decision through the web channel.
func (r *ApprovalRouter) Decide(ctx context.Context, taskID, approverID string, approve bool, note *string) error {
	return r.decide(ctx, taskID, approverID, approve, repository.ChannelWeb, note)
}

// DecideByToken applies one decision through the email-token channel.
// The token is validated, then consumed atomically with the decision;
// replaying a consumed token fails, an expired token fails with a
// distinct reason, and neither is retried.
func (r *ApprovalRouter) DecideByToken(ctx context.Context, tokenString string, approve bool, note *string) error {
	claims, err := r.tokens.Parse(tokenString)
	if err != nil {
		return err
	}

	token, err := r.store.ConsumeToken(ctx, claims.ID, time.Now())
	if err != nil {
		return err
	}

	return r.decide(ctx, token.TaskID, token.ApproverID, approve, repository.ChannelEmailToken, note)
}

func (r *ApprovalRouter) decide(ctx context.Context, taskID, approverID string, approve bool, channel repository.DecisionChannel, note *string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != repository.TaskPending {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval task is not pending (status: %s)", task.Status))
	}
	if err := assertCanAct(task, approverID); err != nil {
		return err
	}

	decision := &repository.ApprovalDecision{
		TaskID:     taskID,
		ApproverID: approverID,
		Approved:   approve,
		Channel:    channel,
		Note:       note,
	}
	if err := r.store.RecordDecision(ctx, decision); err != nil {
		return err
	}

	outcome := "approved"
	if !approve {
		outcome = "rejected"
	}
	r.metrics.ApprovalDecision(outcome, string(channel))

	r.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "approval_task",
		EntityID:   taskID,
		ActorType:  repository.ActorUser,
		ActorID:    approverID,
		Action:     outcome,
		Metadata: map[string]interface{}{
			"invoice_id": task.InvoiceID,
			"step":       task.Step,
			"channel":    string(channel),
		},
	})

	if !approve {
		return r.rejectChain(ctx, task, approverID, note)
	}

	approvals, err := r.store.CountApprovals(ctx, taskID)
	if err != nil {
		return err
	}
	if approvals < task.RequiredApprovals {
		// Dual authorization: the task stays pending until a second
		// distinct approver records an approval.
		r.log.Info().
			Str("task_id", taskID).
			Int("approvals", approvals).
			Int("required", task.RequiredApprovals).
			Msg("Approval recorded, awaiting additional authorization")
		return nil
	}

	if err := r.store.UpdateTaskStatus(ctx, taskID, repository.TaskApproved); err != nil {
		return err
	}

	return r.advanceChain(ctx, task, approverID)
}

// rejectChain terminates the chain and returns the invoice to analyst
// review.
func (r *ApprovalRouter) rejectChain(ctx context.Context, task *repository.ApprovalTask, actedBy string, note *string) error {
	if err := r.store.UpdateTaskStatus(ctx, task.ID, repository.TaskRejected); err != nil {
		return err
	}
	if err := r.status.UpdateStatus(ctx, task.InvoiceID, repository.InvoiceExceptionReview); err != nil {
		return err
	}

	reason := ""
	if note != nil {
		reason = *note
	}
	r.notifier.PublishInvoiceEvent(ctx, "invoice_rejected", task.InvoiceID, actedBy, map[string]interface{}{
		"task_id": task.ID,
		"step":    task.Step,
		"reason":  reason,
	})

	r.log.Info().
		Str("invoice_id", task.InvoiceID).
		Str("task_id", task.ID).
		Str("acted_by", actedBy).
		Msg("Approval rejected, invoice returned to analyst review")

	return nil
}

// advanceChain creates the next step's task, or approves the invoice
// when the decided step was the last.
func (r *ApprovalRouter) advanceChain(ctx context.Context, task *repository.ApprovalTask, actedBy string) error {
	invoice, err := r.invoices.GetByID(ctx, task.InvoiceID)
	if err != nil {
		return err
	}

	rows, err := r.applicableRows(ctx, invoice)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.Step > task.Step {
			_, err := r.createTask(ctx, invoice, row)
			return err
		}
	}

	// Last step decided: the invoice is approved.
	if err := r.status.Approve(ctx, task.InvoiceID, actedBy); err != nil {
		return err
	}

	r.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "invoice",
		EntityID:   task.InvoiceID,
		ActorType:  repository.ActorUser,
		ActorID:    actedBy,
		Action:     "approved",
		After:      mustJSON(map[string]any{"status": repository.InvoiceApproved}),
		Metadata: map[string]interface{}{
			"final_step": task.Step,
		},
	})

	r.notifier.PublishInvoiceEvent(ctx, "invoice_approved", task.InvoiceID, actedBy, nil)

	r.log.Info().
		Str("invoice_id", task.InvoiceID).
		Str("approved_by", actedBy).
		Msg("Invoice approved")

	return nil
}

// Delegate hands a pending task to another approver.
func (r *ApprovalRouter) Delegate(ctx context.Context, taskID, delegatedBy, delegatedTo, reason string) error {
	if reason == "" {
		return errors.InvalidInput("reason", "delegation reason is required")
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := assertCanAct(task, delegatedBy); err != nil {
		return err
	}

	if err := r.store.DelegateTask(ctx, taskID, delegatedTo); err != nil {
		return err
	}

	r.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "approval_task",
		EntityID:   taskID,
		ActorType:  repository.ActorUser,
		ActorID:    delegatedBy,
		Action:     "delegated",
		Metadata: map[string]interface{}{
			"invoice_id":   task.InvoiceID,
			"delegated_to": delegatedTo,
			"reason":       reason,
		},
	})

	return nil
}

// ExpireOverdue moves overdue pending tasks to expired.
func (r *ApprovalRouter) ExpireOverdue(ctx context.Context) (int64, error) {
	n, err := r.store.ExpireOverdueTasks(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info().Int64("expired", n).Msg("Overdue approval tasks expired")
	}
	return n, nil
}

// PendingForApprover lists tasks awaiting a user's decision.
func (r *ApprovalRouter) PendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalTask, error) {
	return r.store.ListPendingForApprover(ctx, approverID)
}

// ChainForInvoice lists the invoice's approval chain in step order.
func (r *ApprovalRouter) ChainForInvoice(ctx context.Context, invoiceID string) ([]*repository.ApprovalTask, error) {
	return r.store.ListTasksByInvoice(ctx, invoiceID)
}

// assertCanAct checks that the actor is the assigned or delegated
// approver. Role- and queue-addressed tasks accept any member; resolving
// membership belongs to the identity collaborator, not this engine.
func assertCanAct(task *repository.ApprovalTask, actorID string) error {
	if strings.HasPrefix(task.ApproverID, "role:") || strings.HasPrefix(task.ApproverID, "queue:") {
		return nil
	}
	if task.ApproverID == actorID {
		return nil
	}
	if task.DelegatedTo != nil && *task.DelegatedTo == actorID {
		return nil
	}
	return errors.New(errors.ErrCodeUnauthorized, "user is not authorized to act on this approval task")
}

func (r *ApprovalRouter) appendAudit(ctx context.Context, entry *repository.AuditLogEntry) {
	if err := r.audit.Append(ctx, entry); err != nil {
		r.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
