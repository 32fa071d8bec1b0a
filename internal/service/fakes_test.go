package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeAudit collects audit entries in memory.
type fakeAudit struct {
	entries []*repository.AuditLogEntry
}

func (f *fakeAudit) Append(ctx context.Context, entry *repository.AuditLogEntry) error {
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) actions(entityType string) []string {
	var out []string
	for _, e := range f.entries {
		if e.EntityType == entityType {
			out = append(out, e.Action)
		}
	}
	return out
}

// fakePublisher records published events.
type fakePublisher struct {
	events []string
}

func (f *fakePublisher) PublishInvoiceEvent(ctx context.Context, eventType, invoiceID, actorID string, payload map[string]interface{}) {
	f.events = append(f.events, eventType)
}

// fakeExceptionStore is an in-memory ExceptionStore honoring the
// open-same-code dedupe rule.
type fakeExceptionStore struct {
	records []*repository.ExceptionRecord
	nextID  int
}

func (f *fakeExceptionStore) CreateIfAbsent(ctx context.Context, rec *repository.ExceptionRecord) (bool, error) {
	for _, r := range f.records {
		if r.InvoiceID == rec.InvoiceID && r.Code == rec.Code && r.Status == repository.ExceptionOpen {
			return false, nil
		}
	}
	f.nextID++
	rec.ID = fmt.Sprintf("exc-%d", f.nextID)
	rec.CreatedAt = time.Now()
	f.records = append(f.records, rec)
	return true, nil
}

func (f *fakeExceptionStore) GetByID(ctx context.Context, id string) (*repository.ExceptionRecord, error) {
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.NotFound("exception", id)
}

func (f *fakeExceptionStore) ListByInvoice(ctx context.Context, invoiceID string) ([]*repository.ExceptionRecord, error) {
	var out []*repository.ExceptionRecord
	for _, r := range f.records {
		if r.InvoiceID == invoiceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeExceptionStore) ListByStatus(ctx context.Context, status repository.ExceptionStatus) ([]*repository.ExceptionRecord, error) {
	var out []*repository.ExceptionRecord
	for _, r := range f.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeExceptionStore) CountOpenByInvoice(ctx context.Context, invoiceID string) (int, error) {
	n := 0
	for _, r := range f.records {
		if r.InvoiceID == invoiceID && r.Status == repository.ExceptionOpen {
			n++
		}
	}
	return n, nil
}

func (f *fakeExceptionStore) UpdateStatus(ctx context.Context, id string, status repository.ExceptionStatus, assignee *string, resolutionNote *string) error {
	for _, r := range f.records {
		if r.ID == id {
			r.Status = status
			if assignee != nil {
				r.Assignee = assignee
			}
			if resolutionNote != nil {
				r.ResolutionNote = resolutionNote
			}
			return nil
		}
	}
	return errors.NotFound("exception", id)
}

// fakeStatusWriter records invoice status moves and approvals.
type fakeStatusWriter struct {
	statuses   map[string]repository.InvoiceStatus
	approvedBy map[string]string
}

func newFakeStatusWriter() *fakeStatusWriter {
	return &fakeStatusWriter{
		statuses:   make(map[string]repository.InvoiceStatus),
		approvedBy: make(map[string]string),
	}
}

func (f *fakeStatusWriter) UpdateStatus(ctx context.Context, id string, status repository.InvoiceStatus) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeStatusWriter) Approve(ctx context.Context, id, approvedBy string) error {
	f.statuses[id] = repository.InvoiceApproved
	f.approvedBy[id] = approvedBy
	return nil
}

// fakeApprovalStore is an in-memory ApprovalStore with the same guard
// semantics as the SQL repository.
type fakeApprovalStore struct {
	matrix    []*repository.ApprovalMatrixRow
	tasks     map[string]*repository.ApprovalTask
	decisions []*repository.ApprovalDecision
	tokens    map[string]*repository.ApprovalToken
	nextID    int
}

func newFakeApprovalStore(matrix ...*repository.ApprovalMatrixRow) *fakeApprovalStore {
	return &fakeApprovalStore{
		matrix: matrix,
		tasks:  make(map[string]*repository.ApprovalTask),
		tokens: make(map[string]*repository.ApprovalToken),
	}
}

func (f *fakeApprovalStore) ListActiveMatrixRows(ctx context.Context) ([]*repository.ApprovalMatrixRow, error) {
	return f.matrix, nil
}

func (f *fakeApprovalStore) CreateTask(ctx context.Context, task *repository.ApprovalTask) error {
	f.nextID++
	task.ID = fmt.Sprintf("task-%d", f.nextID)
	task.CreatedAt = time.Now()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeApprovalStore) GetTask(ctx context.Context, id string) (*repository.ApprovalTask, error) {
	if task, ok := f.tasks[id]; ok {
		return task, nil
	}
	return nil, errors.NotFound("approval task", id)
}

func (f *fakeApprovalStore) ListTasksByInvoice(ctx context.Context, invoiceID string) ([]*repository.ApprovalTask, error) {
	var out []*repository.ApprovalTask
	for _, task := range f.tasks {
		if task.InvoiceID == invoiceID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeApprovalStore) ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalTask, error) {
	var out []*repository.ApprovalTask
	for _, task := range f.tasks {
		if task.Status != repository.TaskPending {
			continue
		}
		if task.ApproverID == approverID || (task.DelegatedTo != nil && *task.DelegatedTo == approverID) {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeApprovalStore) UpdateTaskStatus(ctx context.Context, id string, status repository.TaskStatus) error {
	task, err := f.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != repository.TaskPending {
		return errors.New(errors.ErrCodeConflict, "approval task has already been decided")
	}
	task.Status = status
	return nil
}

func (f *fakeApprovalStore) DelegateTask(ctx context.Context, id, delegatedTo string) error {
	task, err := f.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != repository.TaskPending {
		return errors.New(errors.ErrCodeConflict, "approval task is not pending")
	}
	task.DelegatedTo = &delegatedTo
	return nil
}

func (f *fakeApprovalStore) RecordDecision(ctx context.Context, decision *repository.ApprovalDecision) error {
	for _, d := range f.decisions {
		if d.TaskID == decision.TaskID && d.ApproverID == decision.ApproverID {
			return errors.New(errors.ErrCodeConflict, "approver has already decided this task")
		}
	}
	decision.CreatedAt = time.Now()
	f.decisions = append(f.decisions, decision)
	return nil
}

func (f *fakeApprovalStore) CountApprovals(ctx context.Context, taskID string) (int, error) {
	seen := make(map[string]bool)
	for _, d := range f.decisions {
		if d.TaskID == taskID && d.Approved {
			seen[d.ApproverID] = true
		}
	}
	return len(seen), nil
}

func (f *fakeApprovalStore) CreateToken(ctx context.Context, token *repository.ApprovalToken) error {
	token.CreatedAt = time.Now()
	f.tokens[token.JTI] = token
	return nil
}

func (f *fakeApprovalStore) ConsumeToken(ctx context.Context, jti string, now time.Time) (*repository.ApprovalToken, error) {
	token, ok := f.tokens[jti]
	if !ok {
		return nil, errors.NotFound("approval token", jti)
	}
	if token.ConsumedAt != nil {
		return nil, errors.New(errors.ErrCodeConflict, "approval token has already been used")
	}
	if !token.ExpiresAt.After(now) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "approval token has expired")
	}
	token.ConsumedAt = &now
	return token, nil
}

func (f *fakeApprovalStore) ExpireOverdueTasks(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for _, task := range f.tasks {
		if task.Status == repository.TaskPending && task.DueAt != nil && task.DueAt.Before(now) {
			task.Status = repository.TaskExpired
			n++
		}
	}
	return n, nil
}

// fakeRuleStore is an in-memory RuleVersionStore.
type fakeRuleStore struct {
	versions []*repository.RuleVersion
	nextID   int
}

func (f *fakeRuleStore) CreateDraft(ctx context.Context, payload repository.RulePayload, createdBy string) (*repository.RuleVersion, error) {
	f.nextID++
	rv := &repository.RuleVersion{
		ID:        fmt.Sprintf("rv-%d", f.nextID),
		Version:   f.nextID,
		Status:    repository.RuleVersionDraft,
		Payload:   payload,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
	f.versions = append(f.versions, rv)
	return rv, nil
}

func (f *fakeRuleStore) GetByID(ctx context.Context, id string) (*repository.RuleVersion, error) {
	for _, rv := range f.versions {
		if rv.ID == id {
			return rv, nil
		}
	}
	return nil, errors.NotFound("rule version", id)
}

func (f *fakeRuleStore) GetActive(ctx context.Context) (*repository.RuleVersion, error) {
	for _, rv := range f.versions {
		if rv.Status == repository.RuleVersionPublished {
			return rv, nil
		}
	}
	return nil, errors.Configuration("no published rule version")
}

func (f *fakeRuleStore) List(ctx context.Context) ([]*repository.RuleVersion, error) {
	return f.versions, nil
}

func (f *fakeRuleStore) SubmitForReview(ctx context.Context, id string) error {
	rv, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rv.Status != repository.RuleVersionDraft {
		return errors.New(errors.ErrCodeConflict, "only a draft version can be submitted for review")
	}
	rv.Status = repository.RuleVersionInReview
	return nil
}

func (f *fakeRuleStore) Publish(ctx context.Context, id string) (*repository.RuleVersion, error) {
	target, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.Status != repository.RuleVersionInReview {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("cannot publish rule version with status '%s', must be in_review", target.Status))
	}
	now := time.Now()
	for _, rv := range f.versions {
		if rv.Status == repository.RuleVersionPublished {
			rv.Status = repository.RuleVersionArchived
			rv.ArchivedAt = &now
		}
	}
	target.Status = repository.RuleVersionPublished
	target.PublishedAt = &now
	return target, nil
}
