package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/metrics"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

// ExceptionStore is the persistence surface the exception manager needs.
type ExceptionStore interface {
	CreateIfAbsent(ctx context.Context, rec *repository.ExceptionRecord) (bool, error)
	GetByID(ctx context.Context, id string) (*repository.ExceptionRecord, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]*repository.ExceptionRecord, error)
	ListByStatus(ctx context.Context, status repository.ExceptionStatus) ([]*repository.ExceptionRecord, error)
	CountOpenByInvoice(ctx context.Context, invoiceID string) (int, error)
	UpdateStatus(ctx context.Context, id string, status repository.ExceptionStatus, assignee *string, resolutionNote *string) error
}

// severityFor returns the default severity for a code. The switch is
// exhaustive over the closed taxonomy.
func severityFor(code repository.ExceptionCode) repository.ExceptionSeverity {
	switch code {
	case repository.ExcPriceMismatch:
		return repository.SeverityMedium
	case repository.ExcQtyMismatch:
		return repository.SeverityMedium
	case repository.ExcPONotFound:
		return repository.SeverityHigh
	case repository.ExcGRNNotFound:
		return repository.SeverityMedium
	case repository.ExcDuplicateInvoice:
		return repository.SeverityCritical
	case repository.ExcVendorDataMismatch:
		return repository.SeverityCritical
	case repository.ExcTaxDiscrepancy:
		return repository.SeverityLow
	case repository.ExcUnexpectedCharge:
		return repository.SeverityMedium
	}
	return repository.SeverityMedium
}

// autoResolvable reports whether a code may be closed by the system
// without human review. Only tax discrepancies qualify, and only below
// the configured cap (checked by the caller).
func autoResolvable(code repository.ExceptionCode) bool {
	switch code {
	case repository.ExcTaxDiscrepancy:
		return true
	case repository.ExcPriceMismatch,
		repository.ExcQtyMismatch,
		repository.ExcPONotFound,
		repository.ExcGRNNotFound,
		repository.ExcDuplicateInvoice,
		repository.ExcVendorDataMismatch,
		repository.ExcUnexpectedCharge:
		return false
	}
	return false
}

// routeQueue assigns new exceptions to an analyst queue by severity.
func routeQueue(severity repository.ExceptionSeverity) string {
	switch severity {
	case repository.SeverityCritical, repository.SeverityHigh:
		return "queue:ap-senior-analysts"
	case repository.SeverityMedium, repository.SeverityLow:
		return "queue:ap-analysts"
	}
	return "queue:ap-analysts"
}

// ExceptionManager creates, deduplicates, auto-resolves and routes
// exception records.
type ExceptionManager struct {
	store    ExceptionStore
	audit    AuditAppender
	notifier EventPublisher
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewExceptionManager creates a new ExceptionManager.
func NewExceptionManager(store ExceptionStore, audit AuditAppender, notifier EventPublisher, m *metrics.Metrics, log zerolog.Logger) *ExceptionManager {
	return &ExceptionManager{store: store, audit: audit, notifier: notifier, metrics: m, log: log}
}

// RaiseRequest carries the signal being converted into an exception.
type RaiseRequest struct {
	InvoiceID     string
	MatchResultID *string
	Code          repository.ExceptionCode
	Detail        string
	// AutoResolve closes the exception immediately with the given
	// justification. Only honored for auto-resolvable codes.
	AutoResolve            bool
	AutoResolveNote        string
}

// Raise creates an exception unless an open one of the same code already
// exists for the invoice. Auto-resolvable signals below their cap are
// closed immediately with a system-authored audit entry. Returns the
// record, or nil when deduplicated away.
func (m *ExceptionManager) Raise(ctx context.Context, req RaiseRequest) (*repository.ExceptionRecord, error) {
	severity := severityFor(req.Code)
	queue := routeQueue(severity)

	rec := &repository.ExceptionRecord{
		InvoiceID:     req.InvoiceID,
		MatchResultID: req.MatchResultID,
		Code:          req.Code,
		Severity:      severity,
		Status:        repository.ExceptionOpen,
		Detail:        req.Detail,
		Assignee:      &queue,
	}

	created, err := m.store.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		m.log.Debug().
			Str("invoice_id", req.InvoiceID).
			Str("code", string(req.Code)).
			Msg("Exception already open, skipping")
		return nil, nil
	}

	m.metrics.ExceptionRaised(string(req.Code))

	m.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "exception",
		EntityID:   rec.ID,
		ActorType:  repository.ActorSystem,
		ActorID:    "match-engine",
		Action:     "raised",
		Metadata: map[string]interface{}{
			"invoice_id": req.InvoiceID,
			"code":       string(req.Code),
			"severity":   string(severity),
			"detail":     req.Detail,
		},
	})

	if req.AutoResolve && autoResolvable(req.Code) {
		if err := m.autoResolve(ctx, rec, req.AutoResolveNote); err != nil {
			return nil, err
		}
		return rec, nil
	}

	m.notifier.PublishInvoiceEvent(ctx, "exception_raised", req.InvoiceID, "system", map[string]interface{}{
		"exception_id": rec.ID,
		"code":         string(req.Code),
		"severity":     string(severity),
		"assignee":     queue,
	})

	m.log.Info().
		Str("invoice_id", req.InvoiceID).
		Str("exception_id", rec.ID).
		Str("code", string(req.Code)).
		Str("severity", string(severity)).
		Str("assignee", queue).
		Msg("Exception raised")

	return rec, nil
}

// autoResolve closes a just-created exception with the numeric
// justification in both the record and the audit trail.
func (m *ExceptionManager) autoResolve(ctx context.Context, rec *repository.ExceptionRecord, note string) error {
	if err := m.store.UpdateStatus(ctx, rec.ID, repository.ExceptionResolved, nil, &note); err != nil {
		return err
	}
	rec.Status = repository.ExceptionResolved
	rec.ResolutionNote = &note

	m.metrics.ExceptionAutoResolved(string(rec.Code))

	m.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "exception",
		EntityID:   rec.ID,
		ActorType:  repository.ActorSystem,
		ActorID:    "match-engine",
		Action:     "auto_resolved",
		Metadata: map[string]interface{}{
			"invoice_id":    rec.InvoiceID,
			"code":          string(rec.Code),
			"justification": note,
		},
	})

	m.log.Info().
		Str("invoice_id", rec.InvoiceID).
		Str("exception_id", rec.ID).
		Str("code", string(rec.Code)).
		Str("justification", note).
		Msg("Exception auto-resolved")

	return nil
}

// Transition moves an exception between workflow states on behalf of an
// analyst. Resolved/rejected are terminal.
func (m *ExceptionManager) Transition(ctx context.Context, id string, status repository.ExceptionStatus, actedBy string, note *string) error {
	rec, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status == repository.ExceptionResolved || rec.Status == repository.ExceptionRejected {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("exception is already %s", rec.Status))
	}

	switch status {
	case repository.ExceptionInProgress, repository.ExceptionResolved,
		repository.ExceptionEscalated, repository.ExceptionRejected:
		// allowed targets
	case repository.ExceptionOpen:
		return errors.InvalidInput("status", "cannot transition back to open")
	default:
		return errors.InvalidInput("status", "unknown exception status")
	}

	var assignee *string
	if status == repository.ExceptionInProgress {
		assignee = &actedBy
	}

	if err := m.store.UpdateStatus(ctx, id, status, assignee, note); err != nil {
		return err
	}

	m.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "exception",
		EntityID:   id,
		ActorType:  repository.ActorUser,
		ActorID:    actedBy,
		Action:     string(status),
		Before:     mustJSON(map[string]any{"status": rec.Status}),
		After:      mustJSON(map[string]any{"status": status}),
		Metadata: map[string]interface{}{
			"invoice_id": rec.InvoiceID,
			"code":       string(rec.Code),
		},
	})

	m.log.Info().
		Str("exception_id", id).
		Str("status", string(status)).
		Str("acted_by", actedBy).
		Msg("Exception transitioned")

	return nil
}

// ListQueue returns exceptions in a status, oldest first.
func (m *ExceptionManager) ListQueue(ctx context.Context, status repository.ExceptionStatus) ([]*repository.ExceptionRecord, error) {
	return m.store.ListByStatus(ctx, status)
}

// ListForInvoice returns all exceptions on an invoice.
func (m *ExceptionManager) ListForInvoice(ctx context.Context, invoiceID string) ([]*repository.ExceptionRecord, error) {
	return m.store.ListByInvoice(ctx, invoiceID)
}

// OpenCount returns the number of open exceptions on an invoice.
func (m *ExceptionManager) OpenCount(ctx context.Context, invoiceID string) (int, error) {
	return m.store.CountOpenByInvoice(ctx, invoiceID)
}

func (m *ExceptionManager) appendAudit(ctx context.Context, entry *repository.AuditLogEntry) {
	if err := m.audit.Append(ctx, entry); err != nil {
		m.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
