package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/metrics"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

// ApprovalChainCreator starts the approval chain for a matched invoice.
type ApprovalChainCreator interface {
	CreateChain(ctx context.Context, invoice *repository.Invoice) ([]*repository.ApprovalTask, error)
}

// MatchService orchestrates the full decisioning run for one invoice:
// duplicate pre-check, match computation, exception raising, and the
// auto-approve / approval-routing decision. Runs are serialized per
// invoice id so two concurrent runs cannot race on the same result.
type MatchService struct {
	invoices   InvoiceReader
	status     InvoiceStatusWriter
	orders     PurchaseOrderReader
	results    MatchResultWriter
	provider   RuleVersionProvider
	duplicates *DuplicateDetector
	exceptions *ExceptionManager
	approvals  ApprovalChainCreator
	audit      AuditAppender
	notifier   EventPublisher
	metrics    *metrics.Metrics
	log        zerolog.Logger

	locks sync.Map // invoice id → *sync.Mutex
}

// NewMatchService creates a new MatchService.
func NewMatchService(
	invoices InvoiceReader,
	status InvoiceStatusWriter,
	orders PurchaseOrderReader,
	results MatchResultWriter,
	provider RuleVersionProvider,
	duplicates *DuplicateDetector,
	exceptions *ExceptionManager,
	approvals ApprovalChainCreator,
	audit AuditAppender,
	notifier EventPublisher,
	m *metrics.Metrics,
	log zerolog.Logger,
) *MatchService {
	return &MatchService{
		invoices:   invoices,
		status:     status,
		orders:     orders,
		results:    results,
		provider:   provider,
		duplicates: duplicates,
		exceptions: exceptions,
		approvals:  approvals,
		audit:      audit,
		notifier:   notifier,
		metrics:    m,
		log:        log,
	}
}

// ProcessInvoice runs the engine for one invoice and returns the
// persisted match result, or nil when the duplicate pre-check
// short-circuited the run.
func (s *MatchService) ProcessInvoice(ctx context.Context, invoiceID string) (*repository.MatchResult, error) {
	unlock := s.lockInvoice(invoiceID)
	defer unlock()

	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	rv, err := s.provider.Active(ctx)
	if err != nil {
		return nil, err
	}

	// Duplicate pre-check short-circuits everything else.
	hit, err := s.duplicates.Check(ctx, invoice, rv.Payload.DuplicateWindowDays)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		return nil, s.handleDuplicate(ctx, invoice, rv, hit)
	}

	po, receipts, err := s.loadOrderData(ctx, invoice)
	if err != nil {
		return nil, err
	}

	comp, err := ComputeMatch(invoice, po, receipts, rv)
	if err != nil {
		return nil, err
	}

	s.appendVendorSignal(ctx, invoice, comp)

	if err := s.results.Create(ctx, comp.Result); err != nil {
		return nil, err
	}

	s.metrics.MatchComputed(string(comp.Result.MatchType), string(comp.Result.Status))

	s.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "invoice",
		EntityID:   invoice.ID,
		ActorType:  repository.ActorSystem,
		ActorID:    "match-engine",
		Action:     "matched",
		After:      mustJSON(map[string]any{"status": comp.Result.Status}),
		Metadata: map[string]interface{}{
			"match_result_id": comp.Result.ID,
			"rule_version_id": rv.ID,
			"match_type":      string(comp.Result.MatchType),
		},
	})

	for _, sig := range comp.Signals {
		_, err := s.exceptions.Raise(ctx, RaiseRequest{
			InvoiceID:       invoice.ID,
			MatchResultID:   &comp.Result.ID,
			Code:            sig.Code,
			Detail:          sig.Detail,
			AutoResolve:     sig.AutoResolve,
			AutoResolveNote: sig.AutoResolveNote,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := s.decide(ctx, invoice, rv, comp.Result); err != nil {
		return nil, err
	}

	return comp.Result, nil
}

// GetLatestResult returns the newest match result for an invoice.
func (s *MatchService) GetLatestResult(ctx context.Context, invoiceID string) (*repository.MatchResult, error) {
	return s.results.GetLatestByInvoice(ctx, invoiceID)
}

// lockInvoice serializes match runs per invoice id within this process.
func (s *MatchService) lockInvoice(invoiceID string) func() {
	mu, _ := s.locks.LoadOrStore(invoiceID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

func (s *MatchService) loadOrderData(ctx context.Context, invoice *repository.Invoice) (*repository.PurchaseOrder, []*repository.GoodsReceiptLine, error) {
	if invoice.PONumber == nil || *invoice.PONumber == "" {
		return nil, nil, nil
	}

	po, err := s.orders.GetByNumber(ctx, invoice.VendorID, *invoice.PONumber)
	if err != nil {
		return nil, nil, err
	}
	if po == nil {
		return nil, nil, nil
	}

	// Any receipt on the PO selects 3-way matching.
	receipts, err := s.orders.GetReceiptLines(ctx, po.ID)
	if err != nil {
		return nil, nil, err
	}
	return po, receipts, nil
}

// handleDuplicate records the short-circuit: critical exception, audit,
// metric, and the invoice parked for analyst review. No match result is
// produced.
func (s *MatchService) handleDuplicate(ctx context.Context, invoice *repository.Invoice, rv *repository.RuleVersion, hit *DuplicateHit) error {
	s.metrics.DuplicateDetected()

	if _, err := s.exceptions.Raise(ctx, RaiseRequest{
		InvoiceID: invoice.ID,
		Code:      repository.ExcDuplicateInvoice,
		Detail:    hit.Detail(),
	}); err != nil {
		return err
	}

	if err := s.status.UpdateStatus(ctx, invoice.ID, repository.InvoiceExceptionReview); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditLogEntry{
		EntityType: "invoice",
		EntityID:   invoice.ID,
		ActorType:  repository.ActorSystem,
		ActorID:    "match-engine",
		Action:     "duplicate_detected",
		Metadata: map[string]interface{}{
			"signal":              string(hit.Signal),
			"original_invoice_id": hit.Original.ID,
			"rule_version_id":     rv.ID,
		},
	})

	s.notifier.PublishInvoiceEvent(ctx, "duplicate_detected", invoice.ID, "system", map[string]interface{}{
		"signal":              string(hit.Signal),
		"original_invoice_id": hit.Original.ID,
	})

	s.log.Warn().
		Str("invoice_id", invoice.ID).
		Str("signal", string(hit.Signal)).
		Str("original_invoice_id", hit.Original.ID).
		Msg("Duplicate invoice detected, matching short-circuited")

	return nil
}

// appendVendorSignal compares invoice banking details against the vendor
// master and adds a critical signal on mismatch.
func (s *MatchService) appendVendorSignal(ctx context.Context, invoice *repository.Invoice, comp *Computation) {
	vendor, err := s.invoices.GetVendor(ctx, invoice.VendorID)
	if err != nil {
		// The vendor master is optional input for this check; a missing
		// record is logged, not fatal to the match.
		s.log.Warn().Err(err).Str("vendor_id", invoice.VendorID).Msg("Vendor master lookup failed")
		return
	}

	if invoice.BankAccount != nil && vendor.BankAccount != nil && *invoice.BankAccount != *vendor.BankAccount {
		comp.Signals = append(comp.Signals, ExceptionSignal{
			Code: repository.ExcVendorDataMismatch,
			Detail: fmt.Sprintf("invoice bank account %q does not match vendor master %q",
				*invoice.BankAccount, *vendor.BankAccount),
		})
		return
	}
	if invoice.TaxID != nil && vendor.TaxID != nil && *invoice.TaxID != *vendor.TaxID {
		comp.Signals = append(comp.Signals, ExceptionSignal{
			Code: repository.ExcVendorDataMismatch,
			Detail: fmt.Sprintf("invoice tax id %q does not match vendor master %q",
				*invoice.TaxID, *vendor.TaxID),
		})
	}
}

// decide routes the invoice after matching: exception review on any open
// exception or mismatch, touchless system approval for clean matches
// under the threshold, approval chain otherwise.
func (s *MatchService) decide(ctx context.Context, invoice *repository.Invoice, rv *repository.RuleVersion, result *repository.MatchResult) error {
	openCount, err := s.exceptions.OpenCount(ctx, invoice.ID)
	if err != nil {
		return err
	}

	if result.Status != repository.MatchStatusMatched || openCount > 0 {
		return s.status.UpdateStatus(ctx, invoice.ID, repository.InvoiceExceptionReview)
	}

	touchless := invoice.TotalAmount <= rv.Payload.AutoApproveThreshold &&
		invoice.FraudLevel != repository.FraudCritical

	if touchless {
		if err := s.status.Approve(ctx, invoice.ID, "system"); err != nil {
			return err
		}

		s.metrics.TouchlessApproval()

		s.appendAudit(ctx, &repository.AuditLogEntry{
			EntityType: "invoice",
			EntityID:   invoice.ID,
			ActorType:  repository.ActorSystem,
			ActorID:    "match-engine",
			Action:     "auto_approved",
			After:      mustJSON(map[string]any{"status": repository.InvoiceApproved}),
			Metadata: map[string]interface{}{
				"total_amount":           invoice.TotalAmount,
				"auto_approve_threshold": rv.Payload.AutoApproveThreshold,
				"match_result_id":        result.ID,
			},
		})

		s.notifier.PublishInvoiceEvent(ctx, "invoice_approved", invoice.ID, "system", map[string]interface{}{
			"touchless": true,
		})

		s.log.Info().
			Str("invoice_id", invoice.ID).
			Int64("total_amount", invoice.TotalAmount).
			Msg("Invoice auto-approved (touchless)")
		return nil
	}

	if err := s.status.UpdateStatus(ctx, invoice.ID, repository.InvoicePendingApproval); err != nil {
		return err
	}

	tasks, err := s.approvals.CreateChain(ctx, invoice)
	if err != nil {
		return err
	}

	s.log.Info().
		Str("invoice_id", invoice.ID).
		Int("chain_length", len(tasks)).
		Msg("Invoice routed for approval")

	return nil
}

func (s *MatchService) appendAudit(ctx context.Context, entry *repository.AuditLogEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
