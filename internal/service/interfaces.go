package service

import (
	"context"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

// Collaborator interfaces are declared here, on the consumer side, so the
// pgx repositories satisfy them directly and tests can substitute
// in-memory fakes.

// AuditAppender is the write-only audit surface. There is deliberately no
// update or delete; replay lives on the read side (handler → repository).
type AuditAppender interface {
	Append(ctx context.Context, entry *repository.AuditLogEntry) error
}

// InvoiceReader reads ingestion-owned invoice and vendor records.
type InvoiceReader interface {
	GetByID(ctx context.Context, id string) (*repository.Invoice, error)
	GetVendor(ctx context.Context, vendorID string) (*repository.Vendor, error)
	FindRecentByVendor(ctx context.Context, vendorID, refDate string, windowDays int, excludeID string) ([]*repository.Invoice, error)
}

// InvoiceStatusWriter moves an invoice through the decisioning pipeline.
type InvoiceStatusWriter interface {
	UpdateStatus(ctx context.Context, id string, status repository.InvoiceStatus) error
	Approve(ctx context.Context, id, approvedBy string) error
}

// PurchaseOrderReader reads POs and their goods receipts.
type PurchaseOrderReader interface {
	GetByNumber(ctx context.Context, vendorID, poNumber string) (*repository.PurchaseOrder, error)
	GetReceiptLines(ctx context.Context, poID string) ([]*repository.GoodsReceiptLine, error)
}

// MatchResultWriter persists immutable match results.
type MatchResultWriter interface {
	Create(ctx context.Context, result *repository.MatchResult) error
	GetLatestByInvoice(ctx context.Context, invoiceID string) (*repository.MatchResult, error)
}

// EventPublisher pushes engine events to the notification service.
// Implementations must be non-fatal: failures are logged, never returned.
type EventPublisher interface {
	PublishInvoiceEvent(ctx context.Context, eventType, invoiceID, actorID string, payload map[string]interface{})
}
