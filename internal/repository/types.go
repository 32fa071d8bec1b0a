package repository

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ── Enumerations ─────────────────────────────────────────────────────────────
//
// All status and code sets are closed enumerations. Switch sites over these
// types are written exhaustively so adding a value forces a review.

// RuleVersionStatus is the lifecycle state of a rule version.
type RuleVersionStatus string

const (
	RuleVersionDraft     RuleVersionStatus = "draft"
	RuleVersionInReview  RuleVersionStatus = "in_review"
	RuleVersionPublished RuleVersionStatus = "published"
	RuleVersionArchived  RuleVersionStatus = "archived"
)

// MatchType distinguishes 2-way (invoice vs PO) from 3-way (adds receipts).
type MatchType string

const (
	MatchTwoWay   MatchType = "two_way"
	MatchThreeWay MatchType = "three_way"
)

// MatchStatus is the header-level verdict of a match attempt.
type MatchStatus string

const (
	MatchStatusMatched  MatchStatus = "matched"
	MatchStatusMismatch MatchStatus = "mismatch"
)

// LineMatchStatus is the per-line verdict.
type LineMatchStatus string

const (
	LineMatched     LineMatchStatus = "matched"
	LineMismatch    LineMatchStatus = "mismatch"
	LinePONotFound  LineMatchStatus = "po_not_found"
	LineGRNNotFound LineMatchStatus = "grn_not_found"
)

// MismatchCause names the dominant reason a line mismatched.
type MismatchCause string

const (
	CausePrice          MismatchCause = "price"
	CauseQuantity       MismatchCause = "quantity"
	CauseQtyOverReceipt MismatchCause = "qty_over_receipt"
)

// ExceptionCode is the closed taxonomy of business exceptions.
type ExceptionCode string

const (
	ExcPriceMismatch      ExceptionCode = "PRICE_MISMATCH"
	ExcQtyMismatch        ExceptionCode = "QTY_MISMATCH"
	ExcPONotFound         ExceptionCode = "PO_NOT_FOUND"
	ExcGRNNotFound        ExceptionCode = "GRN_NOT_FOUND"
	ExcDuplicateInvoice   ExceptionCode = "DUPLICATE_INVOICE"
	ExcVendorDataMismatch ExceptionCode = "VENDOR_DATA_MISMATCH"
	ExcTaxDiscrepancy     ExceptionCode = "TAX_DISCREPANCY"
	ExcUnexpectedCharge   ExceptionCode = "UNEXPECTED_CHARGE"
)

// ExceptionSeverity orders exceptions for routing.
type ExceptionSeverity string

const (
	SeverityLow      ExceptionSeverity = "low"
	SeverityMedium   ExceptionSeverity = "medium"
	SeverityHigh     ExceptionSeverity = "high"
	SeverityCritical ExceptionSeverity = "critical"
)

// ExceptionStatus is the workflow state of an exception record.
type ExceptionStatus string

const (
	ExceptionOpen       ExceptionStatus = "open"
	ExceptionInProgress ExceptionStatus = "in_progress"
	ExceptionResolved   ExceptionStatus = "resolved"
	ExceptionEscalated  ExceptionStatus = "escalated"
	ExceptionRejected   ExceptionStatus = "rejected"
)

// TaskStatus is the state machine of an approval task. pending is the only
// non-terminal state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskApproved  TaskStatus = "approved"
	TaskRejected  TaskStatus = "rejected"
	TaskDelegated TaskStatus = "delegated"
	TaskExpired   TaskStatus = "expired"
)

// DecisionChannel records how an approval decision arrived.
type DecisionChannel string

const (
	ChannelWeb        DecisionChannel = "web"
	ChannelEmailToken DecisionChannel = "email_token"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAI     ActorType = "ai"
)

// FraudLevel is the ingestion-supplied fraud score band for an invoice.
type FraudLevel string

const (
	FraudNone     FraudLevel = "none"
	FraudLow      FraudLevel = "low"
	FraudMedium   FraudLevel = "medium"
	FraudHigh     FraudLevel = "high"
	FraudCritical FraudLevel = "critical"
)

// InvoiceStatus tracks the invoice through the decisioning pipeline.
type InvoiceStatus string

const (
	InvoiceReceived        InvoiceStatus = "received"
	InvoiceMatched         InvoiceStatus = "matched"
	InvoiceExceptionReview InvoiceStatus = "exception_review"
	InvoicePendingApproval InvoiceStatus = "pending_approval"
	InvoiceApproved        InvoiceStatus = "approved"
	InvoiceRejected        InvoiceStatus = "rejected"
)

// ── Ingestion-owned records (read-only here) ─────────────────────────────────

// Invoice is a fully-extracted invoice header with lines. Owned by
// ingestion; this engine only reads it and moves its status.
type Invoice struct {
	ID            string
	VendorID      string
	InvoiceNumber string
	InvoiceDate   string // YYYY-MM-DD
	DueDate       *string
	Currency      string
	Status        InvoiceStatus
	Subtotal      int64 // cents
	TaxAmount     int64 // cents
	TotalAmount   int64 // cents
	TaxRate       *decimal.Decimal // percent, e.g. 8.25
	PONumber      *string
	CostCenter    *string
	Category      *string
	FraudLevel    FraudLevel
	BankAccount   *string // as extracted from the invoice document
	TaxID         *string
	ApprovedBy    *string
	ApprovedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Lines         []*InvoiceLine
}

// InvoiceLine is one billed line.
type InvoiceLine struct {
	ID          string
	InvoiceID   string
	LineNumber  int
	Description string
	Quantity    decimal.Decimal
	UnitPrice   int64 // cents
	LineAmount  int64 // cents
	POLineID    *string // explicit linkage resolved by ingestion, if any
}

// Vendor is the vendor master record used for data-mismatch checks.
type Vendor struct {
	ID          string
	Name        string
	BankAccount *string
	TaxID       *string
	Active      bool
}

// PurchaseOrder is a PO header with lines.
type PurchaseOrder struct {
	ID       string
	VendorID string
	PONumber string
	Status   string
	Lines    []*POLine
}

// POLine is one ordered line.
type POLine struct {
	ID          string
	POID        string
	LineNumber  int
	Description string
	Quantity    decimal.Decimal
	UnitPrice   int64 // cents
}

// GoodsReceiptLine is one received line on a goods receipt note,
// referencing the PO line it fulfils. Partial and repeated receipts per
// PO line are normal; consumers must aggregate.
type GoodsReceiptLine struct {
	ID               string
	ReceiptID        string
	POLineID         string
	QuantityReceived decimal.Decimal
	ReceivedDate     string // YYYY-MM-DD
}

// ── Rule configuration ───────────────────────────────────────────────────────

// ToleranceRule is one entry in a rule version's ordered tolerance list.
// Vendor and category are both optional; resolution is priority-based.
type ToleranceRule struct {
	VendorID    *string         `json:"vendor_id,omitempty"`
	Category    *string         `json:"category,omitempty"`
	PricePct    decimal.Decimal `json:"price_pct"`               // percent
	PriceAbsCap *int64          `json:"price_abs_cap,omitempty"` // cents per unit
	QtyPct      decimal.Decimal `json:"qty_pct"`                 // percent
}

// RulePayload is the structured payload of a rule version.
type RulePayload struct {
	Tolerances           []ToleranceRule `json:"tolerances"`
	AutoApproveThreshold int64           `json:"auto_approve_threshold"` // cents
	DuplicateWindowDays  int             `json:"duplicate_window_days"`
	TaxAutoResolveCap    int64           `json:"tax_auto_resolve_cap"` // cents
}

// RuleVersion is an immutable configuration snapshot. At most one version
// is published at any time.
type RuleVersion struct {
	ID          string
	Version     int
	Status      RuleVersionStatus
	Payload     RulePayload
	CreatedBy   string
	CreatedAt   time.Time
	PublishedAt *time.Time
	ArchivedAt  *time.Time
}

// ── Engine-owned records ─────────────────────────────────────────────────────

// AppliedTolerance records the tolerance actually used for a line verdict.
type AppliedTolerance struct {
	PricePct    decimal.Decimal `json:"price_pct"`
	PriceAbsCap *int64          `json:"price_abs_cap,omitempty"`
	QtyPct      decimal.Decimal `json:"qty_pct"`
}

// LineMatchResult is the per-line outcome of a match attempt.
type LineMatchResult struct {
	ID               string
	MatchResultID    string
	InvoiceLineID    string
	POLineID         *string
	QtyReceived      *decimal.Decimal // aggregated, 3-way only
	PriceVariancePct decimal.Decimal  // percent
	QtyVariancePct   decimal.Decimal  // percent
	PriceVariance    int64            // abs cents per unit
	Tolerance        AppliedTolerance
	Status           LineMatchStatus
	Cause            *MismatchCause
}

// MatchResult is the header-level outcome. Immutable once created;
// re-matching inserts a new result.
type MatchResult struct {
	ID            string
	InvoiceID     string
	RuleVersionID string
	MatchType     MatchType
	Status        MatchStatus
	CreatedAt     time.Time
	Lines         []*LineMatchResult
}

// ExceptionRecord is one business exception raised against an invoice.
// At most one open record of a given code exists per invoice.
type ExceptionRecord struct {
	ID             string
	InvoiceID      string
	MatchResultID  *string
	Code           ExceptionCode
	Severity       ExceptionSeverity
	Status         ExceptionStatus
	Detail         string
	Assignee       *string
	ResolutionNote *string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	UpdatedAt      time.Time
}

// ApprovalMatrixRow is one configured step of the approval chain for an
// amount band / cost center / category combination.
type ApprovalMatrixRow struct {
	ID                string
	MinAmount         int64  // cents, inclusive
	MaxAmount         *int64 // cents, exclusive; nil = unbounded
	CostCenter        *string
	Category          *string
	Step              int
	ApproverID        string
	RequiredApprovals int // 1, or 2 for dual authorization
	Active            bool
}

// ApprovalTask is one actionable step of an invoice's approval chain.
type ApprovalTask struct {
	ID                string
	InvoiceID         string
	MatrixRowID       *string
	Step              int
	ApproverID        string
	RequiredApprovals int
	Status            TaskStatus
	DueAt             *time.Time
	DelegatedTo       *string
	DecidedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ApprovalDecision is one recorded decision on a task. Dual-authorization
// tasks accumulate two approve decisions from distinct approvers before
// the task itself becomes approved.
type ApprovalDecision struct {
	ID         string
	TaskID     string
	ApproverID string
	Approved   bool
	Channel    DecisionChannel
	Note       *string
	CreatedAt  time.Time
}

// ApprovalToken is the persisted side of an email-token action reference.
// Consumption is atomic with the decision write; a consumed token can
// never be replayed.
type ApprovalToken struct {
	JTI        string
	TaskID     string
	ApproverID string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// AuditLogEntry is one immutable row of the append-only audit log. The id
// is a strictly increasing sequence; replay for an entity returns rows in
// creation order.
type AuditLogEntry struct {
	ID         int64
	EntityType string
	EntityID   string
	ActorType  ActorType
	ActorID    string
	Action     string
	Before     json.RawMessage
	After      json.RawMessage
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}
