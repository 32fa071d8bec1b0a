package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/database"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

// InvoiceRepository reads invoices and moves their pipeline status.
// Invoice creation belongs to ingestion; this engine never inserts one.
type InvoiceRepository struct {
	db *database.DB
}

// NewInvoiceRepository creates a new InvoiceRepository.
func NewInvoiceRepository(db *database.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// GetByID retrieves an invoice with all lines.
func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*Invoice, error) {
	query := `
		SELECT id, vendor_id, invoice_number, invoice_date, due_date,
		       currency, status, subtotal, tax_amount, total_amount, tax_rate,
		       po_number, cost_center, category, fraud_level,
		       bank_account, tax_id,
		       approved_by, approved_at,
		       created_at, updated_at
		FROM invoices
		WHERE id = $1
	`

	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("invoice", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get invoice")
	}

	lines, err := r.GetLines(ctx, invoice.ID)
	if err != nil {
		return nil, err
	}
	invoice.Lines = lines

	return invoice, nil
}

// GetLines retrieves all lines for an invoice ordered by line number.
func (r *InvoiceRepository) GetLines(ctx context.Context, invoiceID string) ([]*InvoiceLine, error) {
	query := `
		SELECT id, invoice_id, line_number, description,
		       quantity, unit_price, line_amount, po_line_id
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_number
	`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get invoice lines")
	}
	defer rows.Close()

	lines := make([]*InvoiceLine, 0)
	for rows.Next() {
		line := &InvoiceLine{}
		err := rows.Scan(
			&line.ID,
			&line.InvoiceID,
			&line.LineNumber,
			&line.Description,
			&line.Quantity,
			&line.UnitPrice,
			&line.LineAmount,
			&line.POLineID,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan invoice line")
		}
		lines = append(lines, line)
	}

	return lines, nil
}

// FindRecentByVendor returns other invoices for a vendor whose invoice
// date falls within windowDays of refDate. Used by the duplicate detector.
func (r *InvoiceRepository) FindRecentByVendor(ctx context.Context, vendorID, refDate string, windowDays int, excludeID string) ([]*Invoice, error) {
	query := `
		SELECT id, vendor_id, invoice_number, invoice_date, due_date,
		       currency, status, subtotal, tax_amount, total_amount, tax_rate,
		       po_number, cost_center, category, fraud_level,
		       bank_account, tax_id,
		       approved_by, approved_at,
		       created_at, updated_at
		FROM invoices
		WHERE vendor_id = $1
		  AND id <> $2
		  AND invoice_date::date BETWEEN ($3::date - $4::int) AND ($3::date + $4::int)
		ORDER BY invoice_date DESC
	`

	rows, err := r.db.Query(ctx, query, vendorID, excludeID, refDate, windowDays)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find recent invoices")
	}
	defer rows.Close()

	invoices := make([]*Invoice, 0)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan invoice")
		}
		invoices = append(invoices, invoice)
	}

	return invoices, nil
}

// UpdateStatus moves the invoice through the decisioning pipeline.
func (r *InvoiceRepository) UpdateStatus(ctx context.Context, id string, status InvoiceStatus) error {
	query := `
		UPDATE invoices
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("invoice", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update invoice status")
	}
	return nil
}

// Approve stamps the invoice approved. approvedBy is the final approver,
// or "system" on the touchless path.
func (r *InvoiceRepository) Approve(ctx context.Context, id, approvedBy string) error {
	query := `
		UPDATE invoices
		SET status      = $3,
		    approved_by = $2,
		    approved_at = NOW(),
		    updated_at  = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, approvedBy, InvoiceApproved).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("invoice", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to approve invoice")
	}
	return nil
}

// GetVendor retrieves the vendor master record for data-mismatch checks.
func (r *InvoiceRepository) GetVendor(ctx context.Context, vendorID string) (*Vendor, error) {
	query := `
		SELECT id, name, bank_account, tax_id, active
		FROM vendors
		WHERE id = $1
	`

	vendor := &Vendor{}
	err := r.db.QueryRow(ctx, query, vendorID).Scan(
		&vendor.ID,
		&vendor.Name,
		&vendor.BankAccount,
		&vendor.TaxID,
		&vendor.Active,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("vendor", vendorID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get vendor")
	}
	return vendor, nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type invoiceScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row invoiceScanner) (*Invoice, error) {
	invoice := &Invoice{}
	err := row.Scan(
		&invoice.ID,
		&invoice.VendorID,
		&invoice.InvoiceNumber,
		&invoice.InvoiceDate,
		&invoice.DueDate,
		&invoice.Currency,
		&invoice.Status,
		&invoice.Subtotal,
		&invoice.TaxAmount,
		&invoice.TotalAmount,
		&invoice.TaxRate,
		&invoice.PONumber,
		&invoice.CostCenter,
		&invoice.Category,
		&invoice.FraudLevel,
		&invoice.BankAccount,
		&invoice.TaxID,
		&invoice.ApprovedBy,
		&invoice.ApprovedAt,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return invoice, nil
}
