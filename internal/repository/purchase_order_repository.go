package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/database"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

// PurchaseOrderRepository reads purchase orders and goods receipts.
// Both are owned by ingestion; the engine only reads them.
type PurchaseOrderRepository struct {
	db *database.DB
}

// NewPurchaseOrderRepository creates a new PurchaseOrderRepository.
func NewPurchaseOrderRepository(db *database.DB) *PurchaseOrderRepository {
	return &PurchaseOrderRepository{db: db}
}

// GetByNumber retrieves a PO with lines by its business number, scoped to
// a vendor. Returns nil (no error) when the PO does not exist so the
// match engine can record po_not_found instead of failing.
func (r *PurchaseOrderRepository) GetByNumber(ctx context.Context, vendorID, poNumber string) (*PurchaseOrder, error) {
	query := `
		SELECT id, vendor_id, po_number, status
		FROM purchase_orders
		WHERE vendor_id = $1 AND po_number = $2
	`

	po := &PurchaseOrder{}
	err := r.db.QueryRow(ctx, query, vendorID, poNumber).Scan(
		&po.ID,
		&po.VendorID,
		&po.PONumber,
		&po.Status,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get purchase order")
	}

	lines, err := r.GetLines(ctx, po.ID)
	if err != nil {
		return nil, err
	}
	po.Lines = lines

	return po, nil
}

// GetLines retrieves all lines for a PO ordered by line number.
func (r *PurchaseOrderRepository) GetLines(ctx context.Context, poID string) ([]*POLine, error) {
	query := `
		SELECT id, po_id, line_number, description, quantity, unit_price
		FROM po_lines
		WHERE po_id = $1
		ORDER BY line_number
	`

	rows, err := r.db.Query(ctx, query, poID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get PO lines")
	}
	defer rows.Close()

	lines := make([]*POLine, 0)
	for rows.Next() {
		line := &POLine{}
		err := rows.Scan(
			&line.ID,
			&line.POID,
			&line.LineNumber,
			&line.Description,
			&line.Quantity,
			&line.UnitPrice,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan PO line")
		}
		lines = append(lines, line)
	}

	return lines, nil
}

// GetReceiptLines returns every goods-receipt line referencing any line of
// the given PO, across all receipts. Callers aggregate quantity_received
// per PO line; partial and repeated receipts are normal.
func (r *PurchaseOrderRepository) GetReceiptLines(ctx context.Context, poID string) ([]*GoodsReceiptLine, error) {
	query := `
		SELECT grl.id, grl.receipt_id, grl.po_line_id,
		       grl.quantity_received, grl.received_date
		FROM goods_receipt_lines grl
		JOIN po_lines pl ON pl.id = grl.po_line_id
		WHERE pl.po_id = $1
		ORDER BY grl.received_date, grl.id
	`

	rows, err := r.db.Query(ctx, query, poID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get receipt lines")
	}
	defer rows.Close()

	lines := make([]*GoodsReceiptLine, 0)
	for rows.Next() {
		line := &GoodsReceiptLine{}
		err := rows.Scan(
			&line.ID,
			&line.ReceiptID,
			&line.POLineID,
			&line.QuantityReceived,
			&line.ReceivedDate,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan receipt line")
		}
		lines = append(lines, line)
	}

	return lines, nil
}
