package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

// DuplicateSignal names which check flagged a candidate.
type DuplicateSignal string

const (
	SignalSameInvoiceNumber DuplicateSignal = "same_invoice_number"
	SignalSameAmountAndDate DuplicateSignal = "same_amount_and_date"
	SignalNearAmountSameDate DuplicateSignal = "near_amount_same_date"
)

// nearAmountPct is the relative amount difference treated as "the same
// invoice resubmitted with rounding noise": 0.1%.
var nearAmountPct = decimal.RequireFromString("0.001")

// DuplicateHit describes a detected duplicate.
type DuplicateHit struct {
	Signal   DuplicateSignal
	Original *repository.Invoice
}

// Detail renders the numeric justification recorded on the exception.
func (h *DuplicateHit) Detail() string {
	switch h.Signal {
	case SignalSameInvoiceNumber:
		return fmt.Sprintf("invoice number %q already submitted as invoice %s",
			h.Original.InvoiceNumber, h.Original.ID)
	case SignalSameAmountAndDate:
		return fmt.Sprintf("total %d and date %s identical to invoice %s",
			h.Original.TotalAmount, h.Original.InvoiceDate, h.Original.ID)
	case SignalNearAmountSameDate:
		return fmt.Sprintf("total within 0.1%% of invoice %s (%d) on the same date %s",
			h.Original.ID, h.Original.TotalAmount, h.Original.InvoiceDate)
	}
	return "duplicate invoice"
}

// DuplicateDetector runs the multi-signal duplicate check before matching.
type DuplicateDetector struct {
	invoices InvoiceReader
}

// NewDuplicateDetector creates a new DuplicateDetector.
func NewDuplicateDetector(invoices InvoiceReader) *DuplicateDetector {
	return &DuplicateDetector{invoices: invoices}
}

// Check looks for previously-seen invoices from the same vendor within
// windowDays. Signals are evaluated in order against each candidate;
// the first satisfied signal wins. Returns nil when no duplicate found.
func (d *DuplicateDetector) Check(ctx context.Context, invoice *repository.Invoice, windowDays int) (*DuplicateHit, error) {
	if windowDays <= 0 {
		windowDays = 7
	}

	candidates, err := d.invoices.FindRecentByVendor(ctx,
		invoice.VendorID, invoice.InvoiceDate, windowDays, invoice.ID)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		if signal, ok := matchSignal(invoice, candidate); ok {
			return &DuplicateHit{Signal: signal, Original: candidate}, nil
		}
	}
	return nil, nil
}

func matchSignal(invoice, candidate *repository.Invoice) (DuplicateSignal, bool) {
	if candidate.InvoiceNumber == invoice.InvoiceNumber {
		return SignalSameInvoiceNumber, true
	}
	if candidate.TotalAmount == invoice.TotalAmount && candidate.InvoiceDate == invoice.InvoiceDate {
		return SignalSameAmountAndDate, true
	}
	if candidate.InvoiceDate == invoice.InvoiceDate && withinNearAmount(invoice.TotalAmount, candidate.TotalAmount) {
		return SignalNearAmountSameDate, true
	}
	return "", false
}

// withinNearAmount reports whether two totals differ by at most 0.1% of
// the candidate's total.
func withinNearAmount(a, b int64) bool {
	if b == 0 {
		return a == 0
	}
	diff := decimal.NewFromInt(a).Sub(decimal.NewFromInt(b)).Abs()
	limit := decimal.NewFromInt(b).Abs().Mul(nearAmountPct)
	return diff.LessThanOrEqual(limit)
}
