package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

// ExceptionSignal is a business exception produced by match computation,
// to be raised (and possibly auto-resolved) by the exception manager.
type ExceptionSignal struct {
	Code            repository.ExceptionCode
	Detail          string
	AutoResolve     bool
	AutoResolveNote string
}

// Computation is the outcome of one match attempt before persistence.
type Computation struct {
	Result  *repository.MatchResult
	Signals []ExceptionSignal
}

var oneHundred = decimal.NewFromInt(100)

// ComputeMatch reconciles an invoice against its PO and goods receipts
// under a rule version. Pure: no I/O, no clock. po may be nil (no PO
// resolvable); receipts empty selects a 2-way match. The match always
// completes and produces a definitive result; business exceptions come
// back as signals, never as errors. The only error is a tolerance
// misconfiguration, which is fatal by design.
func ComputeMatch(invoice *repository.Invoice, po *repository.PurchaseOrder, receipts []*repository.GoodsReceiptLine, rv *repository.RuleVersion) (*Computation, error) {
	matchType := repository.MatchTwoWay
	if len(receipts) > 0 {
		matchType = repository.MatchThreeWay
	}

	result := &repository.MatchResult{
		InvoiceID:     invoice.ID,
		RuleVersionID: rv.ID,
		MatchType:     matchType,
		Status:        repository.MatchStatusMatched,
	}
	comp := &Computation{Result: result}

	if po == nil {
		// No PO resolvable at all: every line is po_not_found and one
		// header-level exception is raised.
		for _, line := range invoice.Lines {
			result.Lines = append(result.Lines, &repository.LineMatchResult{
				InvoiceLineID: line.ID,
				Status:        repository.LinePONotFound,
			})
		}
		result.Status = repository.MatchStatusMismatch
		comp.Signals = append(comp.Signals, ExceptionSignal{
			Code:   repository.ExcPONotFound,
			Detail: fmt.Sprintf("no purchase order resolvable for invoice %s", invoice.InvoiceNumber),
		})
		appendTaxSignal(comp, invoice, rv)
		return comp, nil
	}

	tolerance, err := ResolveTolerance(rv, invoice.VendorID, invoice.Category)
	if err != nil {
		return nil, err
	}

	received := aggregateReceipts(receipts)

	for _, line := range invoice.Lines {
		poLine := findPOLine(line, po)
		if poLine == nil {
			// The PO exists but has no counterpart for this line.
			result.Lines = append(result.Lines, &repository.LineMatchResult{
				InvoiceLineID: line.ID,
				Status:        repository.LinePONotFound,
			})
			comp.Signals = append(comp.Signals, ExceptionSignal{
				Code: repository.ExcUnexpectedCharge,
				Detail: fmt.Sprintf("invoice line %d (%q) has no counterpart on PO %s",
					line.LineNumber, line.Description, po.PONumber),
			})
			continue
		}

		lineResult := matchLine(line, poLine, received, matchType, tolerance)
		result.Lines = append(result.Lines, lineResult)

		switch lineResult.Status {
		case repository.LineMatched:
		case repository.LineGRNNotFound:
			comp.Signals = append(comp.Signals, ExceptionSignal{
				Code: repository.ExcGRNNotFound,
				Detail: fmt.Sprintf("no goods receipt recorded for PO %s line %d",
					po.PONumber, poLine.LineNumber),
			})
		case repository.LineMismatch:
			comp.Signals = append(comp.Signals, mismatchSignal(line, poLine, lineResult))
		case repository.LinePONotFound:
			// handled above; unreachable for a resolved PO line
		}
	}

	for _, lr := range result.Lines {
		if lr.Status != repository.LineMatched {
			result.Status = repository.MatchStatusMismatch
			break
		}
	}

	appendTaxSignal(comp, invoice, rv)
	return comp, nil
}

// matchLine produces the verdict for one invoice line against its PO line.
func matchLine(line *repository.InvoiceLine, poLine *repository.POLine, received map[string]decimal.Decimal, matchType repository.MatchType, tol repository.AppliedTolerance) *repository.LineMatchResult {
	lr := &repository.LineMatchResult{
		InvoiceLineID: line.ID,
		POLineID:      &poLine.ID,
		Tolerance:     tol,
		Status:        repository.LineMatched,
	}

	// Quantity check first so 3-way can fail fast on missing receipts,
	// but price dominates when reporting the cause.
	var qtyBreach bool
	if matchType == repository.MatchThreeWay {
		agg, ok := received[poLine.ID]
		if !ok || agg.IsZero() {
			lr.Status = repository.LineGRNNotFound
			return lr
		}
		lr.QtyReceived = &agg

		// Billing less than received is a valid partial invoice; only
		// over-billing beyond tolerance breaches.
		over := line.Quantity.Sub(agg)
		if over.IsPositive() && agg.IsPositive() {
			lr.QtyVariancePct = over.Div(agg).Mul(oneHundred)
			qtyBreach = lr.QtyVariancePct.GreaterThan(tol.QtyPct)
		}
	} else {
		if poLine.Quantity.IsPositive() {
			lr.QtyVariancePct = line.Quantity.Sub(poLine.Quantity).Abs().
				Div(poLine.Quantity).Mul(oneHundred)
			qtyBreach = lr.QtyVariancePct.GreaterThan(tol.QtyPct)
		} else {
			qtyBreach = !line.Quantity.Equal(poLine.Quantity)
		}
	}

	priceBreach := false
	lr.PriceVariance = absInt64(line.UnitPrice - poLine.UnitPrice)
	if poLine.UnitPrice > 0 {
		lr.PriceVariancePct = decimal.NewFromInt(lr.PriceVariance).
			Div(decimal.NewFromInt(poLine.UnitPrice)).Mul(oneHundred)
		priceBreach = lr.PriceVariancePct.GreaterThan(tol.PricePct)
	} else {
		priceBreach = lr.PriceVariance != 0
		if priceBreach {
			lr.PriceVariancePct = oneHundred
		}
	}
	if !priceBreach && tol.PriceAbsCap != nil && lr.PriceVariance > *tol.PriceAbsCap {
		priceBreach = true
	}

	// Both within tolerance (inclusive boundary) ⇒ matched.
	if !priceBreach && !qtyBreach {
		return lr
	}

	lr.Status = repository.LineMismatch
	cause := repository.CauseQuantity
	if matchType == repository.MatchThreeWay && qtyBreach {
		cause = repository.CauseQtyOverReceipt
	}
	// Price takes precedence over quantity when both breach.
	if priceBreach {
		cause = repository.CausePrice
	}
	lr.Cause = &cause
	return lr
}

func mismatchSignal(line *repository.InvoiceLine, poLine *repository.POLine, lr *repository.LineMatchResult) ExceptionSignal {
	switch *lr.Cause {
	case repository.CausePrice:
		return ExceptionSignal{
			Code: repository.ExcPriceMismatch,
			Detail: fmt.Sprintf("line %d: unit price %d vs PO %d, variance %s%% exceeds tolerance %s%%",
				line.LineNumber, line.UnitPrice, poLine.UnitPrice,
				lr.PriceVariancePct.StringFixed(2), lr.Tolerance.PricePct.String()),
		}
	case repository.CauseQtyOverReceipt:
		return ExceptionSignal{
			Code: repository.ExcQtyMismatch,
			Detail: fmt.Sprintf("line %d: billed quantity %s exceeds received quantity %s beyond tolerance %s%%",
				line.LineNumber, line.Quantity.String(), lr.QtyReceived.String(),
				lr.Tolerance.QtyPct.String()),
		}
	case repository.CauseQuantity:
		return ExceptionSignal{
			Code: repository.ExcQtyMismatch,
			Detail: fmt.Sprintf("line %d: quantity %s vs PO %s, variance %s%% exceeds tolerance %s%%",
				line.LineNumber, line.Quantity.String(), poLine.Quantity.String(),
				lr.QtyVariancePct.StringFixed(2), lr.Tolerance.QtyPct.String()),
		}
	}
	return ExceptionSignal{Code: repository.ExcQtyMismatch, Detail: "line mismatch"}
}

// aggregateReceipts sums quantity_received per PO line across every
// receipt. Partial and repeated receipts accumulate.
func aggregateReceipts(receipts []*repository.GoodsReceiptLine) map[string]decimal.Decimal {
	agg := make(map[string]decimal.Decimal, len(receipts))
	for _, r := range receipts {
		agg[r.POLineID] = agg[r.POLineID].Add(r.QuantityReceived)
	}
	return agg
}

// findPOLine locates the candidate PO line for an invoice line: explicit
// linkage first, then description similarity as a fallback heuristic.
func findPOLine(line *repository.InvoiceLine, po *repository.PurchaseOrder) *repository.POLine {
	if line.POLineID != nil {
		for _, pl := range po.Lines {
			if pl.ID == *line.POLineID {
				return pl
			}
		}
		// A dangling explicit link gets no second chance from the
		// heuristic; it means upstream data is wrong.
		return nil
	}

	var best *repository.POLine
	bestScore := 0.0
	for _, pl := range po.Lines {
		score := descriptionSimilarity(line.Description, pl.Description)
		if score > bestScore {
			best, bestScore = pl, score
		}
	}
	if bestScore >= similarityThreshold {
		return best
	}
	return nil
}

// appendTaxSignal checks header tax consistency: tax must equal
// rate × subtotal. Differences below the configured cap auto-resolve.
func appendTaxSignal(comp *Computation, invoice *repository.Invoice, rv *repository.RuleVersion) {
	if invoice.TaxRate == nil {
		return
	}

	expected := decimal.NewFromInt(invoice.Subtotal).
		Mul(*invoice.TaxRate).Div(oneHundred).Round(0).IntPart()
	diff := absInt64(invoice.TaxAmount - expected)
	if diff == 0 {
		return
	}

	cap := rv.Payload.TaxAutoResolveCap
	detail := fmt.Sprintf("tax %d differs from %s%% of subtotal %d (expected %d) by %d",
		invoice.TaxAmount, invoice.TaxRate.String(), invoice.Subtotal, expected, diff)

	comp.Signals = append(comp.Signals, ExceptionSignal{
		Code:        repository.ExcTaxDiscrepancy,
		Detail:      detail,
		AutoResolve: diff < cap,
		AutoResolveNote: fmt.Sprintf("difference %d below auto-resolve cap %d", diff, cap),
	})
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
