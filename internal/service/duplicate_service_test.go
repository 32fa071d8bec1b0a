package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

// fakeInvoiceReader serves canned invoices and records the window it was
// queried with.
type fakeInvoiceReader struct {
	invoices   map[string]*repository.Invoice
	vendor     *repository.Vendor
	recent     []*repository.Invoice
	lastWindow int
}

func (f *fakeInvoiceReader) GetByID(ctx context.Context, id string) (*repository.Invoice, error) {
	if inv, ok := f.invoices[id]; ok {
		return inv, nil
	}
	return nil, errors.NotFound("invoice", id)
}

func (f *fakeInvoiceReader) GetVendor(ctx context.Context, vendorID string) (*repository.Vendor, error) {
	if f.vendor == nil {
		return nil, errors.NotFound("vendor", vendorID)
	}
	return f.vendor, nil
}

func (f *fakeInvoiceReader) FindRecentByVendor(ctx context.Context, vendorID, refDate string, windowDays int, excludeID string) ([]*repository.Invoice, error) {
	f.lastWindow = windowDays
	return f.recent, nil
}

func newInvoice(id, number, date string, total int64) *repository.Invoice {
	return &repository.Invoice{
		ID:            id,
		VendorID:      "vendor-1",
		InvoiceNumber: number,
		InvoiceDate:   date,
		TotalAmount:   total,
	}
}

func TestDuplicateCheck_NoCandidates(t *testing.T) {
	d := NewDuplicateDetector(&fakeInvoiceReader{})

	hit, err := d.Check(context.Background(), newInvoice("inv-1", "INV-1", "2026-03-10", 10000), 7)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestDuplicateCheck_SameInvoiceNumber(t *testing.T) {
	original := newInvoice("inv-0", "INV-1", "2026-03-08", 99999)
	d := NewDuplicateDetector(&fakeInvoiceReader{recent: []*repository.Invoice{original}})

	hit, err := d.Check(context.Background(), newInvoice("inv-1", "INV-1", "2026-03-10", 10000), 7)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, SignalSameInvoiceNumber, hit.Signal)
	assert.Equal(t, "inv-0", hit.Original.ID)
	assert.Contains(t, hit.Detail(), "INV-1")
}

func TestDuplicateCheck_SameAmountAndDate(t *testing.T) {
	original := newInvoice("inv-0", "INV-9", "2026-03-10", 10000)
	d := NewDuplicateDetector(&fakeInvoiceReader{recent: []*repository.Invoice{original}})

	hit, err := d.Check(context.Background(), newInvoice("inv-1", "INV-1", "2026-03-10", 10000), 7)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, SignalSameAmountAndDate, hit.Signal)
}

func TestDuplicateCheck_NearAmountSameDate(t *testing.T) {
	// 100000 vs 100099: within 0.1%.
	original := newInvoice("inv-0", "INV-9", "2026-03-10", 100000)
	d := NewDuplicateDetector(&fakeInvoiceReader{recent: []*repository.Invoice{original}})

	hit, err := d.Check(context.Background(), newInvoice("inv-1", "INV-1", "2026-03-10", 100099), 7)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, SignalNearAmountSameDate, hit.Signal)
}

func TestDuplicateCheck_NearAmountOutsideBand(t *testing.T) {
	// 100000 vs 100200: 0.2%, outside the band, and different date rules
	// out same_amount_and_date anyway.
	original := newInvoice("inv-0", "INV-9", "2026-03-10", 100000)
	d := NewDuplicateDetector(&fakeInvoiceReader{recent: []*repository.Invoice{original}})

	hit, err := d.Check(context.Background(), newInvoice("inv-1", "INV-1", "2026-03-10", 100200), 7)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestDuplicateCheck_DifferentDateNoNearAmountSignal(t *testing.T) {
	original := newInvoice("inv-0", "INV-9", "2026-03-08", 100000)
	d := NewDuplicateDetector(&fakeInvoiceReader{recent: []*repository.Invoice{original}})

	hit, err := d.Check(context.Background(), newInvoice("inv-1", "INV-1", "2026-03-10", 100050), 7)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestDuplicateCheck_SignalPriorityOrder(t *testing.T) {
	// A candidate matching both number and amount reports the number
	// signal, which is checked first.
	original := newInvoice("inv-0", "INV-1", "2026-03-10", 10000)
	d := NewDuplicateDetector(&fakeInvoiceReader{recent: []*repository.Invoice{original}})

	hit, err := d.Check(context.Background(), newInvoice("inv-1", "INV-1", "2026-03-10", 10000), 7)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, SignalSameInvoiceNumber, hit.Signal)
}

func TestDuplicateCheck_DefaultsWindowWhenUnset(t *testing.T) {
	reader := &fakeInvoiceReader{}
	d := NewDuplicateDetector(reader)

	_, err := d.Check(context.Background(), newInvoice("inv-1", "INV-1", "2026-03-10", 10000), 0)
	require.NoError(t, err)
	assert.Equal(t, 7, reader.lastWindow)
}
