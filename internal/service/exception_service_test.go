package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

func newExceptionManager(store *fakeExceptionStore, audit *fakeAudit, pub *fakePublisher) *ExceptionManager {
	return NewExceptionManager(store, audit, pub, nil, testLogger())
}

func TestRaise_CreatesOpenExceptionWithRouting(t *testing.T) {
	store := &fakeExceptionStore{}
	audit := &fakeAudit{}
	pub := &fakePublisher{}
	m := newExceptionManager(store, audit, pub)

	rec, err := m.Raise(context.Background(), RaiseRequest{
		InvoiceID: "inv-1",
		Code:      repository.ExcPriceMismatch,
		Detail:    "line 1: unit price 1050 vs PO 1000",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, repository.ExceptionOpen, rec.Status)
	assert.Equal(t, repository.SeverityMedium, rec.Severity)
	require.NotNil(t, rec.Assignee)
	assert.Equal(t, "queue:ap-analysts", *rec.Assignee)
	assert.Equal(t, []string{"raised"}, audit.actions("exception"))
	assert.Contains(t, pub.events, "exception_raised")
}

func TestRaise_CriticalSeverityRoutesToSeniorQueue(t *testing.T) {
	store := &fakeExceptionStore{}
	m := newExceptionManager(store, &fakeAudit{}, &fakePublisher{})

	rec, err := m.Raise(context.Background(), RaiseRequest{
		InvoiceID: "inv-1",
		Code:      repository.ExcVendorDataMismatch,
		Detail:    "bank account differs from vendor master",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, repository.SeverityCritical, rec.Severity)
	assert.Equal(t, "queue:ap-senior-analysts", *rec.Assignee)
}

func TestRaise_IdempotentPerOpenCode(t *testing.T) {
	store := &fakeExceptionStore{}
	audit := &fakeAudit{}
	m := newExceptionManager(store, audit, &fakePublisher{})
	ctx := context.Background()

	first, err := m.Raise(ctx, RaiseRequest{
		InvoiceID: "inv-1", Code: repository.ExcQtyMismatch, Detail: "first",
	})
	require.NoError(t, err)
	require.NotNil(t, first)

	// Re-matching raises the same signal again; no second record.
	second, err := m.Raise(ctx, RaiseRequest{
		InvoiceID: "inv-1", Code: repository.ExcQtyMismatch, Detail: "second",
	})
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, store.records, 1)
	assert.Equal(t, []string{"raised"}, audit.actions("exception"))
}

func TestRaise_NewRecordAfterResolution(t *testing.T) {
	store := &fakeExceptionStore{}
	m := newExceptionManager(store, &fakeAudit{}, &fakePublisher{})
	ctx := context.Background()

	first, err := m.Raise(ctx, RaiseRequest{
		InvoiceID: "inv-1", Code: repository.ExcQtyMismatch, Detail: "first",
	})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, first.ID, repository.ExceptionResolved, "analyst", nil))

	// The dedupe scope is open records only.
	second, err := m.Raise(ctx, RaiseRequest{
		InvoiceID: "inv-1", Code: repository.ExcQtyMismatch, Detail: "second",
	})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Len(t, store.records, 2)
}

func TestRaise_TaxDiscrepancyAutoResolves(t *testing.T) {
	store := &fakeExceptionStore{}
	audit := &fakeAudit{}
	pub := &fakePublisher{}
	m := newExceptionManager(store, audit, pub)

	rec, err := m.Raise(context.Background(), RaiseRequest{
		InvoiceID:       "inv-1",
		Code:            repository.ExcTaxDiscrepancy,
		Detail:          "tax off by 50",
		AutoResolve:     true,
		AutoResolveNote: "difference 50 below auto-resolve cap 100",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, repository.ExceptionResolved, rec.Status)
	require.NotNil(t, rec.ResolutionNote)
	assert.Contains(t, *rec.ResolutionNote, "below auto-resolve cap")
	assert.Equal(t, []string{"raised", "auto_resolved"}, audit.actions("exception"))
	// Auto-resolved exceptions do not page anyone.
	assert.NotContains(t, pub.events, "exception_raised")
}

func TestRaise_AutoResolveIgnoredForNonResolvableCode(t *testing.T) {
	store := &fakeExceptionStore{}
	m := newExceptionManager(store, &fakeAudit{}, &fakePublisher{})

	rec, err := m.Raise(context.Background(), RaiseRequest{
		InvoiceID:       "inv-1",
		Code:            repository.ExcDuplicateInvoice,
		Detail:          "duplicate",
		AutoResolve:     true,
		AutoResolveNote: "should not apply",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, repository.ExceptionOpen, rec.Status)
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	store := &fakeExceptionStore{}
	m := newExceptionManager(store, &fakeAudit{}, &fakePublisher{})
	ctx := context.Background()

	rec, err := m.Raise(ctx, RaiseRequest{
		InvoiceID: "inv-1", Code: repository.ExcPriceMismatch, Detail: "d",
	})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, rec.ID, repository.ExceptionResolved, "analyst", nil))

	err = m.Transition(ctx, rec.ID, repository.ExceptionEscalated, "analyst", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.Code(err))
}

func TestTransition_CannotReopen(t *testing.T) {
	store := &fakeExceptionStore{}
	m := newExceptionManager(store, &fakeAudit{}, &fakePublisher{})
	ctx := context.Background()

	rec, err := m.Raise(ctx, RaiseRequest{
		InvoiceID: "inv-1", Code: repository.ExcPriceMismatch, Detail: "d",
	})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, rec.ID, repository.ExceptionInProgress, "analyst", nil))

	err = m.Transition(ctx, rec.ID, repository.ExceptionOpen, "analyst", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))
}

func TestTransition_InProgressTakesAssignee(t *testing.T) {
	store := &fakeExceptionStore{}
	m := newExceptionManager(store, &fakeAudit{}, &fakePublisher{})
	ctx := context.Background()

	rec, err := m.Raise(ctx, RaiseRequest{
		InvoiceID: "inv-1", Code: repository.ExcGRNNotFound, Detail: "d",
	})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, rec.ID, repository.ExceptionInProgress, "analyst-7", nil))

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Assignee)
	assert.Equal(t, "analyst-7", *got.Assignee)
}

func TestOpenCount(t *testing.T) {
	store := &fakeExceptionStore{}
	m := newExceptionManager(store, &fakeAudit{}, &fakePublisher{})
	ctx := context.Background()

	_, err := m.Raise(ctx, RaiseRequest{InvoiceID: "inv-1", Code: repository.ExcPriceMismatch, Detail: "d"})
	require.NoError(t, err)
	rec, err := m.Raise(ctx, RaiseRequest{InvoiceID: "inv-1", Code: repository.ExcQtyMismatch, Detail: "d"})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, rec.ID, repository.ExceptionResolved, "analyst", nil))

	n, err := m.OpenCount(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
