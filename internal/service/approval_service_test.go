package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
)

type approvalFixture struct {
	router *ApprovalRouter
	store  *fakeApprovalStore
	status *fakeStatusWriter
	audit  *fakeAudit
	pub    *fakePublisher
	tokens *TokenIssuer
}

func newApprovalFixture(t *testing.T, invoice *repository.Invoice, matrix ...*repository.ApprovalMatrixRow) *approvalFixture {
	t.Helper()
	store := newFakeApprovalStore(matrix...)
	status := newFakeStatusWriter()
	audit := &fakeAudit{}
	pub := &fakePublisher{}
	tokens := NewTokenIssuer("test-signing-key", "test", time.Hour)
	reader := &fakeInvoiceReader{invoices: map[string]*repository.Invoice{invoice.ID: invoice}}

	return &approvalFixture{
		router: NewApprovalRouter(store, reader, status, tokens, audit, pub, nil, testLogger()),
		store:  store,
		status: status,
		audit:  audit,
		pub:    pub,
		tokens: tokens,
	}
}

func approvalInvoice(total int64) *repository.Invoice {
	return &repository.Invoice{
		ID:          "inv-1",
		VendorID:    "vendor-1",
		TotalAmount: total,
		FraudLevel:  repository.FraudNone,
		CostCenter:  strPtr("cc-100"),
	}
}

func twoStepMatrix() []*repository.ApprovalMatrixRow {
	return []*repository.ApprovalMatrixRow{
		{ID: "row-1", MinAmount: 0, Step: 1, ApproverID: "manager-1", RequiredApprovals: 1, Active: true},
		{ID: "row-2", MinAmount: 100000, Step: 2, ApproverID: "director-1", RequiredApprovals: 1, Active: true},
	}
}

func TestCreateChain_OnlyFirstStepMaterialized(t *testing.T) {
	inv := approvalInvoice(250000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)

	tasks, err := f.router.CreateChain(context.Background(), inv)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Step)
	assert.Equal(t, "manager-1", tasks[0].ApproverID)
	assert.Equal(t, repository.TaskPending, tasks[0].Status)

	// Only the step-1 task exists in the store.
	assert.Len(t, f.store.tasks, 1)
	// A single-use action token was persisted for the task.
	assert.Len(t, f.store.tokens, 1)
	assert.Contains(t, f.pub.events, "approval_required")
}

func TestCreateChain_AmountBandFiltering(t *testing.T) {
	// Below the step-2 band: only step 1 applies; approving it closes
	// the chain.
	inv := approvalInvoice(50000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, f.router.Decide(ctx, tasks[0].ID, "manager-1", true, nil))

	assert.Equal(t, repository.InvoiceApproved, f.status.statuses["inv-1"])
	assert.Equal(t, "manager-1", f.status.approvedBy["inv-1"])
	assert.Len(t, f.store.tasks, 1)
}

func TestCreateChain_FallbackDefaultStep(t *testing.T) {
	inv := approvalInvoice(5000)
	f := newApprovalFixture(t, inv, &repository.ApprovalMatrixRow{
		ID: "row-1", MinAmount: 0, CostCenter: strPtr("cc-other"),
		Step: 1, ApproverID: "manager-1", RequiredApprovals: 1, Active: true,
	})

	tasks, err := f.router.CreateChain(context.Background(), inv)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, defaultApprover, tasks[0].ApproverID)
}

func TestCreateChain_FraudCriticalForcesDualAuthorization(t *testing.T) {
	inv := approvalInvoice(250000)
	inv.FraudLevel = repository.FraudCritical
	f := newApprovalFixture(t, inv, twoStepMatrix()...)

	tasks, err := f.router.CreateChain(context.Background(), inv)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].RequiredApprovals)
}

func TestDecide_SequentialGating(t *testing.T) {
	inv := approvalInvoice(250000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	require.NoError(t, f.router.Decide(ctx, tasks[0].ID, "manager-1", true, nil))

	// Step 1 approved; step 2 materialized, invoice still undecided.
	assert.Equal(t, repository.TaskApproved, f.store.tasks[tasks[0].ID].Status)
	require.Len(t, f.store.tasks, 2)
	assert.NotEqual(t, repository.InvoiceApproved, f.status.statuses["inv-1"])

	var step2 *repository.ApprovalTask
	for _, task := range f.store.tasks {
		if task.Step == 2 {
			step2 = task
		}
	}
	require.NotNil(t, step2)
	assert.Equal(t, "director-1", step2.ApproverID)

	require.NoError(t, f.router.Decide(ctx, step2.ID, "director-1", true, nil))
	assert.Equal(t, repository.InvoiceApproved, f.status.statuses["inv-1"])
	assert.Contains(t, f.pub.events, "invoice_approved")
}

func TestDecide_RejectionTerminatesChain(t *testing.T) {
	inv := approvalInvoice(250000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	note := "pricing looks wrong"
	require.NoError(t, f.router.Decide(ctx, tasks[0].ID, "manager-1", false, &note))

	assert.Equal(t, repository.TaskRejected, f.store.tasks[tasks[0].ID].Status)
	assert.Equal(t, repository.InvoiceExceptionReview, f.status.statuses["inv-1"])
	// No step-2 task was created.
	assert.Len(t, f.store.tasks, 1)
	assert.Contains(t, f.pub.events, "invoice_rejected")
}

func TestDecide_AlreadyDecidedTaskConflicts(t *testing.T) {
	inv := approvalInvoice(50000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)
	require.NoError(t, f.router.Decide(ctx, tasks[0].ID, "manager-1", true, nil))

	err = f.router.Decide(ctx, tasks[0].ID, "manager-1", true, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.Code(err))
}

func TestDecide_WrongApproverUnauthorized(t *testing.T) {
	inv := approvalInvoice(50000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	err = f.router.Decide(ctx, tasks[0].ID, "intruder", true, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))
}

func TestDecide_DualAuthorizationNeedsTwoDistinctApprovers(t *testing.T) {
	inv := approvalInvoice(50000)
	inv.FraudLevel = repository.FraudCritical
	f := newApprovalFixture(t, inv, &repository.ApprovalMatrixRow{
		ID: "row-1", MinAmount: 0, Step: 1, ApproverID: "role:finance",
		RequiredApprovals: 1, Active: true,
	})
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)
	require.Equal(t, 2, tasks[0].RequiredApprovals)

	// First approval: the task stays pending.
	require.NoError(t, f.router.Decide(ctx, tasks[0].ID, "user-a", true, nil))
	assert.Equal(t, repository.TaskPending, f.store.tasks[tasks[0].ID].Status)
	assert.NotEqual(t, repository.InvoiceApproved, f.status.statuses["inv-1"])

	// The same approver cannot count twice.
	err = f.router.Decide(ctx, tasks[0].ID, "user-a", true, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.Code(err))

	// A second distinct approver completes the task.
	require.NoError(t, f.router.Decide(ctx, tasks[0].ID, "user-b", true, nil))
	assert.Equal(t, repository.TaskApproved, f.store.tasks[tasks[0].ID].Status)
	assert.Equal(t, repository.InvoiceApproved, f.status.statuses["inv-1"])
}

func TestDecideByToken_HappyPath(t *testing.T) {
	inv := approvalInvoice(50000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	issued, err := f.tokens.Issue(tasks[0].ID, "manager-1")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateToken(ctx, &repository.ApprovalToken{
		JTI: issued.JTI, TaskID: tasks[0].ID, ApproverID: "manager-1", ExpiresAt: issued.ExpiresAt,
	}))

	require.NoError(t, f.router.DecideByToken(ctx, issued.Token, true, nil))
	assert.Equal(t, repository.InvoiceApproved, f.status.statuses["inv-1"])

	// The decision arrived through the email channel.
	require.NotEmpty(t, f.store.decisions)
	assert.Equal(t, repository.ChannelEmailToken, f.store.decisions[len(f.store.decisions)-1].Channel)
}

func TestDecideByToken_ReplayRejected(t *testing.T) {
	inv := approvalInvoice(250000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	issued, err := f.tokens.Issue(tasks[0].ID, "manager-1")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateToken(ctx, &repository.ApprovalToken{
		JTI: issued.JTI, TaskID: tasks[0].ID, ApproverID: "manager-1", ExpiresAt: issued.ExpiresAt,
	}))

	require.NoError(t, f.router.DecideByToken(ctx, issued.Token, true, nil))

	err = f.router.DecideByToken(ctx, issued.Token, true, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.Code(err))
	assert.Contains(t, err.Error(), "already been used")
}

func TestDecideByToken_ExpiredRejectedWithDistinctReason(t *testing.T) {
	inv := approvalInvoice(250000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	// A token whose signature is valid for another hour but whose
	// server-side record already expired.
	issued, err := f.tokens.Issue(tasks[0].ID, "manager-1")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateToken(ctx, &repository.ApprovalToken{
		JTI: issued.JTI, TaskID: tasks[0].ID, ApproverID: "manager-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	err = f.router.DecideByToken(ctx, issued.Token, true, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestDecideByToken_GarbageTokenRejected(t *testing.T) {
	inv := approvalInvoice(250000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)

	err := f.router.DecideByToken(context.Background(), "not-a-jwt", true, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))
}

func TestDelegate_MovesTaskAndAllowsDelegateToDecide(t *testing.T) {
	inv := approvalInvoice(50000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	require.NoError(t, f.router.Delegate(ctx, tasks[0].ID, "manager-1", "manager-2", "on leave"))
	require.NoError(t, f.router.Decide(ctx, tasks[0].ID, "manager-2", true, nil))
	assert.Equal(t, repository.InvoiceApproved, f.status.statuses["inv-1"])
}

func TestDelegate_RequiresReason(t *testing.T) {
	inv := approvalInvoice(50000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	err = f.router.Delegate(ctx, tasks[0].ID, "manager-1", "manager-2", "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))
}

func TestExpireOverdue(t *testing.T) {
	inv := approvalInvoice(250000)
	f := newApprovalFixture(t, inv, twoStepMatrix()...)
	ctx := context.Background()

	tasks, err := f.router.CreateChain(ctx, inv)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	f.store.tasks[tasks[0].ID].DueAt = &past

	n, err := f.router.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, repository.TaskExpired, f.store.tasks[tasks[0].ID].Status)
}
