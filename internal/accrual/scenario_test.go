package accrual

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/internal/shared"
)

func twoOrders() (sales.Order, sales.Order) {
	first, second := fixtureOrder(), fixtureOrder()
	second.ID, second.Name = 8, "SO002"
	return first, second
}

func TestRunBatchDefaultSkipsIneligibleAndAccrued(t *testing.T) {
	first, second := twoOrders()
	ineligible := fixtureOrder()
	ineligible.ID, ineligible.Name, ineligible.CEStatus = 9, "SO003", sales.CEStatusDraft
	h := newHarness(first, second, ineligible)

	_, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 8, Date: marchEnd})
	require.NoError(t, err)

	result, err := h.svc.RunBatch(context.Background(), BatchInput{
		CompanyID: 1, Scenario: ScenarioDefault, OrderIDs: []int64{7, 8, 9}, Date: marchEnd,
	})
	require.NoError(t, err)

	require.Len(t, result.Created, 1)
	assert.Equal(t, int64(7), result.Created[0].OrderID)
	require.Len(t, result.Skipped, 2)
	assert.Equal(t, BatchSkip{OrderID: 8, OrderName: "SO002", Reason: ReasonAlreadyAccrued}, result.Skipped[0])
	assert.Equal(t, BatchSkip{OrderID: 9, OrderName: "SO003", Reason: "invalid status (status: draft)"}, result.Skipped[1])
	assert.Empty(t, result.Failed)
}

func TestRunBatchIgnoresCancelledRecordsInWindow(t *testing.T) {
	h := newHarness(fixtureOrder())
	record, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd})
	require.NoError(t, err)
	_, err = h.svc.Cancel(context.Background(), record.ID, "")
	require.NoError(t, err)

	result, err := h.svc.RunBatch(context.Background(), BatchInput{CompanyID: 1, Scenario: ScenarioDefault, OrderIDs: []int64{7}, Date: marchEnd})
	require.NoError(t, err)
	assert.Len(t, result.Created, 1)
}

func TestRunBatchRechecksWindowOnceLocked(t *testing.T) {
	h := newHarness(fixtureOrder())
	h.locker.held = func(string) {
		h.locker.held = nil
		// another worker accrues the order between collection and locking
		_, err := h.svc.create(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd})
		require.NoError(t, err)
	}

	result, err := h.svc.RunBatch(context.Background(), BatchInput{CompanyID: 1, Scenario: ScenarioDefault, OrderIDs: []int64{7}, Date: marchEnd})
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Equal(t, []BatchSkip{{OrderID: 7, OrderName: "SO001", Reason: ReasonAlreadyAccrued}}, result.Skipped)
	assert.Len(t, h.repo.records, 1)
}

func TestRunBatchOverrideRejectsExisting(t *testing.T) {
	first, second := twoOrders()
	h := newHarness(first, second)
	_, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 8, Date: marchEnd})
	require.NoError(t, err)

	_, err = h.svc.RunBatch(context.Background(), BatchInput{
		CompanyID: 1, Scenario: ScenarioOverride, OrderIDs: []int64{7, 8, 42}, Date: marchEnd,
	})
	var verr *ScenarioError
	require.True(t, errors.As(err, &verr))
	assert.ErrorIs(t, err, ErrScenarioIncompatible)
	assert.Equal(t, []string{"SO002"}, verr.Reasons[ReasonHasExisting])
	assert.Equal(t, []string{"#42"}, verr.Reasons[ReasonOrderNotFound])
	assert.Len(t, h.repo.records, 1)
}

func TestRunBatchOverrideCreatesManualAccruals(t *testing.T) {
	ineligible := fixtureOrder()
	ineligible.CEStatus = sales.CEStatusClosed
	h := newHarness(ineligible)

	result, err := h.svc.RunBatch(shared.ContextWithActor(context.Background(), "bob"), BatchInput{
		CompanyID: 1, Scenario: ScenarioOverride, OrderIDs: []int64{7}, Date: marchEnd, AutoPost: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	created := result.Created[0]
	assert.Equal(t, accounting.EntryTypeAccruedManual, created.EntryType)
	assert.Equal(t, StateAccrued, created.State)
	assert.Equal(t, "bob", created.CreatedBy)
}

func TestRunBatchCancelReplace(t *testing.T) {
	first, second := twoOrders()
	h := newHarness(first, second)
	posted, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd, AutoPost: true})
	require.NoError(t, err)
	_, err = h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 8, Date: marchEnd})
	require.NoError(t, err)

	_, err = h.svc.RunBatch(context.Background(), BatchInput{
		CompanyID: 1, Scenario: ScenarioCancelReplace, OrderIDs: []int64{7, 8}, Date: marchEnd,
	})
	var verr *ScenarioError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"SO002"}, verr.Reasons[ReasonNoAccrued])
	assert.Equal(t, StateAccrued, h.repo.records[posted.ID].State)

	result, err := h.svc.RunBatch(context.Background(), BatchInput{
		CompanyID: 1, Scenario: ScenarioCancelReplace, OrderIDs: []int64{7}, Date: marchEnd, AutoPost: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{posted.ID}, result.Replaced)
	require.Len(t, result.Created, 1)
	assert.Equal(t, StateCancelled, h.repo.records[posted.ID].State)
	assert.Equal(t, accounting.JournalStatusCancelled, h.ledger.entries[*posted.AccrualEntryID].Status)
	assert.Equal(t, StateAccrued, result.Created[0].State)
	assert.Equal(t, accounting.EntryTypeAccruedManual, result.Created[0].EntryType)
}

func TestRunBatchCancelReplaceKeepsRecordsWhenNothingToRebuild(t *testing.T) {
	h := newHarness(fixtureOrder())
	posted, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd, AutoPost: true})
	require.NoError(t, err)

	order := h.orders.orders[7]
	order.Lines[0].InvoicedQty = order.Lines[0].OrderedQty
	order.Lines[1].InvoicedQty = order.Lines[1].OrderedQty
	h.orders.orders[7] = order

	result, err := h.svc.RunBatch(context.Background(), BatchInput{
		CompanyID: 1, Scenario: ScenarioCancelReplace, OrderIDs: []int64{7}, Date: marchEnd, AutoPost: true,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Replaced)
	assert.Empty(t, result.Created)
	assert.Equal(t, []BatchSkip{{OrderID: 7, OrderName: "SO001", Reason: ReasonNoLines}}, result.Skipped)
	assert.Equal(t, StateAccrued, h.repo.records[posted.ID].State)
	assert.Equal(t, accounting.JournalStatusPosted, h.ledger.entries[*posted.AccrualEntryID].Status)
}

func TestRunBatchAdjustmentValidation(t *testing.T) {
	first, second := twoOrders()
	third := fixtureOrder()
	third.ID, third.Name = 9, "SO003"
	h := newHarness(first, second, third)

	_, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 8, Date: marchEnd})
	require.NoError(t, err)
	_, err = h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 9, Date: marchEnd, AutoPost: true})
	require.NoError(t, err)

	_, err = h.svc.RunBatch(context.Background(), BatchInput{
		CompanyID: 1, Scenario: ScenarioAdjustment, OrderIDs: []int64{7, 8, 9}, Date: marchEnd,
	})
	var verr *ScenarioError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"SO001"}, verr.Reasons[ReasonNoHistory])
	assert.Equal(t, []string{"SO002"}, verr.Reasons[ReasonNoAccrued])
	// SO003 is posted but nothing was invoiced since, so no adjustment is due.
	assert.Equal(t, []string{"SO003"}, verr.Reasons[ReasonNoAmount])
}

func TestRunBatchAdjustmentPostsDifference(t *testing.T) {
	h := newHarness(fixtureOrder())
	original, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd, AutoPost: true})
	require.NoError(t, err)

	order := h.orders.orders[7]
	order.Lines[0].InvoicedQty = dec("6")
	h.orders.orders[7] = order

	result, err := h.svc.RunBatch(context.Background(), BatchInput{
		CompanyID: 1, Scenario: ScenarioAdjustment, OrderIDs: []int64{7}, Date: marchEnd, AutoPost: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	adj := result.Created[0]
	assert.Equal(t, accounting.EntryTypeAdjustmentManual, adj.EntryType)
	assert.Nil(t, adj.ReversalDate)
	assert.Nil(t, adj.ReversalEntryID)
	assert.Equal(t, StateAccrued, adj.State)
	assert.True(t, adj.Total.Equal(dec("200")))
	require.Len(t, adj.Lines, 2)
	assert.True(t, adj.Lines[0].Debit.Equal(dec("200")))
	assert.True(t, adj.Lines[1].Credit.Equal(dec("200")))

	assert.Len(t, h.ledger.reversals, 1)
	assert.Equal(t, StateAccrued, h.repo.records[original.ID].State)
}

func TestRunBatchAdjustmentTwiceHasNothingLeft(t *testing.T) {
	h := newHarness(fixtureOrder())
	_, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 7, Date: marchEnd, AutoPost: true})
	require.NoError(t, err)

	order := h.orders.orders[7]
	order.Lines[0].InvoicedQty = dec("6")
	h.orders.orders[7] = order

	in := BatchInput{CompanyID: 1, Scenario: ScenarioAdjustment, OrderIDs: []int64{7}, Date: marchEnd, AutoPost: true}
	first, err := h.svc.RunBatch(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	_, err = h.svc.RunBatch(context.Background(), in)
	var verr *ScenarioError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"SO001"}, verr.Reasons[ReasonNoAmount])
	assert.Len(t, h.repo.records, 2)
}

func TestPreviewReportsExistingAndProposed(t *testing.T) {
	first, second := twoOrders()
	h := newHarness(first, second)
	_, err := h.svc.CreateForOrder(context.Background(), CreateInput{CompanyID: 1, OrderID: 8, Date: marchEnd})
	require.NoError(t, err)

	items, err := h.svc.Preview(context.Background(), PreviewInput{CompanyID: 1, Date: marchEnd})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "SO001", items[0].OrderName)
	assert.False(t, items[0].HasExisting)
	assert.True(t, items[0].ProposedAmount.Equal(dec("700")))
	assert.True(t, items[0].Eligible)

	assert.True(t, items[1].HasExisting)
	assert.Len(t, items[1].Existing, 1)
	assert.True(t, items[1].ExistingTotal.Equal(dec("700")))
	assert.Empty(t, h.ledger.postings)
}

func TestSyncRunsDefaultScenarioAsSystem(t *testing.T) {
	first, second := twoOrders()
	second.CEStatus = sales.CEStatusCancelled
	h := newHarness(first, second)

	result, err := h.svc.Sync(shared.ContextWithActor(context.Background(), "alice"), 1, marchEnd, true)
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Equal(t, shared.SystemActor, result.Created[0].CreatedBy)
	assert.Equal(t, StateAccrued, result.Created[0].State)

	again, err := h.svc.Sync(context.Background(), 1, marchEnd, true)
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	assert.Equal(t, ReasonAlreadyAccrued, again.Skipped[0].Reason)
}

func TestRunBatchReportsPerOrderFailures(t *testing.T) {
	h := newHarness(fixtureOrder())
	h.ledger.postErr = accounting.ErrPeriodLocked

	result, err := h.svc.RunBatch(context.Background(), BatchInput{
		CompanyID: 1, Scenario: ScenarioDefault, OrderIDs: []int64{7}, Date: marchEnd, AutoPost: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Message, "period locked")
	assert.Empty(t, result.Created)
}
