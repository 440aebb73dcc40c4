package accrual

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/odyssey-erp/accruals/internal/accounting"
)

func dec2date(raw string) time.Time {
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDeriveState(t *testing.T) {
	posted := accounting.JournalStatusPosted
	draft := accounting.JournalStatusDraft
	cancelled := accounting.JournalStatusCancelled

	cases := []struct {
		name       string
		accrual    *accounting.JournalStatus
		reversal   *accounting.JournalStatus
		adjustment bool
		want       State
	}{
		{"no journal", nil, nil, false, StateDraft},
		{"accrual cancelled", &cancelled, &draft, false, StateCancelled},
		{"reversal cancelled", &posted, &cancelled, false, StateCancelled},
		{"accrual draft", &draft, nil, false, StateDraft},
		{"posted with draft reversal", &posted, &draft, false, StateAccrued},
		{"posted without reversal", &posted, nil, false, StateAccrued},
		{"reversal posted", &posted, &posted, false, StateReversed},
		{"adjustment posted", &posted, nil, true, StateAccrued},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveState(tc.accrual, tc.reversal, tc.adjustment))
		})
	}
}

func TestScenarioEntryTypes(t *testing.T) {
	assert.Equal(t, accounting.EntryTypeAccruedSystem, ScenarioDefault.EntryType())
	assert.Equal(t, accounting.EntryTypeAccruedManual, ScenarioOverride.EntryType())
	assert.Equal(t, accounting.EntryTypeAccruedManual, ScenarioCancelReplace.EntryType())
	assert.Equal(t, accounting.EntryTypeAdjustmentManual, ScenarioAdjustment.EntryType())
	assert.False(t, Scenario("bogus").Valid())
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateAccrued.Posted())
	assert.True(t, StateReversed.Posted())
	assert.False(t, StateDraft.Posted())
	assert.True(t, StateDraft.Active())
	assert.False(t, StateCancelled.Active())
}

func TestScenarioErrorGroupsOrdersByReason(t *testing.T) {
	verr := &ScenarioError{Scenario: ScenarioOverride}
	assert.True(t, verr.Empty())
	verr.Add(ReasonHasExisting, "SO002")
	verr.Add(ReasonHasExisting, "SO001")
	verr.Add(ReasonOrderNotFound, "#9")

	assert.False(t, verr.Empty())
	assert.True(t, errors.Is(verr, ErrScenarioIncompatible))
	assert.Equal(t, []string{"SO002", "SO001"}, verr.Reasons[ReasonHasExisting])
	assert.Contains(t, verr.Error(), "orders already have accruals in the period: SO002, SO001")
	assert.Contains(t, verr.Error(), "orders not found: #9")
}

func TestWindowContainsBounds(t *testing.T) {
	w := Window{From: dec2date("2024-03-31"), To: dec2date("2024-04-01")}
	assert.True(t, w.Contains(dec2date("2024-03-31")))
	assert.True(t, w.Contains(dec2date("2024-04-01")))
	assert.False(t, w.Contains(dec2date("2024-03-30")))
	assert.False(t, w.Contains(dec2date("2024-04-02")))
}
