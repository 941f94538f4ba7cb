package ledger

import (
	"errors"
	"testing"

	"github.com/arnavshah/rota-api-go/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_DebtConservation(t *testing.T) {
	got := Reconcile([]int{3}, []int{7}, map[int]bool{3: true, 5: true})
	assert.Equal(t, []int{7}, got)
}

func TestReconcile_Idempotent(t *testing.T) {
	before := []int{4, 2, 9}
	newDebt := []int{9, 11, 2, 6}
	seated := map[int]bool{2: true, 6: true}

	first := Reconcile(before, newDebt, seated)
	second := Reconcile(before, newDebt, seated)
	assert.Equal(t, first, second)
	assert.Equal(t, []int{4, 9, 11}, first)

	// Feeding the output back in changes nothing further
	assert.Equal(t, first, Reconcile(first, nil, seated))
}

func TestReconcileCredit(t *testing.T) {
	got := ReconcileCredit([]int{1, 2}, []int{5, 1}, map[int]bool{2: true}, []int{5})
	assert.Equal(t, []int{1}, got)
}

func TestFromRoster(t *testing.T) {
	members := []models.RosterMember{
		{ID: 2, Name: "b", Active: true},
		{ID: 5, Name: "e", Active: true},
		{ID: 3, Name: "c", Active: false},
		{ID: 9, Name: "i", Active: false},
	}
	r, disabled, err := FromRoster(members)
	require.NoError(t, err)
	assert.Equal(t, IDRange{Min: 2, Max: 5}, r)
	assert.Equal(t, []int{3, 4}, disabled)

	_, _, err = FromRoster([]models.RosterMember{{ID: 1, Active: false}})
	assert.ErrorIs(t, err, ErrEmptyRoster)
}

func TestIDRange_IDAt(t *testing.T) {
	r := IDRange{Min: 3, Max: 5}
	assert.Equal(t, 3, r.IDAt(1))
	assert.Equal(t, 5, r.IDAt(3))
	assert.Equal(t, 3, r.IDAt(4))
	assert.Equal(t, 0, r.IDAt(0))
}

func TestVerify(t *testing.T) {
	before := NewState("lineage")
	before.MainPointer = 10

	after := before.Clone()
	after.MainPointer = 9
	assert.True(t, errors.Is(Verify(before, after), ErrPointerRegressed))

	// A new lineage may restart the pointer
	after.SeedAnchor = "other"
	assert.NoError(t, Verify(before, after))

	after = before.Clone()
	after.SchedulePool = []models.DutyDay{{Date: "2025-01-01"}, {Date: "2025-01-01"}}
	assert.ErrorIs(t, Verify(before, after), ErrDuplicateDate)

	after = before.Clone()
	after.DebtSet = []int{1, 2}
	after.CreditSet = []int{2}
	assert.ErrorIs(t, Verify(before, after), ErrDebtCreditShared)
}

func TestLedger_SnapshotIsolation(t *testing.T) {
	l := New(nil)
	snap := l.Snapshot()
	snap.DebtSet = append(snap.DebtSet, 42)
	assert.Empty(t, l.Snapshot().DebtSet)

	next := snap.Clone()
	next.MainPointer = 7
	l.Replace(next)
	next.MainPointer = 99
	assert.Equal(t, 7, l.Snapshot().MainPointer)
}

func TestMigrate(t *testing.T) {
	s := Migrate(&models.RotationState{Version: 1, DebtSet: []int{3, 3, 1}})
	assert.Equal(t, StateVersion, s.Version)
	assert.Equal(t, []int{3, 1}, s.DebtSet)
	assert.NotEmpty(t, s.SeedAnchor)
	assert.NotNil(t, s.SchedulePool)
}

func TestOrderedSet(t *testing.T) {
	s := NewOrderedSet(5, 1, 5)
	assert.Equal(t, []int{5, 1}, s.Items())
	assert.True(t, s.Remove(5))
	assert.False(t, s.Remove(5))
	assert.True(t, s.Add(5))
	assert.Equal(t, []int{1, 5}, s.Items())
}
