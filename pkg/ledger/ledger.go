// Package ledger owns the committed rotation state and the set arithmetic
// that keeps debts and credits consistent across runs.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arnavshah/rota-api-go/pkg/models"
	"github.com/google/uuid"
)

// StateVersion is the current persisted layout version
const StateVersion = 2

var (
	ErrEmptyRoster      = errors.New("roster has no active members")
	ErrPointerRegressed = errors.New("main pointer decreased within lineage")
	ErrDuplicateDate    = errors.New("schedule pool has duplicate date")
	ErrDebtCreditShared = errors.New("id present in both debt and credit sets")
	ErrDuplicateDebt    = errors.New("debt set has duplicate id")
)

// Ledger holds the committed RotationState. Readers always get a deep copy,
// and the state is replaced wholesale so nobody observes a partial run.
type Ledger struct {
	mu    sync.RWMutex
	state *models.RotationState
}

// New wraps an existing state, or starts a new lineage when state is nil
func New(state *models.RotationState) *Ledger {
	if state == nil {
		state = NewState("")
	}
	return &Ledger{state: state.Clone()}
}

// NewState creates an empty lineage. An empty seed gets a random anchor.
func NewState(seed string) *models.RotationState {
	if seed == "" {
		seed = uuid.NewString()
	}
	return &models.RotationState{
		Version:      StateVersion,
		SeedAnchor:   seed,
		DebtSet:      []int{},
		CreditSet:    []int{},
		SchedulePool: []models.DutyDay{},
	}
}

// Snapshot returns a deep copy of the committed state
func (l *Ledger) Snapshot() *models.RotationState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// Replace swaps in a newly committed state
func (l *Ledger) Replace(state *models.RotationState) {
	next := state.Clone()
	l.mu.Lock()
	l.state = next
	l.mu.Unlock()
}

// IDRange is the contiguous id span the rotation walks over
type IDRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Span is the number of ids in the range
func (r IDRange) Span() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

// Contains reports whether id lies in the range
func (r IDRange) Contains(id int) bool {
	return id >= r.Min && id <= r.Max
}

// IDAt maps a cumulative pointer position (1-based) onto an id
func (r IDRange) IDAt(pos int) int {
	span := r.Span()
	if span == 0 || pos <= 0 {
		return 0
	}
	return r.Min + (pos-1)%span
}

// FromRoster computes the id range over active members and the ids inside
// that range that are not usable (inactive members and gaps).
func FromRoster(members []models.RosterMember) (IDRange, []int, error) {
	active := make(map[int]bool)
	r := IDRange{}
	for _, m := range members {
		if !m.Active || m.ID <= 0 {
			continue
		}
		if len(active) == 0 || m.ID < r.Min {
			r.Min = m.ID
		}
		if len(active) == 0 || m.ID > r.Max {
			r.Max = m.ID
		}
		active[m.ID] = true
	}
	if len(active) == 0 {
		return IDRange{}, nil, ErrEmptyRoster
	}
	var disabled []int
	for id := r.Min; id <= r.Max; id++ {
		if !active[id] {
			disabled = append(disabled, id)
		}
	}
	return r, disabled, nil
}

// Reconcile recomputes the debt queue from first principles:
// (before ∪ newDebt) \ seated, preserving oldest-first order.
// It is a pure function of its inputs and therefore idempotent.
func Reconcile(before, newDebt []int, seated map[int]bool) []int {
	q := NewOrderedSet(before...)
	for _, id := range newDebt {
		q.Add(id)
	}
	out := make([]int, 0, q.Len())
	for _, id := range q.Items() {
		if !seated[id] {
			out = append(out, id)
		}
	}
	return out
}

// ReconcileCredit recomputes the credit set:
// (before ∪ added) \ consumed \ debt.
func ReconcileCredit(before, added []int, consumed map[int]bool, debt []int) []int {
	owed := make(map[int]bool, len(debt))
	for _, id := range debt {
		owed[id] = true
	}
	q := NewOrderedSet(before...)
	for _, id := range added {
		q.Add(id)
	}
	out := make([]int, 0, q.Len())
	for _, id := range q.Items() {
		if !consumed[id] && !owed[id] {
			out = append(out, id)
		}
	}
	return out
}

// Verify checks the invariants that must hold between a committed state and its successor
func Verify(before, after *models.RotationState) error {
	if before != nil && before.SeedAnchor == after.SeedAnchor && after.MainPointer < before.MainPointer {
		return fmt.Errorf("%w: %d -> %d", ErrPointerRegressed, before.MainPointer, after.MainPointer)
	}
	dates := make(map[string]bool, len(after.SchedulePool))
	for _, day := range after.SchedulePool {
		if dates[day.Date] {
			return fmt.Errorf("%w: %s", ErrDuplicateDate, day.Date)
		}
		dates[day.Date] = true
	}
	debt := make(map[int]bool, len(after.DebtSet))
	for _, id := range after.DebtSet {
		if debt[id] {
			return fmt.Errorf("%w: %d", ErrDuplicateDebt, id)
		}
		debt[id] = true
	}
	for _, id := range after.CreditSet {
		if debt[id] {
			return fmt.Errorf("%w: %d", ErrDebtCreditShared, id)
		}
	}
	return nil
}

// Migrate upgrades a loaded state to the current layout
func Migrate(state *models.RotationState) *models.RotationState {
	if state.SeedAnchor == "" {
		state.SeedAnchor = uuid.NewString()
	}
	if state.DebtSet == nil {
		state.DebtSet = []int{}
	}
	if state.CreditSet == nil {
		state.CreditSet = []int{}
	}
	if state.SchedulePool == nil {
		state.SchedulePool = []models.DutyDay{}
	}
	// Version 1 stored duplicates in the debt list; collapse them
	if state.Version < StateVersion {
		state.DebtSet = NewOrderedSet(state.DebtSet...).Items()
		state.CreditSet = NewOrderedSet(state.CreditSet...).Items()
		state.Version = StateVersion
	}
	return state
}

// Stamp sets the commit time on a state about to be persisted
func Stamp(state *models.RotationState, now time.Time) {
	state.UpdatedAt = now.UTC()
}
