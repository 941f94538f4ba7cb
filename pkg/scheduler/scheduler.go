package scheduler

import (
	"fmt"
	"math"

	"github.com/arnavshah/rota-api-go/pkg/calendar"
	"github.com/arnavshah/rota-api-go/pkg/ledger"
	"github.com/arnavshah/rota-api-go/pkg/models"
	"github.com/arnavshah/rota-api-go/pkg/oracle"
)

// Input is everything the validator needs for one run
type Input struct {
	State       *models.RotationState
	Range       ledger.IDRange
	DisabledIDs []int
	Window      []calendar.DayRef
	Capacities  map[string]int
	AreaOrder   []string
	Proposal    *oracle.Proposal
}

// ConflictReason represents why a slot or a debtor could not be seated
type ConflictReason struct {
	Date    string   `json:"date"`
	Area    string   `json:"area,omitempty"`
	Reasons []string `json:"reasons"`
}

// Result is the corrected assignment list plus the recomputed ledger sets
type Result struct {
	Days          []models.DutyDay
	DebtSet       []int
	CreditSet     []int
	MainPointer   int
	RunMemory     string
	NewDebtIDs    []int
	Seated        map[int]bool
	ForceInserted int
	Deferred      []int
	Conflicts     []ConflictReason
	Warnings      []string
}

// Validator turns an untrusted proposal into a debt-compliant rota
type Validator struct {
	in       Input
	disabled map[int]bool
	queue    *ledger.OrderedSet
	newDebt  *ledger.OrderedSet
	credits  *ledger.OrderedSet
	added    *ledger.OrderedSet
	consumed map[int]bool
	seated   map[int]bool
	pos      int
	result   *Result
}

// NewValidator creates a validator over a snapshot of the ledger
func NewValidator(in Input) *Validator {
	v := &Validator{
		in:       in,
		disabled: make(map[int]bool, len(in.DisabledIDs)),
		queue:    ledger.NewOrderedSet(in.State.DebtSet...),
		newDebt:  ledger.NewOrderedSet(),
		credits:  ledger.NewOrderedSet(in.State.CreditSet...),
		added:    ledger.NewOrderedSet(),
		consumed: make(map[int]bool),
		seated:   make(map[int]bool),
		pos:      in.State.MainPointer,
		result:   &Result{},
	}
	for _, id := range in.DisabledIDs {
		v.disabled[id] = true
	}
	return v
}

// Validate runs the full protocol. It never fails: a nil or partial proposal
// still yields a fairness-correct, possibly under-filled, rota.
func Validate(in Input) *Result {
	return NewValidator(in).Run()
}

// Run processes every day of the window in index order, then reconciles
func (v *Validator) Run() *Result {
	proposed := v.indexProposal()
	for _, ref := range v.in.Window {
		v.assignDay(ref, proposed[ref.Index])
	}
	v.reconcile()
	return v.result
}

// indexProposal keys proposed days by index; the first entry for an index wins
func (v *Validator) indexProposal() map[int]*oracle.ProposedDay {
	out := make(map[int]*oracle.ProposedDay)
	if v.in.Proposal == nil {
		return out
	}
	for i := range v.in.Proposal.Days {
		pd := &v.in.Proposal.Days[i]
		if pd.DayIndex < 0 || pd.DayIndex >= len(v.in.Window) {
			v.warn("dropped proposal day_index %d outside window of %d days", pd.DayIndex, len(v.in.Window))
			continue
		}
		if _, dup := out[pd.DayIndex]; dup {
			v.warn("dropped duplicate proposal for day_index %d", pd.DayIndex)
			continue
		}
		out[pd.DayIndex] = pd
	}
	return out
}

// dayState is the working state for one day
type dayState struct {
	ref         calendar.DayRef
	proposal    *oracle.ProposedDay
	unavailable map[int]bool
	areas       []string
	capacity    map[string]int
	assigned    map[string][]int
	seatedToday map[int]bool
}

func (d *dayState) remaining(area string) int {
	return d.capacity[area] - len(d.assigned[area])
}

func (d *dayState) seat(area string, id int) {
	d.assigned[area] = append(d.assigned[area], id)
	d.seatedToday[id] = true
}

func (v *Validator) assignDay(ref calendar.DayRef, pd *oracle.ProposedDay) {
	d := &dayState{
		ref:         ref,
		proposal:    pd,
		unavailable: make(map[int]bool),
		capacity:    make(map[string]int),
		assigned:    make(map[string][]int),
		seatedToday: make(map[int]bool),
	}
	d.areas = v.dayAreas(d)

	if pd != nil {
		if pd.Weekday != "" && pd.Weekday != ref.Weekday {
			v.warn("day_index %d: proposal says %s, calendar says %s; calendar wins", ref.Index, pd.Weekday, ref.Weekday)
		}
		// New-debt capture: ids the oracle skipped today are owed a turn
		for _, id := range pd.NewDebtIDs {
			d.unavailable[id] = true
			if v.newDebt.Add(id) {
				v.result.NewDebtIDs = append(v.result.NewDebtIDs, id)
			}
			v.queue.Add(id)
			v.credits.Remove(id)
		}
	}

	v.debtPass(d)
	for _, area := range d.areas {
		v.proposalPass(d, area)
		v.pointerPass(d, area)
	}

	day := models.DutyDay{
		Date:            ref.Date,
		Weekday:         ref.Weekday,
		AreaAssignments: make(map[string][]int, len(d.areas)),
	}
	if pd != nil {
		day.Note = pd.Note
	}
	for _, area := range d.areas {
		day.AreaAssignments[area] = append([]int{}, d.assigned[area]...)
	}
	v.result.Days = append(v.result.Days, day)
}

// dayAreas lists configured areas in configured order followed by any
// one-off areas the proposal introduced for this day.
func (v *Validator) dayAreas(d *dayState) []string {
	var areas []string
	seen := make(map[string]bool)
	for _, area := range v.in.AreaOrder {
		if n := v.in.Capacities[area]; n > 0 && !seen[area] {
			areas = append(areas, area)
			d.capacity[area] = n
			seen[area] = true
		}
	}
	for _, area := range models.SortedAreas(v.in.Capacities) {
		if n := v.in.Capacities[area]; n > 0 && !seen[area] {
			areas = append(areas, area)
			d.capacity[area] = n
			seen[area] = true
		}
	}
	if d.proposal == nil {
		return areas
	}
	for _, area := range models.SortedAreas(d.proposal.Areas) {
		if seen[area] || area == "" {
			continue
		}
		distinct := ledger.NewOrderedSet(d.proposal.Areas[area]...).Len()
		if distinct == 0 {
			continue
		}
		areas = append(areas, area)
		d.capacity[area] = distinct
		seen[area] = true
	}
	return areas
}

// available reports whether id may be seated at all today
func (v *Validator) available(d *dayState, id int) bool {
	return v.in.Range.Contains(id) && !v.disabled[id] && !d.unavailable[id] && !d.seatedToday[id]
}

// debtPass seats queued debtors first, oldest debt first. A debtor goes to
// the area the proposal put them in when it has room, otherwise to the area
// with the most free slots. Debtors that fit nowhere are deferred.
func (v *Validator) debtPass(d *dayState) {
	for _, id := range v.queue.Items() {
		if !v.available(d, id) {
			continue
		}
		area, proposed := v.debtArea(d, id)
		if area == "" {
			v.result.Deferred = appendUnique(v.result.Deferred, id)
			v.conflict(d.ref.Date, "", fmt.Sprintf("debtor %d deferred: no capacity left", id))
			continue
		}
		d.seat(area, id)
		v.seated[id] = true
		v.queue.Remove(id)
		if !proposed {
			v.result.ForceInserted++
		}
	}
}

func (v *Validator) debtArea(d *dayState, id int) (string, bool) {
	if d.proposal != nil {
		for _, area := range d.areas {
			if d.remaining(area) > 0 && contains(d.proposal.Areas[area], id) {
				return area, true
			}
		}
	}
	best := ""
	for _, area := range d.areas {
		if r := d.remaining(area); r > 0 && (best == "" || r > d.remaining(best)) {
			best = area
		}
	}
	return best, false
}

// proposalPass fills remaining slots with the oracle's own choices
func (v *Validator) proposalPass(d *dayState, area string) {
	if d.proposal == nil {
		return
	}
	for _, id := range d.proposal.Areas[area] {
		if d.remaining(area) <= 0 {
			return
		}
		// A debtor is never spent on a regular slot while still owed
		if !v.available(d, id) || v.queue.Has(id) {
			continue
		}
		if next, pos, passed, ok := v.peek(d); ok && next == id {
			v.advance(pos, passed)
		} else {
			v.added.Add(id)
			v.credits.Add(id)
		}
		d.seat(area, id)
		v.seated[id] = true
	}
}

// pointerPass fills whatever is still empty by advancing the rotation
func (v *Validator) pointerPass(d *dayState, area string) {
	for d.remaining(area) > 0 {
		id, pos, passed, ok := v.peek(d)
		if !ok {
			v.conflict(d.ref.Date, area, fmt.Sprintf("%d slots unfilled: no eligible member", d.remaining(area)))
			return
		}
		v.advance(pos, passed)
		d.seat(area, id)
		v.seated[id] = true
	}
}

// peek finds the next id the rotation would seat today without moving the
// pointer. It returns the new position and the credited ids it passed over.
// When only credited ids are left, the first available one is seated and
// spends its credit instead of leaving the slot empty.
func (v *Validator) peek(d *dayState) (int, int, []int, bool) {
	span := v.in.Range.Span()
	pos := v.pos
	var passed, passedAt []int
	for i := 0; i < span; i++ {
		pos++
		id := v.in.Range.IDAt(pos)
		if v.credits.Has(id) {
			passed = append(passed, id)
			passedAt = append(passedAt, pos)
			continue
		}
		if !v.available(d, id) || v.queue.Has(id) {
			continue
		}
		return id, pos, passed, true
	}
	for i, id := range passed {
		if v.available(d, id) && !v.queue.Has(id) {
			return id, passedAt[i], []int{id}, true
		}
	}
	return 0, 0, nil, false
}

func (v *Validator) advance(pos int, passed []int) {
	if pos > v.pos {
		v.pos = pos
	}
	for _, id := range passed {
		v.credits.Remove(id)
		v.consumed[id] = true
	}
}

// reconcile is the authoritative pass: debts and credits are recomputed from
// the pre-run sets and what was actually seated, whatever happened above.
func (v *Validator) reconcile() {
	r := v.result
	r.Seated = v.seated
	r.DebtSet = ledger.Reconcile(v.in.State.DebtSet, v.newDebt.Items(), v.seated)
	r.CreditSet = ledger.ReconcileCredit(v.in.State.CreditSet, v.added.Items(), v.consumed, r.DebtSet)
	r.MainPointer = v.pos
	r.RunMemory = v.in.State.RunMemory
	if v.in.Proposal != nil && v.in.Proposal.RunMemory != "" {
		r.RunMemory = v.in.Proposal.RunMemory
	}
	var deferred []int
	for _, id := range r.Deferred {
		if !v.seated[id] {
			deferred = append(deferred, id)
		}
	}
	r.Deferred = deferred
}

func (v *Validator) conflict(date, area, reason string) {
	v.result.Conflicts = append(v.result.Conflicts, ConflictReason{Date: date, Area: area, Reasons: []string{reason}})
}

func (v *Validator) warn(format string, args ...any) {
	v.result.Warnings = append(v.result.Warnings, fmt.Sprintf(format, args...))
}

// CalculateFairnessScore returns a percentage (0-100) representing how evenly
// seats are distributed over ids across the pool. 100% is perfectly fair
// (Standard Deviation = 0).
func CalculateFairnessScore(pool []models.DutyDay, ids []int) float64 {
	if len(ids) == 0 {
		return 100.0
	}

	counts := make(map[int]float64, len(ids))
	for _, id := range ids {
		counts[id] = 0
	}
	var sum float64
	for _, day := range pool {
		for _, id := range day.SeatedIDs() {
			if _, ok := counts[id]; ok {
				counts[id]++
				sum++
			}
		}
	}

	if sum == 0 {
		return 100.0 // Nobody seated yet is perfectly fair
	}

	mean := sum / float64(len(ids))

	var varianceSum float64
	for _, c := range counts {
		diff := c - mean
		varianceSum += diff * diff
	}
	stdDev := math.Sqrt(varianceSum / float64(len(ids)))

	// 100% means SD is 0. 0% means SD is >= mean.
	score := (1.0 - (stdDev / mean)) * 100.0
	if score < 0 {
		return 0.0
	}
	return score
}

// ActiveIDs lists the usable ids of a range in ascending order
func ActiveIDs(r ledger.IDRange, disabled []int) []int {
	off := make(map[int]bool, len(disabled))
	for _, id := range disabled {
		off[id] = true
	}
	var ids []int
	for id := r.Min; id <= r.Max; id++ {
		if !off[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func appendUnique(ids []int, id int) []int {
	if contains(ids, id) {
		return ids
	}
	return append(ids, id)
}
