package models

import (
	"sort"
	"time"
)

// DateLayout is the calendar date format used everywhere a date crosses a boundary
const DateLayout = "2006-01-02"

// RosterMember represents a person on the duty roster
type RosterMember struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// DutyDay is the assignment record for a single calendar date
type DutyDay struct {
	Date            string           `json:"date"`
	Weekday         string           `json:"weekday"`
	AreaAssignments map[string][]int `json:"area_assignments"`
	Note            string           `json:"note,omitempty"`
}

// SeatedIDs returns every id assigned on the day, in area-name order
func (d DutyDay) SeatedIDs() []int {
	var ids []int
	for _, area := range SortedAreas(d.AreaAssignments) {
		ids = append(ids, d.AreaAssignments[area]...)
	}
	return ids
}

// Clone returns a deep copy of the day
func (d DutyDay) Clone() DutyDay {
	out := d
	out.AreaAssignments = make(map[string][]int, len(d.AreaAssignments))
	for area, ids := range d.AreaAssignments {
		out.AreaAssignments[area] = append([]int(nil), ids...)
	}
	return out
}

// SortedAreas returns the keys of an area map in lexical order
func SortedAreas[V any](areas map[string]V) []string {
	names := make([]string, 0, len(areas))
	for name := range areas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RotationState is the persisted fairness ledger
type RotationState struct {
	Version      int       `json:"version"`
	SeedAnchor   string    `json:"seed_anchor"`
	MainPointer  int       `json:"main_pointer"`
	DebtSet      []int     `json:"debt_set"`
	CreditSet    []int     `json:"credit_set"`
	SchedulePool []DutyDay `json:"schedule_pool"`
	RunMemory    string    `json:"run_memory,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can never alias committed state
func (s *RotationState) Clone() *RotationState {
	if s == nil {
		return nil
	}
	out := *s
	out.DebtSet = append([]int{}, s.DebtSet...)
	out.CreditSet = append([]int{}, s.CreditSet...)
	out.SchedulePool = make([]DutyDay, len(s.SchedulePool))
	for i, day := range s.SchedulePool {
		out.SchedulePool[i] = day.Clone()
	}
	return &out
}

// ApplyMode selects how new duty days are merged into the schedule pool
type ApplyMode string

const (
	ApplyAppend         ApplyMode = "append"
	ApplyReplaceFuture  ApplyMode = "replaceFuture"
	ApplyReplaceOverlap ApplyMode = "replaceOverlap"
	ApplyReplaceAll     ApplyMode = "replaceAll"
)

// Valid reports whether the mode is one of the four merge policies
func (m ApplyMode) Valid() bool {
	switch m {
	case ApplyAppend, ApplyReplaceFuture, ApplyReplaceOverlap, ApplyReplaceAll:
		return true
	}
	return false
}

// RunRequest is the input for a single scheduling run
type RunRequest struct {
	Instruction    string         `json:"instruction"`
	ApplyMode      ApplyMode      `json:"apply_mode"`
	CoverageDays   int            `json:"coverage_days"`
	PerAreaCount   map[string]int `json:"per_area_count,omitempty"`
	StartFromToday bool           `json:"start_from_today"`

	// DisabledIDs is computed from the roster by the coordinator
	DisabledIDs []int `json:"-"`
}

// OutcomeCode classifies the result of a run
type OutcomeCode string

const (
	CodeOK              OutcomeCode = "ok"
	CodeBusy            OutcomeCode = "busy"
	CodeValidation      OutcomeCode = "validation"
	CodeConfig          OutcomeCode = "config"
	CodeTimeout         OutcomeCode = "timeout"
	CodeOracleMalformed OutcomeCode = "oracle_malformed"
	CodeRunFailed       OutcomeCode = "run_failed"
)

// Retryable reports whether the caller may simply try again
func (c OutcomeCode) Retryable() bool {
	return c == CodeBusy || c == CodeTimeout
}

// RunStats summarises what a committed run changed
type RunStats struct {
	Days          int     `json:"days"`
	Seats         int     `json:"seats"`
	ForceInserted int     `json:"force_inserted"`
	Deferred      int     `json:"deferred"`
	DebtAfter     int     `json:"debt_after"`
	CreditAfter   int     `json:"credit_after"`
	FairnessScore float64 `json:"fairness_score"`
}

// RunResult is returned for every run request, successful or not
type RunResult struct {
	RunID          string         `json:"run_id"`
	Success        bool           `json:"success"`
	Code           OutcomeCode    `json:"code"`
	Message        string         `json:"message"`
	Stats          *RunStats      `json:"stats,omitempty"`
	CommittedState *RotationState `json:"committed_state,omitempty"`
}
