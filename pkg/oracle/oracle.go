// Package oracle builds the bounded context handed to the external reasoning
// step and turns whatever comes back into a typed Proposal or a typed Error.
//
// No absolute dates cross this boundary. The oracle reasons in day indexes
// and weekday labels; the calendar package owns dates.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/arnavshah/rota-api-go/pkg/calendar"
	"github.com/arnavshah/rota-api-go/pkg/ledger"
	"github.com/arnavshah/rota-api-go/pkg/models"
)

// Oracle is the external reasoning function. Implementations are invoked
// exactly once per run and never retry on their own.
type Oracle interface {
	Invoke(ctx context.Context, c Context, events chan<- Event) (*Proposal, error)
}

// MemberRef lets the oracle match names in free-text instructions to ids
type MemberRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Context is everything the oracle is allowed to see for one run
type Context struct {
	IDRange        ledger.IDRange    `json:"id_range"`
	Members        []MemberRef       `json:"members"`
	DisabledIDs    []int             `json:"disabled_ids"`
	DebtIDs        []int             `json:"debt_ids"`
	CreditIDs      []int             `json:"credit_ids"`
	NextID         int               `json:"next_id"`
	Calendar       []calendar.DayRef `json:"calendar"`
	AreaCapacities map[string]int    `json:"area_capacities"`
	PriorMemory    string            `json:"prior_memory,omitempty"`
	Instruction    string            `json:"instruction"`
}

// ProposedDay is one day of oracle output, keyed by day index
type ProposedDay struct {
	DayIndex   int              `json:"day_index"`
	Weekday    string           `json:"weekday"`
	Areas      map[string][]int `json:"areas"`
	NewDebtIDs []int            `json:"new_debt_ids,omitempty"`
	Note       string           `json:"note,omitempty"`
}

// Proposal is the parsed oracle output. It is never persisted verbatim.
type Proposal struct {
	Days      []ProposedDay `json:"days"`
	RunMemory string        `json:"run_memory"`
	Rejected  string        `json:"rejected,omitempty"`
}

// Kind classifies oracle failures
type Kind string

const (
	KindMalformed   Kind = "malformed_output"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindRejected    Kind = "rejected"
)

// Error is the typed failure returned by every Oracle implementation
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "oracle " + string(e.Kind)
	}
	return fmt.Sprintf("oracle %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the failure kind; unknown errors count as unavailable
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnavailable
}

// classify turns a transport error into a typed one, preferring the context's verdict
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return newError(KindTimeout, ctx.Err())
	}
	var oe *Error
	if errors.As(err, &oe) {
		return err
	}
	return newError(KindUnavailable, err)
}

// EventKind labels progress events
type EventKind string

const (
	EventToken  EventKind = "token"
	EventLog    EventKind = "log"
	EventStatus EventKind = "status"
)

// Event is an incremental progress signal. It never represents committed state.
type Event struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// emit delivers an event without ever stalling the oracle on a slow consumer
func emit(ctx context.Context, events chan<- Event, kind EventKind, text string) {
	if events == nil || ctx.Err() != nil {
		return
	}
	select {
	case events <- Event{Kind: kind, Text: text, At: time.Now()}:
	default:
	}
}

// ContextInput gathers what BuildContext needs from the ledger and request
type ContextInput struct {
	State       *models.RotationState
	Roster      []models.RosterMember
	Range       ledger.IDRange
	DisabledIDs []int
	Window      []calendar.DayRef
	Capacities  map[string]int
	Instruction string
}

// BuildContext assembles the bounded oracle context. Dates are stripped
// from the calendar so only day index and weekday are exposed.
func BuildContext(in ContextInput) Context {
	c := Context{
		IDRange:        in.Range,
		DisabledIDs:    append([]int{}, in.DisabledIDs...),
		DebtIDs:        append([]int{}, in.State.DebtSet...),
		CreditIDs:      append([]int{}, in.State.CreditSet...),
		NextID:         in.Range.IDAt(in.State.MainPointer + 1),
		Calendar:       make([]calendar.DayRef, len(in.Window)),
		AreaCapacities: make(map[string]int, len(in.Capacities)),
		PriorMemory:    in.State.RunMemory,
		Instruction:    in.Instruction,
	}
	for i, ref := range in.Window {
		c.Calendar[i] = calendar.DayRef{Index: ref.Index, Weekday: ref.Weekday}
	}
	for area, n := range in.Capacities {
		c.AreaCapacities[area] = n
	}
	for _, m := range in.Roster {
		if m.Active && in.Range.Contains(m.ID) {
			c.Members = append(c.Members, MemberRef{ID: m.ID, Name: m.Name})
		}
	}
	sort.Slice(c.Members, func(i, j int) bool { return c.Members[i].ID < c.Members[j].ID })
	return c
}

// Noop proposes nothing. The validator then fills the rota from the debt
// queue and the pointer alone.
type Noop struct{}

func (Noop) Invoke(ctx context.Context, c Context, events chan<- Event) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindTimeout, err)
	}
	emit(ctx, events, EventStatus, "no oracle configured; using rotation only")
	return &Proposal{RunMemory: c.PriorMemory}, nil
}
