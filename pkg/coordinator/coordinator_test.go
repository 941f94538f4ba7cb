package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnavshah/rota-api-go/pkg/config"
	"github.com/arnavshah/rota-api-go/pkg/database"
	"github.com/arnavshah/rota-api-go/pkg/ledger"
	"github.com/arnavshah/rota-api-go/pkg/logging"
	"github.com/arnavshah/rota-api-go/pkg/models"
	"github.com/arnavshah/rota-api-go/pkg/oracle"
)

type oracleFunc func(ctx context.Context, c oracle.Context, events chan<- oracle.Event) (*oracle.Proposal, error)

func (f oracleFunc) Invoke(ctx context.Context, c oracle.Context, events chan<- oracle.Event) (*oracle.Proposal, error) {
	return f(ctx, c, events)
}

type memStore struct {
	mu      sync.Mutex
	commits []*models.RotationState
	err     error
}

func (s *memStore) Commit(ctx context.Context, state *models.RotationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.commits = append(s.commits, state.Clone())
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits)
}

type staticRoster []models.RosterMember

func (r staticRoster) Members(ctx context.Context) ([]models.RosterMember, error) {
	return append([]models.RosterMember(nil), r...), nil
}

type memRecorder struct {
	mu   sync.Mutex
	recs []*database.RunRecord
}

func (r *memRecorder) Record(ctx context.Context, rec *database.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

// monday 2025-01-06 09:00 UTC
var testNow = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

func fourMembers() staticRoster {
	return staticRoster{
		{ID: 1, Name: "Al", Active: true},
		{ID: 2, Name: "Bo", Active: true},
		{ID: 3, Name: "Cy", Active: true},
		{ID: 4, Name: "Di", Active: true},
	}
}

func testRota() config.StaticRota {
	return config.StaticRota{R: config.Rota{
		Areas:              []config.Area{{Name: "lobby", Count: 1}},
		DefaultInstruction: "rotate fairly",
	}}
}

type fixture struct {
	c      *Coordinator
	ledger *ledger.Ledger
	store  *memStore
	rec    *memRecorder
}

func newFixture(t *testing.T, o oracle.Oracle, state *models.RotationState, mutate func(*Options)) *fixture {
	t.Helper()
	if state == nil {
		state = ledger.NewState("seed-a")
	}
	f := &fixture{ledger: ledger.New(state), store: &memStore{}, rec: &memRecorder{}}
	opts := Options{
		Ledger:   f.ledger,
		Store:    f.store,
		Roster:   fourMembers(),
		Rota:     testRota(),
		Oracle:   o,
		Recorder: f.rec,
		Timeout:  time.Second,
		Grace:    50 * time.Millisecond,
		Logger:   logging.Discard(),
		Now:      func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	f.c = c
	return f
}

func TestNew_RequiresWiring(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRun_CommitsAndPublishes(t *testing.T) {
	f := newFixture(t, oracle.Noop{}, nil, nil)
	updates, cancel := f.c.Notifier().Subscribe()
	defer cancel()

	res := f.c.Run(context.Background(), models.RunRequest{StartFromToday: true}, nil)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, models.CodeOK, res.Code)
	require.NotNil(t, res.Stats)
	assert.Equal(t, 5, res.Stats.Days)
	assert.Equal(t, 5, res.Stats.Seats)

	state := f.ledger.Snapshot()
	assert.Equal(t, 5, state.MainPointer)
	require.Len(t, state.SchedulePool, 5)
	var seated []int
	for _, d := range state.SchedulePool {
		seated = append(seated, d.AreaAssignments["lobby"]...)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 1}, seated)
	assert.Equal(t, "2025-01-06", state.SchedulePool[0].Date)
	assert.Equal(t, testNow, state.UpdatedAt)
	assert.Equal(t, 1, f.store.count())

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("no change notification after commit")
	}

	phase, last := f.c.Status()
	assert.Equal(t, PhaseCommitted, phase)
	require.NotNil(t, last)
	assert.Nil(t, last.CommittedState)
	require.Len(t, f.rec.recs, 1)
	assert.Equal(t, "ok", f.rec.recs[0].Code)
	assert.Equal(t, 5, f.rec.recs[0].Seats)
}

func TestRun_ContinuesAfterPool(t *testing.T) {
	f := newFixture(t, oracle.Noop{}, nil, nil)
	require.True(t, f.c.Run(context.Background(), models.RunRequest{CoverageDays: 2}, nil).Success)
	res := f.c.Run(context.Background(), models.RunRequest{CoverageDays: 2}, nil)
	require.True(t, res.Success, res.Message)

	state := f.ledger.Snapshot()
	require.Len(t, state.SchedulePool, 4)
	assert.Equal(t, "2025-01-09", state.SchedulePool[3].Date)
	assert.Equal(t, []int{4}, state.SchedulePool[3].AreaAssignments["lobby"])
	assert.Equal(t, 4, state.MainPointer)
}

func TestRunStart_UsesLatestPooledDate(t *testing.T) {
	f := newFixture(t, oracle.Noop{}, nil, nil)
	state := ledger.NewState("seed-a")
	state.SchedulePool = []models.DutyDay{{Date: "2025-01-20"}, {Date: "2025-01-08"}}

	got := f.c.runStart(state, false, testNow)
	assert.Equal(t, "2025-01-21", got.Format(models.DateLayout))
	assert.Equal(t, "2025-01-06", f.c.runStart(state, true, testNow).Format(models.DateLayout))
}

func TestRun_Busy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := oracleFunc(func(ctx context.Context, c oracle.Context, _ chan<- oracle.Event) (*oracle.Proposal, error) {
		close(entered)
		<-release
		return &oracle.Proposal{}, nil
	})
	f := newFixture(t, slow, nil, nil)

	done := make(chan models.RunResult, 1)
	go func() { done <- f.c.Run(context.Background(), models.RunRequest{}, nil) }()
	<-entered

	phase, _ := f.c.Status()
	assert.Equal(t, PhaseRunning, phase)
	busy := f.c.Run(context.Background(), models.RunRequest{}, nil)
	assert.Equal(t, models.CodeBusy, busy.Code)
	assert.False(t, busy.Success)
	assert.True(t, busy.Code.Retryable())

	close(release)
	first := <-done
	assert.True(t, first.Success, first.Message)
	assert.Equal(t, 1, f.store.count())
}

func TestRun_TimeoutLeavesStateIntact(t *testing.T) {
	stuck := oracleFunc(func(ctx context.Context, c oracle.Context, _ chan<- oracle.Event) (*oracle.Proposal, error) {
		<-ctx.Done()
		// a late proposal must be discarded
		return &oracle.Proposal{Days: []oracle.ProposedDay{{DayIndex: 0, Areas: map[string][]int{"lobby": {4}}}}}, nil
	})
	before := ledger.NewState("seed-a")
	before.DebtSet = []int{3}
	f := newFixture(t, stuck, before, func(o *Options) { o.Timeout = 30 * time.Millisecond })

	res := f.c.Run(context.Background(), models.RunRequest{}, nil)
	assert.Equal(t, models.CodeTimeout, res.Code)
	assert.Nil(t, res.Stats)
	assert.Equal(t, 0, f.store.count())
	assert.Equal(t, before, f.ledger.Snapshot())

	phase, _ := f.c.Status()
	assert.Equal(t, PhaseFailed, phase)
}

func TestRun_CallerCancelDoesNotAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := oracleFunc(func(octx context.Context, c oracle.Context, _ chan<- oracle.Event) (*oracle.Proposal, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		return &oracle.Proposal{}, octx.Err()
	})
	f := newFixture(t, o, nil, nil)
	res := f.c.Run(ctx, models.RunRequest{}, nil)
	assert.True(t, res.Success, res.Message)
}

func TestRun_OracleFailuresMapToCodes(t *testing.T) {
	cases := []struct {
		kind oracle.Kind
		want models.OutcomeCode
	}{
		{oracle.KindMalformed, models.CodeOracleMalformed},
		{oracle.KindUnavailable, models.CodeRunFailed},
		{oracle.KindRejected, models.CodeRunFailed},
		{oracle.KindTimeout, models.CodeTimeout},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			o := oracleFunc(func(ctx context.Context, c oracle.Context, _ chan<- oracle.Event) (*oracle.Proposal, error) {
				return nil, &oracle.Error{Kind: tc.kind, Err: errors.New("boom")}
			})
			f := newFixture(t, o, nil, nil)
			res := f.c.Run(context.Background(), models.RunRequest{}, nil)
			assert.Equal(t, tc.want, res.Code)
			assert.Equal(t, 0, f.store.count())
		})
	}
}

func TestRun_CommitFailureKeepsLedger(t *testing.T) {
	f := newFixture(t, oracle.Noop{}, nil, nil)
	f.store.err = errors.New("disk full")
	before := f.ledger.Snapshot()

	res := f.c.Run(context.Background(), models.RunRequest{}, nil)
	assert.Equal(t, models.CodeRunFailed, res.Code)
	assert.Contains(t, res.Message, "disk full")
	assert.Equal(t, before, f.ledger.Snapshot())
}

func TestRun_ValidationAndConfig(t *testing.T) {
	noDefault := config.StaticRota{R: config.Rota{Areas: []config.Area{{Name: "lobby", Count: 1}}}}

	cases := []struct {
		name   string
		req    models.RunRequest
		mutate func(*Options)
		want   models.OutcomeCode
	}{
		{"bad mode", models.RunRequest{ApplyMode: "sideways"}, nil, models.CodeValidation},
		{"negative coverage", models.RunRequest{CoverageDays: -1}, nil, models.CodeValidation},
		{"too long", models.RunRequest{CoverageDays: MaxCoverageDays + 1}, nil, models.CodeValidation},
		{"negative count", models.RunRequest{PerAreaCount: map[string]int{"lobby": -2}}, nil, models.CodeValidation},
		{"no instruction", models.RunRequest{}, func(o *Options) { o.Rota = noDefault }, models.CodeValidation},
		{"empty roster", models.RunRequest{}, func(o *Options) { o.Roster = staticRoster{} }, models.CodeConfig},
		{"bad rota", models.RunRequest{}, func(o *Options) { o.Rota = config.StaticRota{} }, models.CodeConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, oracle.Noop{}, nil, tc.mutate)
			res := f.c.Run(context.Background(), tc.req, nil)
			assert.Equal(t, tc.want, res.Code, res.Message)
			assert.Equal(t, 0, f.store.count())
		})
	}
}

func TestRun_ForceInsertsDebtor(t *testing.T) {
	before := ledger.NewState("seed-a")
	before.DebtSet = []int{3}
	o := oracleFunc(func(ctx context.Context, c oracle.Context, _ chan<- oracle.Event) (*oracle.Proposal, error) {
		assert.Equal(t, []int{3}, c.DebtIDs)
		return &oracle.Proposal{
			Days:      []oracle.ProposedDay{{DayIndex: 0, Areas: map[string][]int{"lobby": {1}}}},
			RunMemory: "3 was owed",
		}, nil
	})
	f := newFixture(t, o, before, nil)

	res := f.c.Run(context.Background(), models.RunRequest{CoverageDays: 1}, nil)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, res.Stats.ForceInserted)

	state := f.ledger.Snapshot()
	assert.Equal(t, []int{3}, state.SchedulePool[0].AreaAssignments["lobby"])
	assert.Empty(t, state.DebtSet)
	assert.Equal(t, "3 was owed", state.RunMemory)
}

func TestRun_DisabledMemberNotSeated(t *testing.T) {
	f := newFixture(t, oracle.Noop{}, nil, func(o *Options) {
		o.Roster = staticRoster{
			{ID: 1, Name: "Al", Active: true},
			{ID: 2, Name: "Bo", Active: false},
			{ID: 3, Name: "Cy", Active: true},
		}
	})
	res := f.c.Run(context.Background(), models.RunRequest{CoverageDays: 4}, nil)
	require.True(t, res.Success, res.Message)
	for _, d := range f.ledger.Snapshot().SchedulePool {
		assert.NotContains(t, d.AreaAssignments["lobby"], 2)
	}
}

func TestRun_Shutdown(t *testing.T) {
	f := newFixture(t, oracle.Noop{}, nil, nil)
	f.c.Shutdown()
	res := f.c.Run(context.Background(), models.RunRequest{}, nil)
	assert.Equal(t, models.CodeRunFailed, res.Code)
}

// closingRoster shuts the coordinator down while a run is still preparing
type closingRoster struct {
	staticRoster
	c *Coordinator
}

func (r *closingRoster) Members(ctx context.Context) ([]models.RosterMember, error) {
	r.c.Shutdown()
	return r.staticRoster.Members(ctx)
}

func TestRun_ShutdownBeforeOracle(t *testing.T) {
	called := false
	o := oracleFunc(func(ctx context.Context, c oracle.Context, _ chan<- oracle.Event) (*oracle.Proposal, error) {
		called = true
		return &oracle.Proposal{}, nil
	})
	roster := &closingRoster{staticRoster: fourMembers()}
	f := newFixture(t, o, nil, func(opts *Options) { opts.Roster = roster })
	roster.c = f.c

	res := f.c.Run(context.Background(), models.RunRequest{}, nil)
	assert.Equal(t, models.CodeRunFailed, res.Code)
	assert.False(t, called)
	assert.Equal(t, 0, f.store.count())
}

func TestReset(t *testing.T) {
	before := ledger.NewState("seed-a")
	before.MainPointer = 12
	before.DebtSet = []int{2}
	f := newFixture(t, oracle.Noop{}, before, nil)

	res := f.c.Reset(context.Background(), "seed-b")
	require.True(t, res.Success, res.Message)
	state := f.ledger.Snapshot()
	assert.Equal(t, "seed-b", state.SeedAnchor)
	assert.Equal(t, 0, state.MainPointer)
	assert.Empty(t, state.DebtSet)
	assert.Equal(t, 1, f.store.count())
}

func TestPreview(t *testing.T) {
	f := newFixture(t, oracle.Noop{}, nil, func(o *Options) {
		o.Rota = config.StaticRota{R: config.Rota{
			Areas:              []config.Area{{Name: "lobby", Count: 1}},
			SkipWeekends:       true,
			DefaultInstruction: "rotate",
		}}
	})
	// friday start, three working days
	f.c.opts.Now = func() time.Time { return time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC) }

	p, err := f.c.Preview(context.Background(), models.RunRequest{CoverageDays: 3, PerAreaCount: map[string]int{"desk": 2}})
	require.NoError(t, err)
	assert.Equal(t, models.ApplyAppend, p.Request.ApplyMode)
	assert.Equal(t, "rotate", p.Request.Instruction)
	assert.Equal(t, ledger.IDRange{Min: 1, Max: 4}, p.IDRange)
	require.Len(t, p.Window, 3)
	assert.Equal(t, "2025-01-10", p.Window[0].Date)
	assert.Equal(t, "2025-01-13", p.Window[1].Date)
	assert.Equal(t, map[string]int{"lobby": 1, "desk": 2}, p.Capacities)
	assert.Equal(t, 0, f.store.count())

	_, err = f.c.Preview(context.Background(), models.RunRequest{ApplyMode: "nope"})
	assert.Equal(t, models.CodeValidation, CodeOf(err))
	assert.Equal(t, models.CodeOK, CodeOf(nil))
	assert.Equal(t, models.CodeRunFailed, CodeOf(errors.New("other")))
}
