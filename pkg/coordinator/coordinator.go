// Package coordinator runs the scheduling pipeline: oracle call, validation,
// merge and commit. At most one run is in flight per ledger; a second request
// fails fast with a busy outcome instead of queuing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arnavshah/rota-api-go/pkg/calendar"
	"github.com/arnavshah/rota-api-go/pkg/config"
	"github.com/arnavshah/rota-api-go/pkg/database"
	"github.com/arnavshah/rota-api-go/pkg/ledger"
	"github.com/arnavshah/rota-api-go/pkg/merge"
	"github.com/arnavshah/rota-api-go/pkg/metrics"
	"github.com/arnavshah/rota-api-go/pkg/models"
	"github.com/arnavshah/rota-api-go/pkg/notify"
	"github.com/arnavshah/rota-api-go/pkg/oracle"
	"github.com/arnavshah/rota-api-go/pkg/procs"
	"github.com/arnavshah/rota-api-go/pkg/scheduler"
)

// MaxCoverageDays bounds a single run's window
const MaxCoverageDays = 366

// Store durably commits a ledger state
type Store interface {
	Commit(ctx context.Context, state *models.RotationState) error
}

// RosterSource supplies the read-only roster
type RosterSource interface {
	Members(ctx context.Context) ([]models.RosterMember, error)
}

// RunRecorder keeps an audit trail of finished runs
type RunRecorder interface {
	Record(ctx context.Context, rec *database.RunRecord) error
}

// Phase is the coordinator's state machine position
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCommitted Phase = "committed"
	PhaseFailed    Phase = "failed"
)

// Options wires a Coordinator. Recorder, Notifier, Logger and Now are optional.
type Options struct {
	Ledger   *ledger.Ledger
	Store    Store
	Roster   RosterSource
	Rota     config.RotaSource
	Oracle   oracle.Oracle
	Notifier *notify.Broadcaster
	Recorder RunRecorder
	Timeout  time.Duration
	Grace    time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Coordinator is the single writer of a ledger
type Coordinator struct {
	opts    Options
	running atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	phase  Phase
	last   *models.RunResult
	active *procs.Registry
}

// New validates the wiring and returns an idle coordinator
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Ledger == nil:
		return nil, errors.New("coordinator: ledger is required")
	case opts.Store == nil:
		return nil, errors.New("coordinator: store is required")
	case opts.Roster == nil:
		return nil, errors.New("coordinator: roster source is required")
	case opts.Rota == nil:
		return nil, errors.New("coordinator: rota source is required")
	case opts.Oracle == nil:
		return nil, errors.New("coordinator: oracle is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewBroadcaster()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{opts: opts, phase: PhaseIdle}, nil
}

// Ledger exposes the committed state for readers
func (c *Coordinator) Ledger() *ledger.Ledger { return c.opts.Ledger }

// Notifier is the post-commit observer boundary
func (c *Coordinator) Notifier() *notify.Broadcaster { return c.opts.Notifier }

// Status reports the current phase and the last finished run
func (c *Coordinator) Status() (Phase, *models.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return c.phase, nil
	}
	last := *c.last
	last.CommittedState = nil
	return c.phase, &last
}

// Shutdown refuses new runs and tears down any helper process still alive
func (c *Coordinator) Shutdown() {
	c.closed.Store(true)
	c.mu.Lock()
	reg := c.active
	c.mu.Unlock()
	if reg != nil {
		reg.Close()
	}
}

// runError carries the outcome code for a failed step
type runError struct {
	code models.OutcomeCode
	err  error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func fail(code models.OutcomeCode, format string, args ...any) error {
	return &runError{code: code, err: fmt.Errorf(format, args...)}
}

// acquire takes the single-flight slot
func (c *Coordinator) acquire() bool {
	if !c.running.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	c.phase = PhaseRunning
	c.mu.Unlock()
	return true
}

func (c *Coordinator) release(res *models.RunResult) {
	c.mu.Lock()
	if res.Success {
		c.phase = PhaseCommitted
	} else {
		c.phase = PhaseFailed
	}
	c.last = res
	c.active = nil
	c.mu.Unlock()
	c.running.Store(false)
}

// Run executes one scheduling run. events, if non-nil, receives oracle
// progress while the run is in flight; it is never closed by Run.
// The caller's ctx supplies values only: the run timeout is the sole
// cancellation source.
func (c *Coordinator) Run(ctx context.Context, req models.RunRequest, events chan<- oracle.Event) models.RunResult {
	runID := uuid.NewString()
	started := c.opts.Now()
	log := c.opts.Logger.With("run_id", runID, "apply_mode", string(req.ApplyMode))

	if c.closed.Load() {
		return c.finish(ctx, log, runID, started, req, nil, fail(models.CodeRunFailed, "coordinator is shutting down"))
	}
	if !c.acquire() {
		res := models.RunResult{RunID: runID, Code: models.CodeBusy, Message: "another run is in progress"}
		c.observe(ctx, log, started, req, &res)
		return res
	}

	var res models.RunResult
	defer func() { c.release(&res) }()

	state, stats, err := c.execute(context.WithoutCancel(ctx), log, req, events)
	res = c.finish(ctx, log, runID, started, req, stats, err)
	if err == nil {
		res.CommittedState = state
	}
	return res
}

// finish converts the pipeline outcome into a RunResult and observes it
func (c *Coordinator) finish(ctx context.Context, log *slog.Logger, runID string, started time.Time,
	req models.RunRequest, stats *models.RunStats, err error) models.RunResult {
	res := models.RunResult{RunID: runID, Success: err == nil, Code: models.CodeOK, Message: "committed", Stats: stats}
	if err != nil {
		res.Code = models.CodeRunFailed
		var re *runError
		if errors.As(err, &re) {
			res.Code = re.code
		}
		res.Message = err.Error()
		res.Stats = nil
	}
	c.observe(ctx, log, started, req, &res)
	return res
}

// observe logs, counts and records a finished run
func (c *Coordinator) observe(ctx context.Context, log *slog.Logger, started time.Time, req models.RunRequest, res *models.RunResult) {
	elapsed := c.opts.Now().Sub(started)
	metrics.RunTotal.WithLabelValues(string(res.Code)).Inc()
	metrics.RunDuration.WithLabelValues(string(res.Code)).Observe(elapsed.Seconds())

	if res.Success {
		log.Info("run committed", "code", res.Code, "duration", elapsed,
			"days", res.Stats.Days, "seats", res.Stats.Seats, "debt_after", res.Stats.DebtAfter)
	} else {
		log.Warn("run failed", "code", res.Code, "duration", elapsed, "error", res.Message)
	}

	if c.opts.Recorder == nil {
		return
	}
	rec := &database.RunRecord{
		RunID:      res.RunID,
		StartedAt:  started,
		DurationMS: elapsed.Milliseconds(),
		ApplyMode:  string(req.ApplyMode),
		Code:       string(res.Code),
		Message:    res.Message,
		SeedAnchor: c.opts.Ledger.Snapshot().SeedAnchor,
	}
	if res.Stats != nil {
		rec.Days = res.Stats.Days
		rec.Seats = res.Stats.Seats
		rec.ForceInserted = res.Stats.ForceInserted
		rec.DebtAfter = res.Stats.DebtAfter
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.opts.Recorder.Record(rctx, rec); err != nil {
		log.Error("recording run failed", "error", err)
	}
}

// plan is the fully resolved request and configuration snapshot for a run
type plan struct {
	req      models.RunRequest
	rota     *config.Rota
	roster   []models.RosterMember
	rng      ledger.IDRange
	window   []calendar.DayRef
	capacity map[string]int
}

func (c *Coordinator) execute(ctx context.Context, log *slog.Logger, req models.RunRequest, events chan<- oracle.Event) (*models.RotationState, *models.RunStats, error) {
	before := c.opts.Ledger.Snapshot()

	p, err := c.prepare(ctx, req, before)
	if err != nil {
		return nil, nil, err
	}

	octx := oracle.BuildContext(oracle.ContextInput{
		State:       before,
		Roster:      p.roster,
		Range:       p.rng,
		DisabledIDs: p.req.DisabledIDs,
		Window:      p.window,
		Capacities:  p.capacity,
		Instruction: p.req.Instruction,
	})
	proposal, err := c.invoke(ctx, octx, events)
	if err != nil {
		return nil, nil, err
	}

	res := scheduler.Validate(scheduler.Input{
		State:       before,
		Range:       p.rng,
		DisabledIDs: p.req.DisabledIDs,
		Window:      p.window,
		Capacities:  p.capacity,
		AreaOrder:   p.rota.AreaOrder(),
		Proposal:    proposal,
	})
	for _, w := range res.Warnings {
		log.Warn("proposal corrected", "detail", w)
	}
	for _, cf := range res.Conflicts {
		log.Debug("slot conflict", "date", cf.Date, "area", cf.Area, "reasons", cf.Reasons)
	}

	next := before.Clone()
	runStart := ""
	if len(p.window) > 0 {
		runStart = p.window[0].Date
	}
	pool, err := merge.Apply(before.SchedulePool, res.Days, p.req.ApplyMode, runStart)
	if err != nil {
		return nil, nil, fail(models.CodeValidation, "%v", err)
	}
	next.SchedulePool = pool
	next.DebtSet = res.DebtSet
	next.CreditSet = res.CreditSet
	next.MainPointer = res.MainPointer
	next.RunMemory = res.RunMemory
	ledger.Stamp(next, c.opts.Now())

	if err := ledger.Verify(before, next); err != nil {
		return nil, nil, fail(models.CodeRunFailed, "invariant check: %v", err)
	}
	if err := c.opts.Store.Commit(ctx, next); err != nil {
		return nil, nil, fail(models.CodeRunFailed, "commit: %v", err)
	}
	c.opts.Ledger.Replace(next)
	c.opts.Notifier.Publish()

	stats := &models.RunStats{
		Days:          len(res.Days),
		ForceInserted: res.ForceInserted,
		Deferred:      len(res.Deferred),
		DebtAfter:     len(next.DebtSet),
		CreditAfter:   len(next.CreditSet),
		FairnessScore: scheduler.CalculateFairnessScore(next.SchedulePool, scheduler.ActiveIDs(p.rng, p.req.DisabledIDs)),
	}
	for _, day := range res.Days {
		stats.Seats += len(day.SeatedIDs())
	}
	metrics.ForceInserted.Add(float64(res.ForceInserted))
	metrics.DebtSize.Set(float64(stats.DebtAfter))
	metrics.CreditSize.Set(float64(stats.CreditAfter))
	metrics.FairnessScore.Set(stats.FairnessScore)
	return next.Clone(), stats, nil
}

// prepare snapshots configuration and roster and resolves request defaults
func (c *Coordinator) prepare(ctx context.Context, req models.RunRequest, before *models.RotationState) (*plan, error) {
	rota, err := c.opts.Rota.Rota()
	if err != nil {
		return nil, fail(models.CodeConfig, "rota config: %v", err)
	}
	if req.Instruction == "" {
		req.Instruction = rota.DefaultInstruction
	}
	if req.Instruction == "" {
		return nil, fail(models.CodeValidation, "instruction is required")
	}
	if req.ApplyMode == "" {
		req.ApplyMode = rota.DefaultApplyMode
	}
	if !req.ApplyMode.Valid() {
		return nil, fail(models.CodeValidation, "unknown apply mode %q", req.ApplyMode)
	}
	if req.CoverageDays == 0 {
		req.CoverageDays = rota.DefaultCoverageDays
	}
	if req.CoverageDays <= 0 || req.CoverageDays > MaxCoverageDays {
		return nil, fail(models.CodeValidation, "coverage days must be between 1 and %d", MaxCoverageDays)
	}
	for area, n := range req.PerAreaCount {
		if area == "" || n < 0 {
			return nil, fail(models.CodeValidation, "invalid count %d for area %q", n, area)
		}
	}

	members, err := c.opts.Roster.Members(ctx)
	if err != nil {
		return nil, fail(models.CodeRunFailed, "roster: %v", err)
	}
	rng, disabled, err := ledger.FromRoster(members)
	if err != nil {
		return nil, fail(models.CodeConfig, "%v", err)
	}
	req.DisabledIDs = disabled

	policy, err := rota.SkipPolicy()
	if err != nil {
		return nil, fail(models.CodeConfig, "skip policy: %v", err)
	}
	loc, err := rota.Location()
	if err != nil {
		return nil, fail(models.CodeConfig, "%v", err)
	}
	start := c.runStart(before, req.StartFromToday, c.opts.Now().In(loc))

	return &plan{
		req:      req,
		rota:     rota,
		roster:   members,
		rng:      rng,
		window:   calendar.Window(start, req.CoverageDays, policy),
		capacity: rota.Capacities(req.PerAreaCount),
	}, nil
}

// runStart picks the first candidate date: today, or the day after the last
// scheduled date when continuing an existing pool.
func (c *Coordinator) runStart(state *models.RotationState, fromToday bool, now time.Time) time.Time {
	today := calendar.Midnight(now)
	if fromToday || len(state.SchedulePool) == 0 {
		return today
	}
	var last time.Time
	for _, day := range state.SchedulePool {
		if d, err := calendar.ParseDate(day.Date); err == nil && d.After(last) {
			last = d
		}
	}
	if last.IsZero() {
		return today
	}
	next := last.AddDate(0, 0, 1)
	if next.Before(today) {
		return today
	}
	return next
}

// invoke calls the oracle under the run timeout. On expiry the call is
// cancelled, spawned helpers are torn down, and any late reply is discarded.
func (c *Coordinator) invoke(ctx context.Context, octx oracle.Context, events chan<- oracle.Event) (*oracle.Proposal, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	reg := procs.NewRegistry(c.opts.Grace)
	defer reg.Close()
	// Shutdown flips closed before reading active, so one of the two sides
	// always sees the other
	c.mu.Lock()
	c.active = reg
	closed := c.closed.Load()
	c.mu.Unlock()
	if closed {
		return nil, fail(models.CodeRunFailed, "coordinator is shutting down")
	}
	runCtx = procs.WithRegistry(runCtx, reg)

	type reply struct {
		proposal *oracle.Proposal
		err      error
	}
	replies := make(chan reply, 1)
	began := time.Now()
	go func() {
		p, err := c.opts.Oracle.Invoke(runCtx, octx, events)
		replies <- reply{proposal: p, err: err}
	}()

	var r reply
	select {
	case r = <-replies:
	case <-runCtx.Done():
		reg.Close()
		// Give the oracle a bounded window to notice; its answer is ignored
		select {
		case <-replies:
		case <-time.After(c.opts.Grace):
		}
		metrics.OracleDuration.Observe(time.Since(began).Seconds())
		return nil, fail(models.CodeTimeout, "oracle exceeded %s", c.opts.Timeout)
	}
	metrics.OracleDuration.Observe(time.Since(began).Seconds())

	if runCtx.Err() != nil {
		return nil, fail(models.CodeTimeout, "oracle exceeded %s", c.opts.Timeout)
	}
	if r.err != nil {
		switch oracle.KindOf(r.err) {
		case oracle.KindTimeout:
			return nil, fail(models.CodeTimeout, "%v", r.err)
		case oracle.KindMalformed:
			return nil, fail(models.CodeOracleMalformed, "%v", r.err)
		default:
			return nil, fail(models.CodeRunFailed, "%v", r.err)
		}
	}
	if r.proposal == nil {
		r.proposal = &oracle.Proposal{}
	}
	return r.proposal, nil
}

// Reset starts a new ledger lineage. It goes through the same single-flight
// gate and atomic commit as a run.
func (c *Coordinator) Reset(ctx context.Context, seed string) models.RunResult {
	runID := uuid.NewString()
	started := c.opts.Now()
	log := c.opts.Logger.With("run_id", runID, "op", "reset")
	req := models.RunRequest{ApplyMode: models.ApplyReplaceAll}

	if !c.acquire() {
		res := models.RunResult{RunID: runID, Code: models.CodeBusy, Message: "another run is in progress"}
		c.observe(ctx, log, started, req, &res)
		return res
	}
	var res models.RunResult
	defer func() { c.release(&res) }()

	next := ledger.NewState(seed)
	ledger.Stamp(next, c.opts.Now())
	var err error
	if cerr := c.opts.Store.Commit(context.WithoutCancel(ctx), next); cerr != nil {
		err = fail(models.CodeRunFailed, "commit: %v", cerr)
	} else {
		c.opts.Ledger.Replace(next)
		c.opts.Notifier.Publish()
		metrics.DebtSize.Set(0)
		metrics.CreditSize.Set(0)
	}
	res = c.finish(ctx, log, runID, started, req, &models.RunStats{}, err)
	if err == nil {
		res.CommittedState = next.Clone()
		res.Message = "new lineage " + next.SeedAnchor
	}
	return res
}

// Preview is what a run would work against, resolved without calling the oracle
type Preview struct {
	Request     models.RunRequest `json:"request"`
	IDRange     ledger.IDRange    `json:"id_range"`
	DisabledIDs []int             `json:"disabled_ids"`
	Window      []calendar.DayRef `json:"window"`
	Capacities  map[string]int    `json:"area_capacities"`
}

// Preview resolves defaults, the id range and the calendar window for req.
// Errors carry the outcome code a real run would have failed with; see CodeOf.
func (c *Coordinator) Preview(ctx context.Context, req models.RunRequest) (*Preview, error) {
	p, err := c.prepare(ctx, req, c.opts.Ledger.Snapshot())
	if err != nil {
		return nil, err
	}
	return &Preview{
		Request:     p.req,
		IDRange:     p.rng,
		DisabledIDs: p.req.DisabledIDs,
		Window:      p.window,
		Capacities:  p.capacity,
	}, nil
}

// CodeOf maps an error returned by the coordinator onto an outcome code
func CodeOf(err error) models.OutcomeCode {
	if err == nil {
		return models.CodeOK
	}
	var re *runError
	if errors.As(err, &re) {
		return re.code
	}
	return models.CodeRunFailed
}
