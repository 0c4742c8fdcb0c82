package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/marketsync/internal/checkpoint"
	"github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/market"
	"github.com/ahmethakanbesel/marketsync/internal/source"
)

// Scheduler turns a claimed job into a run and drives its instruments
// through the executor. It implements job.Processor.
type Scheduler struct {
	store    Store
	tracker  *checkpoint.Tracker
	sources  *source.Registry
	executor *Executor
	opts     Options
	owner    string
	now      func() time.Time
}

type SchedulerOption func(*Scheduler)

// WithOwner sets the identity written into claims. Defaults to a random UUID.
func WithOwner(owner string) SchedulerOption {
	return func(s *Scheduler) { s.owner = owner }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(store Store, tracker *checkpoint.Tracker, sources *source.Registry, executor *Executor, opts Options, sopts ...SchedulerOption) *Scheduler {
	def := DefaultOptions()
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = def.ClaimTTL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	s := &Scheduler{
		store:    store,
		tracker:  tracker,
		sources:  sources,
		executor: executor,
		opts:     opts,
		owner:    uuid.NewString(),
		now:      time.Now,
	}
	for _, opt := range sopts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Owner() string { return s.owner }

func (s *Scheduler) staleBefore() time.Time {
	return s.now().Add(-s.opts.ClaimTTL)
}

// Process runs j to a terminal status. Cancelling ctx stops dispatch of new
// windows, lets the windows in flight finish and returns the job to the
// queue.
func (s *Scheduler) Process(ctx context.Context, j *job.Job) error {
	detached := context.WithoutCancel(ctx)

	if j.Status == job.StatusQueued {
		if err := job.Apply(ctx, j, job.EventStart); err != nil {
			return err
		}
		now := s.now().UTC()
		j.StartedAt = &now
		if err := s.store.Jobs.Update(ctx, j); err != nil {
			return fmt.Errorf("start job: %w", err)
		}
	}

	jobKey := job.JobClaimKey(j.ID)
	ok, err := s.store.Claims.TryClaim(ctx, jobKey, s.owner, s.staleBefore())
	if err != nil {
		return s.failJob(detached, j, nil, fmt.Errorf("claim job: %w", err))
	}
	if !ok {
		slog.Warn("job is held by another scheduler", "job", j.ID)
		return fmt.Errorf("job %d: %w", j.ID, job.ErrClaimConflict)
	}
	defer func() {
		if err := s.store.Claims.Release(detached, jobKey, s.owner); err != nil {
			slog.Error("release job claim", "job", j.ID, "error", err)
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(detached)
	defer stopHeartbeat()
	go s.heartbeat(hbCtx, jobKey, s.owner)

	run, err := s.openRun(ctx, j)
	if err != nil {
		return s.failJob(detached, j, nil, err)
	}

	ds, err := market.LookupDataset(j.Dataset)
	if err != nil {
		return s.failJob(detached, j, run, err)
	}
	if _, err := s.sources.Get(ds.Name); err != nil {
		return s.failJob(detached, j, run, err)
	}

	instruments, err := s.resolve(ctx, j, ds)
	if err != nil {
		return s.failJob(detached, j, run, fmt.Errorf("resolve instruments: %w", err))
	}
	if len(instruments) == 0 {
		return s.failJob(detached, j, run, errors.New("no instruments to ingest"))
	}

	slog.Info("run started", "job", j.ID, "run", run.ID, "dataset", ds.Name, "mode", j.Mode,
		"instruments", len(instruments), "workers", j.Workers)

	x := &execution{
		s:       s,
		job:     j,
		run:     run,
		owner:   s.owner + ":" + run.ID,
		ds:      ds,
		bounds:  boundsFor(j),
		dormant: make(map[string]bool),
	}
	x.dispatch(ctx, instruments)

	if ctx.Err() != nil {
		s.requeue(detached, j, run, x)
		return ctx.Err()
	}
	return s.finish(detached, j, run, x)
}

func (s *Scheduler) heartbeat(ctx context.Context, key, owner string) {
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.store.Claims.Heartbeat(ctx, key, owner, 0); err != nil && ctx.Err() == nil {
				slog.Warn("claim heartbeat", "key", key, "owner", owner, "error", err)
			}
		}
	}
}

// openRun records a new run for j. A running run left behind by a crashed
// scheduler is closed as failed first.
func (s *Scheduler) openRun(ctx context.Context, j *job.Job) (*job.Run, error) {
	run := &job.Run{
		ID:        ksuid.New().String(),
		JobID:     j.ID,
		Dataset:   j.Dataset,
		Mode:      j.Mode,
		Params:    j.Params,
		Status:    job.StatusRunning,
		StartedAt: s.now().UTC(),
	}

	err := s.store.Jobs.CreateRun(ctx, run)
	if errors.Is(err, job.ErrRunActive) {
		stale, aerr := s.store.Jobs.ActiveRun(ctx, j.ID)
		if aerr != nil {
			return nil, fmt.Errorf("open run: %w", aerr)
		}
		if stale != nil {
			now := s.now().UTC()
			stale.Status = job.StatusFailed
			stale.FinishedAt = &now
			if ferr := s.store.Jobs.FinishRun(ctx, stale); ferr != nil {
				return nil, fmt.Errorf("close stale run: %w", ferr)
			}
			slog.Warn("closed stale run", "job", j.ID, "run", stale.ID)
		}
		err = s.store.Jobs.CreateRun(ctx, run)
	}
	if err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}
	return run, nil
}

// resolve returns the instruments of j in dispatch order: lexicographic, with
// dormant instruments last.
func (s *Scheduler) resolve(ctx context.Context, j *job.Job, ds market.Dataset) ([]string, error) {
	states, err := s.tracker.List(ctx, ds.Name)
	if err != nil {
		return nil, err
	}
	dormant := make(map[string]bool, len(states))
	for _, st := range states {
		dormant[st.Instrument] = st.Dormant
	}

	var candidates []string
	switch {
	case len(j.Params.Instruments) > 0:
		candidates = j.Params.Instruments
	default:
		f, err := s.sources.Get(ds.Name)
		if err != nil {
			return nil, err
		}
		if l, ok := f.(source.Lister); ok && len(j.Params.Exchanges) > 0 {
			if candidates, err = l.Instruments(ctx, j.Params.Exchanges); err != nil {
				return nil, err
			}
		} else {
			for _, st := range states {
				if onExchange(st.Instrument, j.Params.Exchanges) {
					candidates = append(candidates, st.Instrument)
				}
			}
		}
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if dormant[out[a]] != dormant[out[b]] {
			return !dormant[out[a]]
		}
		return out[a] < out[b]
	})
	return out, nil
}

// onExchange matches instrument codes of the form CODE.EXCHANGE.
func onExchange(instrument string, exchanges []string) bool {
	if len(exchanges) == 0 {
		return true
	}
	for _, ex := range exchanges {
		if strings.HasSuffix(strings.ToUpper(instrument), "."+strings.ToUpper(ex)) {
			return true
		}
	}
	return false
}

func boundsFor(j *job.Job) checkpoint.Bounds {
	b := checkpoint.Bounds{Start: j.Params.StartDate, End: j.Params.EndDate}
	switch j.Mode {
	case job.ModeFull:
		b.IgnoreCheckpoint = true
	case job.ModeInit:
		b.Start = time.Time{}
		b.IgnoreCheckpoint = true
	}
	return b
}

func (s *Scheduler) finish(ctx context.Context, j *job.Job, run *job.Run, x *execution) error {
	sum, empty, hardErr := x.result()
	j.Summary = sum

	event := job.EventSucceed
	j.Error = ""
	switch {
	case hardErr != nil:
		event = job.EventFail
		j.Error = fmt.Sprintf("%d of %d tasks failed: %v", sum.TasksFailed, sum.TasksTotal, hardErr)
	case sum.Errors > 0 || sum.TasksDeferred > 0 || empty > 0:
		event = job.EventPartial
		j.Error = fmt.Sprintf("%d errors, %d deferred instruments, %d empty windows", sum.Errors, sum.TasksDeferred, empty)
	}
	if err := job.Apply(ctx, j, event); err != nil {
		return err
	}

	now := s.now().UTC()
	j.FinishedAt = &now
	run.Status = j.Status
	run.FinishedAt = &now
	if err := s.store.Jobs.FinishRun(ctx, run); err != nil {
		return err
	}
	if err := s.store.Jobs.Update(ctx, j); err != nil {
		return err
	}

	slog.Info("run finished", "job", j.ID, "run", run.ID, "status", j.Status,
		"tasks", sum.TasksTotal, "succeeded", sum.TasksSucceeded, "failed", sum.TasksFailed,
		"deferred", sum.TasksDeferred, "written", sum.RowsWritten, "skipped", sum.RowsSkipped,
		"errors", sum.Errors, "dormant", sum.DormantInstruments)
	return nil
}

func (s *Scheduler) failJob(ctx context.Context, j *job.Job, run *job.Run, err error) error {
	now := s.now().UTC()
	if run != nil {
		run.Status = job.StatusFailed
		run.FinishedAt = &now
		if ferr := s.store.Jobs.FinishRun(ctx, run); ferr != nil {
			slog.Error("finish run", "run", run.ID, "error", ferr)
		}
	}

	if aerr := job.Apply(ctx, j, job.EventFail); aerr != nil {
		slog.Error("fail job", "job", j.ID, "error", aerr)
	}
	j.Error = err.Error()
	j.FinishedAt = &now
	if uerr := s.store.Jobs.Update(ctx, j); uerr != nil {
		slog.Error("update job", "job", j.ID, "error", uerr)
	}
	slog.Error("job failed", "job", j.ID, "error", err)
	return err
}

func (s *Scheduler) requeue(ctx context.Context, j *job.Job, run *job.Run, x *execution) {
	sum, _, _ := x.result()
	now := s.now().UTC()
	run.Status = job.StatusFailed
	run.FinishedAt = &now
	if err := s.store.Jobs.FinishRun(ctx, run); err != nil {
		slog.Error("finish run", "run", run.ID, "error", err)
	}

	if err := job.Apply(ctx, j, job.EventRequeue); err != nil {
		slog.Error("requeue job", "job", j.ID, "error", err)
		return
	}
	j.Summary = sum
	j.Error = "interrupted"
	j.StartedAt = nil
	j.FinishedAt = nil
	if err := s.store.Jobs.Update(ctx, j); err != nil {
		slog.Error("update job", "job", j.ID, "error", err)
		return
	}
	slog.Info("job interrupted, requeued", "job", j.ID, "run", run.ID, "tasks", sum.TasksTotal)
}

// execution is the state of one run while units are being dispatched.
type execution struct {
	s      *Scheduler
	job    *job.Job
	run    *job.Run
	owner  string // task claim owner, unique per run
	ds     market.Dataset
	bounds checkpoint.Bounds

	mu      sync.Mutex
	summary job.Summary
	hardErr error
	empty   int64
	dormant map[string]bool
}

// unit is the work for one instrument. After resumes a scan that yielded.
type unit struct {
	instrument string
	after      time.Time
}

type unitState int

const (
	unitDone unitState = iota
	unitDeferred
	unitYielded
)

func (x *execution) dispatch(ctx context.Context, instruments []string) {
	pending := make([]unit, len(instruments))
	for i, inst := range instruments {
		pending[i] = unit{instrument: inst}
	}

	var yielded []unit
	for round := 0; ; round++ {
		deferred, y := x.pass(ctx, pending, true)
		yielded = append(yielded, y...)
		if len(deferred) == 0 {
			break
		}
		if round >= x.s.opts.ClaimRetries || !sleep(ctx, x.s.opts.ClaimRetryDelay) {
			x.recordDeferred(ctx, deferred)
			break
		}
		slog.Info("retrying deferred instruments", "job", x.job.ID, "count", len(deferred), "round", round+1)
		pending = deferred
	}

	// Dormant instruments finish their scan after everyone else.
	if len(yielded) > 0 && ctx.Err() == nil {
		deferred, _ := x.pass(ctx, yielded, false)
		x.recordDeferred(ctx, deferred)
	}
}

// pass runs units on a pool bounded by the job's worker count, in order.
func (x *execution) pass(ctx context.Context, units []unit, allowYield bool) (deferred, yielded []unit) {
	var g errgroup.Group
	g.SetLimit(max(x.job.Workers, 1))

	var mu sync.Mutex
	for _, u := range units {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			state, next := x.runUnit(ctx, u, allowYield)
			mu.Lock()
			defer mu.Unlock()
			switch state {
			case unitDeferred:
				deferred = append(deferred, next)
			case unitYielded:
				yielded = append(yielded, next)
			}
			return nil
		})
	}
	_ = g.Wait()

	byInstrument := func(us []unit) func(a, b int) bool {
		return func(a, b int) bool { return us[a].instrument < us[b].instrument }
	}
	sort.Slice(deferred, byInstrument(deferred))
	sort.Slice(yielded, byInstrument(yielded))
	return deferred, yielded
}

func (x *execution) runUnit(ctx context.Context, u unit, allowYield bool) (unitState, unit) {
	claims := x.s.store.Claims
	key := job.TaskClaimKey(x.ds.Name, u.instrument)

	ok, err := claims.TryClaim(ctx, key, x.owner, x.s.staleBefore())
	if err != nil {
		if ctx.Err() == nil {
			x.recordHard(ctx, u.instrument, job.KindClaim, err)
		}
		return unitDone, u
	}
	if !ok {
		slog.Info("instrument claimed elsewhere, deferring", "job", x.job.ID, "dataset", x.ds.Name, "instrument", u.instrument)
		return unitDeferred, u
	}
	defer func() {
		if err := claims.Release(context.WithoutCancel(ctx), key, x.owner); err != nil {
			slog.Error("release task claim", "key", key, "error", err)
		}
	}()

	// Windows can outlast ClaimTTL; keep the claim fresh until the unit ends.
	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHeartbeat()
	go x.s.heartbeat(hbCtx, key, x.owner)

	b := x.bounds
	b.After = u.after
	for ctx.Err() == nil {
		w, ok, err := x.s.tracker.NextWindow(ctx, x.ds, u.instrument, b)
		if err != nil {
			if ctx.Err() == nil {
				x.recordHard(ctx, u.instrument, job.KindStore, err)
			}
			return unitDone, u
		}
		if !ok {
			return unitDone, u
		}

		res, err := x.runWindow(ctx, TaskSpec{
			JobID:      x.job.ID,
			RunID:      x.run.ID,
			Dataset:    x.ds,
			Instrument: u.instrument,
			Window:     w,
			Owner:      x.owner,
		})
		x.record(u.instrument, res, err)
		if err != nil {
			return unitDone, u
		}

		b.After = w.To
		if allowYield && b.IgnoreCheckpoint && res.Dormant {
			return unitYielded, unit{instrument: u.instrument, after: w.To}
		}
	}
	return unitDone, u
}

// runWindow detaches the window from ctx so cancellation never tears a
// write; TaskTimeout bounds it instead.
func (x *execution) runWindow(ctx context.Context, spec TaskSpec) (*TaskResult, error) {
	tctx := context.WithoutCancel(ctx)
	if x.s.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, x.s.opts.TaskTimeout)
		defer cancel()
	}
	return x.s.executor.Run(tctx, spec)
}

func (x *execution) record(instrument string, res *TaskResult, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.summary.TasksTotal++
	if err != nil {
		x.summary.TasksFailed++
		if x.hardErr == nil {
			x.hardErr = fmt.Errorf("%s: %w", instrument, err)
		}
	} else {
		x.summary.TasksSucceeded++
	}
	if res == nil {
		return
	}
	x.summary.RowsWritten += res.RowsWritten
	x.summary.RowsSkipped += res.RowsSkipped
	x.summary.Errors += int64(len(res.Errors))
	if err == nil {
		if res.Empty {
			x.empty++
		}
		x.dormant[instrument] = res.Dormant
	}
}

// recordHard records a failure that happened outside a task.
func (x *execution) recordHard(ctx context.Context, instrument, kind string, err error) {
	rec := job.ErrorRecord{RunID: x.run.ID, Instrument: instrument, Kind: kind, Message: err.Error()}
	if aerr := x.s.store.Jobs.AppendErrors(context.WithoutCancel(ctx), []job.ErrorRecord{rec}); aerr != nil {
		slog.Error("record error", "run", x.run.ID, "error", aerr)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.summary.Errors++
	if x.hardErr == nil {
		x.hardErr = fmt.Errorf("%s: %w", instrument, err)
	}
}

func (x *execution) recordDeferred(ctx context.Context, units []unit) {
	if len(units) == 0 {
		return
	}
	recs := make([]job.ErrorRecord, len(units))
	for i, u := range units {
		recs[i] = job.ErrorRecord{
			RunID:      x.run.ID,
			Instrument: u.instrument,
			Kind:       job.KindClaim,
			Message:    job.ErrClaimConflict.Error(),
		}
	}
	if err := x.s.store.Jobs.AppendErrors(context.WithoutCancel(ctx), recs); err != nil {
		slog.Error("record deferred instruments", "run", x.run.ID, "error", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.summary.TasksDeferred += int64(len(units))
	x.summary.Errors += int64(len(units))
}

func (x *execution) result() (job.Summary, int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	sum := x.summary
	for _, d := range x.dormant {
		if d {
			sum.DormantInstruments++
		}
	}
	return sum, x.empty, x.hardErr
}

// sleep waits for d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
