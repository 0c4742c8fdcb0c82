package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ahmethakanbesel/marketsync/internal/checkpoint"
	"github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/market"
	"github.com/ahmethakanbesel/marketsync/internal/source"
)

// TaskSpec identifies one window of one instrument inside a run.
type TaskSpec struct {
	JobID      int64
	RunID      string
	Dataset    market.Dataset
	Instrument string
	Window     market.Window
	// Owner must hold the task claim for (Dataset, Instrument).
	Owner string
}

type TaskResult struct {
	TaskID      int64
	RowsWritten int64
	RowsSkipped int64
	Errors      []job.ErrorRecord
	// Empty is set when the source returned no records for the window.
	Empty bool
	// Dormant reports the instrument's dormancy after the checkpoint moved.
	Dormant bool
}

// Executor runs a single task: fetch, validate, write, advance.
type Executor struct {
	store   Store
	tracker *checkpoint.Tracker
	sources *source.Registry
	opts    Options
	now     func() time.Time
}

func NewExecutor(store Store, tracker *checkpoint.Tracker, sources *source.Registry, opts Options) *Executor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	return &Executor{store: store, tracker: tracker, sources: sources, opts: opts, now: time.Now}
}

// Run executes spec. A non-nil error means the task failed hard and the
// checkpoint was not advanced; the result still carries the task ID and the
// error rows recorded.
func (e *Executor) Run(ctx context.Context, spec TaskSpec) (*TaskResult, error) {
	started := e.now().UTC()
	task := &job.Task{
		JobID:      spec.JobID,
		RunID:      spec.RunID,
		Dataset:    spec.Dataset.Name,
		Instrument: spec.Instrument,
		WindowFrom: spec.Window.From,
		WindowTo:   spec.Window.To,
		Status:     job.TaskRunning,
		StartedAt:  &started,
	}
	if err := e.store.Jobs.CreateTask(ctx, task); err != nil {
		return &TaskResult{}, &StoreWriteError{Op: "create task", Err: err}
	}

	res := &TaskResult{TaskID: task.ID}
	claimKey := job.TaskClaimKey(spec.Dataset.Name, spec.Instrument)

	if err := e.store.Claims.Heartbeat(ctx, claimKey, spec.Owner, task.ID); err != nil {
		return res, e.fail(ctx, task, res, job.KindClaim, err)
	}

	records, err := e.fetch(ctx, spec)
	if err != nil {
		return res, e.fail(ctx, task, res, job.KindFetch, err)
	}
	res.Empty = len(records) == 0

	written, err := e.write(ctx, spec, task, records, res)
	if err != nil {
		return res, e.fail(ctx, task, res, job.KindStore, err)
	}
	res.RowsWritten = written

	// The checkpoint only moves while this owner still holds the claim.
	if err := e.store.Claims.Heartbeat(ctx, claimKey, spec.Owner, task.ID); err != nil {
		return res, e.fail(ctx, task, res, job.KindClaim, err)
	}

	st, err := e.tracker.Advance(ctx, spec.Dataset.Name, spec.Instrument, spec.Window,
		map[string]string{"run": spec.RunID}, res.Empty)
	if err != nil {
		return res, e.fail(ctx, task, res, job.KindStore, &StoreWriteError{Op: "advance checkpoint", Err: err})
	}
	res.Dormant = st.Dormant

	if err := e.store.Jobs.AppendErrors(ctx, res.Errors); err != nil {
		slog.Error("record task errors", "task", task.ID, "error", err)
	}

	finished := e.now().UTC()
	task.Status = job.TaskSuccess
	task.RowsWritten = res.RowsWritten
	task.RowsSkipped = res.RowsSkipped
	task.ErrorCount = int64(len(res.Errors))
	task.FinishedAt = &finished
	// The window is committed once the checkpoint moved; a lost task row
	// update must not fail the unit and re-fetch committed data.
	if err := e.store.Jobs.UpdateTask(ctx, task); err != nil {
		slog.Error("record task success", "task", task.ID, "instrument", spec.Instrument, "error", err)
	}

	slog.Debug("task done", "task", task.ID, "dataset", spec.Dataset.Name, "instrument", spec.Instrument,
		"from", spec.Window.From, "to", spec.Window.To, "written", res.RowsWritten, "skipped", res.RowsSkipped,
		"empty", res.Empty, "dormant", res.Dormant)
	return res, nil
}

func (e *Executor) fetch(ctx context.Context, spec TaskSpec) ([]source.Record, error) {
	f, err := e.sources.Get(spec.Dataset.Name)
	if err != nil {
		return nil, source.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryInitial
	b.MaxInterval = e.opts.RetryMax
	b.MaxElapsedTime = 0

	var records []source.Record
	op := func() error {
		recs, err := f.Fetch(ctx, spec.Instrument, spec.Dataset.Name, spec.Window.From, spec.Window.To)
		if err != nil {
			if !source.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		records = recs
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("fetch failed, retrying", "source", f.Name(), "dataset", spec.Dataset.Name,
			"instrument", spec.Instrument, "wait", wait, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(e.opts.MaxRetries, 0))), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", spec.Dataset.Name, spec.Instrument, err)
	}
	return records, nil
}

func (e *Executor) write(ctx context.Context, spec TaskSpec, task *job.Task, records []source.Record, res *TaskResult) (int64, error) {
	reject := func(v *market.ValidationError) {
		res.RowsSkipped++
		res.Errors = append(res.Errors, job.ErrorRecord{
			RunID:      spec.RunID,
			TaskID:     task.ID,
			Instrument: spec.Instrument,
			Kind:       job.KindValidation,
			Message:    v.Reason,
			Detail:     v.Time.UTC().Format(time.RFC3339),
		})
	}

	records = dedupe(records, res)

	if spec.Dataset.Kind == market.KindFactors {
		asOf := e.now().UTC()
		valid := make([]market.Factor, 0, len(records))
		for _, r := range records {
			f := market.Factor{Instrument: spec.Instrument, TradeDate: r.Time, Factor: r.Factor, AsOf: asOf}
			if v := market.ValidateFactor(f, spec.Window); v != nil {
				reject(v)
				continue
			}
			valid = append(valid, f)
		}
		var inserted int64
		for i := 0; i < len(valid); i += e.opts.BatchSize {
			end := min(i+e.opts.BatchSize, len(valid))
			n, err := e.store.Factors.AppendFactors(ctx, valid[i:end])
			if err != nil {
				return inserted, &StoreWriteError{Op: "append factors", Err: err}
			}
			inserted += n
		}
		return inserted, nil
	}

	valid := make([]market.Bar, 0, len(records))
	for _, r := range records {
		b := market.Bar{
			Dataset:    spec.Dataset.Name,
			Instrument: spec.Instrument,
			Time:       r.Time,
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
			Amount:     r.Amount,
		}
		if v := market.ValidateBar(b, spec.Window); v != nil {
			reject(v)
			continue
		}
		valid = append(valid, b)
	}
	for i := 0; i < len(valid); i += e.opts.BatchSize {
		end := min(i+e.opts.BatchSize, len(valid))
		if _, err := e.store.Bars.UpsertBars(ctx, valid[i:end]); err != nil {
			return int64(i), &StoreWriteError{Op: "upsert bars", Err: err}
		}
	}
	return int64(len(valid)), nil
}

// dedupe keeps the last record for every timestamp, preserving first-seen
// order. Dropped duplicates count as skipped.
func dedupe(records []source.Record, res *TaskResult) []source.Record {
	index := make(map[time.Time]int, len(records))
	out := make([]source.Record, 0, len(records))
	for _, r := range records {
		key := r.Time.UTC()
		if i, ok := index[key]; ok {
			out[i] = r
			res.RowsSkipped++
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}

func (e *Executor) fail(ctx context.Context, task *job.Task, res *TaskResult, kind string, err error) error {
	res.Errors = append(res.Errors, job.ErrorRecord{
		RunID:      task.RunID,
		TaskID:     task.ID,
		Instrument: task.Instrument,
		Kind:       kind,
		Message:    err.Error(),
	})
	if aerr := e.store.Jobs.AppendErrors(ctx, res.Errors); aerr != nil {
		slog.Error("record task errors", "task", task.ID, "error", aerr)
	}

	finished := e.now().UTC()
	task.Status = job.TaskFailed
	task.Error = err.Error()
	task.RowsSkipped = res.RowsSkipped
	task.ErrorCount = int64(len(res.Errors))
	task.FinishedAt = &finished
	if uerr := e.store.Jobs.UpdateTask(ctx, task); uerr != nil {
		slog.Error("mark task failed", "task", task.ID, "error", uerr)
	}

	slog.Warn("task failed", "task", task.ID, "dataset", task.Dataset, "instrument", task.Instrument,
		"kind", kind, "error", err)
	return err
}
