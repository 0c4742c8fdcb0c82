package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ahmethakanbesel/marketsync/internal/apperror"
	domain "github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/platform/sqlite"
)

var jobColumns = []string{
	"id", "dataset", "mode", "params", "workers", "status", "error",
	"tasks_total", "tasks_succeeded", "tasks_failed", "tasks_deferred",
	"rows_written", "rows_skipped", "errors_count", "dormant_count",
	"created_at", "started_at", "finished_at", "updated_at",
}

var runColumns = []string{"id", "job_id", "dataset", "mode", "params", "status", "started_at", "finished_at"}

var taskColumns = []string{
	"id", "job_id", "run_id", "dataset", "instrument", "window_from", "window_to", "status",
	"rows_written", "rows_skipped", "error_count", "error", "started_at", "finished_at",
}

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	now := r.now().UTC()

	query, args, err := sqlite.Builder.Insert("jobs").
		Columns("dataset", "mode", "params", "workers", "status", "created_at", "updated_at").
		Values(j.Dataset, string(j.Mode), string(params), j.Workers, string(j.Status), sqlite.FormatTime(now), sqlite.FormatTime(now)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build create job: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	j.ID, _ = res.LastInsertId()
	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

func (r *Repository) Update(ctx context.Context, j *domain.Job) error {
	now := r.now().UTC()
	query, args, err := sqlite.Builder.Update("jobs").SetMap(map[string]any{
		"status":          string(j.Status),
		"error":           nullString(j.Error),
		"tasks_total":     j.Summary.TasksTotal,
		"tasks_succeeded": j.Summary.TasksSucceeded,
		"tasks_failed":    j.Summary.TasksFailed,
		"tasks_deferred":  j.Summary.TasksDeferred,
		"rows_written":    j.Summary.RowsWritten,
		"rows_skipped":    j.Summary.RowsSkipped,
		"errors_count":    j.Summary.Errors,
		"dormant_count":   j.Summary.DormantInstruments,
		"started_at":      sqlite.TimeArg(j.StartedAt),
		"finished_at":     sqlite.TimeArg(j.FinishedAt),
		"updated_at":      sqlite.FormatTime(now),
	}).Where(sq.Eq{"id": j.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build update job: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	j.UpdatedAt = now
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	query, args, err := sqlite.Builder.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get job: %w", err)
	}

	j, err := scanJob(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, error) {
	b := sqlite.Builder.Select(jobColumns...).From("jobs").OrderBy("id DESC")
	if f.Dataset != "" {
		b = b.Where(sq.Eq{"dataset": f.Dataset})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClaimQueued performs the queued -> running start transition atomically, so
// two pools sharing a database never start the same job.
func (r *Repository) ClaimQueued(ctx context.Context) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim queued: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE status = 'queued' ORDER BY id ASC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued: select: %w", err)
	}

	now := sqlite.FormatTime(r.now())
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', error = NULL, started_at = ?, finished_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim queued: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim queued: commit: %w", err)
	}

	return r.Get(ctx, id)
}

func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	query, args, err := sqlite.Builder.Insert("runs").Columns(runColumns...).
		Values(run.ID, run.JobID, run.Dataset, string(run.Mode), string(params), string(run.Status),
			sqlite.FormatTime(run.StartedAt), sqlite.TimeArg(run.FinishedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build create run: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrRunActive
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (r *Repository) FinishRun(ctx context.Context, run *domain.Run) error {
	query, args, err := sqlite.Builder.Update("runs").
		Set("status", string(run.Status)).
		Set("finished_at", sqlite.TimeArg(run.FinishedAt)).
		Where(sq.Eq{"id": run.ID, "status": string(domain.StatusRunning)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build finish run: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (r *Repository) ActiveRun(ctx context.Context, jobID int64) (*domain.Run, error) {
	query, args, err := sqlite.Builder.Select(runColumns...).From("runs").
		Where(sq.Eq{"job_id": jobID, "status": string(domain.StatusRunning)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build active run: %w", err)
	}

	run, err := scanRun(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active run: %w", err)
	}
	return run, nil
}

func (r *Repository) ListRuns(ctx context.Context, jobID int64) ([]domain.Run, error) {
	query, args, err := sqlite.Builder.Select(runColumns...).From("runs").
		Where(sq.Eq{"job_id": jobID}).OrderBy("started_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list runs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (r *Repository) CreateTask(ctx context.Context, t *domain.Task) error {
	query, args, err := sqlite.Builder.Insert("tasks").Columns(taskColumns[1:]...).
		Values(t.JobID, t.RunID, t.Dataset, t.Instrument,
			sqlite.FormatTime(t.WindowFrom), sqlite.FormatTime(t.WindowTo), string(t.Status),
			t.RowsWritten, t.RowsSkipped, t.ErrorCount, nullString(t.Error),
			sqlite.TimeArg(t.StartedAt), sqlite.TimeArg(t.FinishedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build create task: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

func (r *Repository) UpdateTask(ctx context.Context, t *domain.Task) error {
	query, args, err := sqlite.Builder.Update("tasks").SetMap(map[string]any{
		"status":       string(t.Status),
		"rows_written": t.RowsWritten,
		"rows_skipped": t.RowsSkipped,
		"error_count":  t.ErrorCount,
		"error":        nullString(t.Error),
		"started_at":   sqlite.TimeArg(t.StartedAt),
		"finished_at":  sqlite.TimeArg(t.FinishedAt),
	}).Where(sq.Eq{"id": t.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build update task: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (r *Repository) ListTasks(ctx context.Context, jobID int64) ([]domain.Task, error) {
	query, args, err := sqlite.Builder.Select(taskColumns...).From("tasks").
		Where(sq.Eq{"job_id": jobID}).OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list tasks: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var from, to, status string
		var errMsg, started, finished sql.NullString
		if err := rows.Scan(&t.ID, &t.JobID, &t.RunID, &t.Dataset, &t.Instrument, &from, &to, &status,
			&t.RowsWritten, &t.RowsSkipped, &t.ErrorCount, &errMsg, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.WindowFrom, _ = sqlite.ParseTime(from)
		t.WindowTo, _ = sqlite.ParseTime(to)
		t.Status = domain.TaskStatus(status)
		t.Error = errMsg.String
		t.StartedAt = sqlite.NullTime(started)
		t.FinishedAt = sqlite.NullTime(finished)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *Repository) AppendErrors(ctx context.Context, errs []domain.ErrorRecord) error {
	if len(errs) == 0 {
		return nil
	}
	now := sqlite.FormatTime(r.now())
	b := sqlite.Builder.Insert("task_errors").
		Columns("run_id", "task_id", "instrument", "kind", "message", "detail", "created_at")
	for _, e := range errs {
		var taskID any
		if e.TaskID != 0 {
			taskID = e.TaskID
		}
		b = b.Values(e.RunID, taskID, e.Instrument, e.Kind, e.Message, nullString(e.Detail), now)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build append errors: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append errors: %w", err)
	}
	return nil
}

func (r *Repository) ListErrors(ctx context.Context, jobID int64) ([]domain.ErrorRecord, error) {
	query, args, err := sqlite.Builder.
		Select("e.id", "e.run_id", "e.task_id", "e.instrument", "e.kind", "e.message", "e.detail", "e.created_at").
		From("task_errors e").
		Join("runs r ON r.id = e.run_id").
		Where(sq.Eq{"r.job_id": jobID}).
		OrderBy("e.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list errors: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ErrorRecord
	for rows.Next() {
		var e domain.ErrorRecord
		var taskID sql.NullInt64
		var detail sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.RunID, &taskID, &e.Instrument, &e.Kind, &e.Message, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		e.TaskID = taskID.Int64
		e.Detail = detail.String
		e.CreatedAt, _ = sqlite.ParseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, error) {
	var j domain.Job
	var mode, params, status, created, updated string
	var errMsg, started, finished sql.NullString
	if err := s.Scan(
		&j.ID, &j.Dataset, &mode, &params, &j.Workers, &status, &errMsg,
		&j.Summary.TasksTotal, &j.Summary.TasksSucceeded, &j.Summary.TasksFailed, &j.Summary.TasksDeferred,
		&j.Summary.RowsWritten, &j.Summary.RowsSkipped, &j.Summary.Errors, &j.Summary.DormantInstruments,
		&created, &started, &finished, &updated,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	j.Mode = domain.Mode(mode)
	j.Status = domain.Status(status)
	j.Error = errMsg.String
	j.CreatedAt, _ = sqlite.ParseTime(created)
	j.UpdatedAt, _ = sqlite.ParseTime(updated)
	j.StartedAt = sqlite.NullTime(started)
	j.FinishedAt = sqlite.NullTime(finished)
	return &j, nil
}

func scanRun(s scanner) (*domain.Run, error) {
	var run domain.Run
	var mode, params, status, started string
	var finished sql.NullString
	if err := s.Scan(&run.ID, &run.JobID, &run.Dataset, &mode, &params, &status, &started, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	run.Mode = domain.Mode(mode)
	run.Status = domain.Status(status)
	run.StartedAt, _ = sqlite.ParseTime(started)
	run.FinishedAt = sqlite.NullTime(finished)
	return &run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
