package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClaimConflict means another live owner holds the key.
	ErrClaimConflict = errors.New("claim held by another worker")
	// ErrClaimLost means a claim this owner held was taken over after going
	// stale.
	ErrClaimLost = errors.New("claim lost")
	// ErrRunActive means the job already has a running run.
	ErrRunActive = errors.New("job already has an active run")
)

type ListFilter struct {
	Dataset string
	Status  Status
	Limit   uint64
}

type Repository interface {
	Create(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error
	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)
	// ClaimQueued moves the oldest queued job to running. It returns nil, nil
	// when nothing is queued.
	ClaimQueued(ctx context.Context) (*Job, error)

	// CreateRun returns ErrRunActive if the job has a running run.
	CreateRun(ctx context.Context, r *Run) error
	// FinishRun closes a running run. Finished runs are left untouched.
	FinishRun(ctx context.Context, r *Run) error
	ActiveRun(ctx context.Context, jobID int64) (*Run, error)
	ListRuns(ctx context.Context, jobID int64) ([]Run, error)

	CreateTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, jobID int64) ([]Task, error)

	AppendErrors(ctx context.Context, errs []ErrorRecord) error
	ListErrors(ctx context.Context, jobID int64) ([]ErrorRecord, error)
}

// ClaimRepository is the test-and-set primitive behind single-flight
// execution.
type ClaimRepository interface {
	// TryClaim takes key for owner if it is free or its heartbeat is older
	// than staleBefore. The check and the write are one statement.
	TryClaim(ctx context.Context, key, owner string, staleBefore time.Time) (bool, error)
	// Heartbeat refreshes a held claim, optionally recording the task it
	// guards. It returns ErrClaimLost if owner no longer holds key.
	Heartbeat(ctx context.Context, key, owner string, taskID int64) error
	Release(ctx context.Context, key, owner string) error
	Get(ctx context.Context, key string) (*Claim, error)
}
