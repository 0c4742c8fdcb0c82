package job

import (
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Terminal reports whether the scheduler is done with a job in status s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusPartial
}

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
	ModeInit        Mode = "init"
)

func (m Mode) Valid() bool {
	return m == ModeIncremental || m == ModeFull || m == ModeInit
}

// Params is the immutable request a job was submitted with. Runs snapshot it.
type Params struct {
	Instruments []string  `json:"instruments,omitempty"`
	Exchanges   []string  `json:"exchanges,omitempty"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
}

// Summary aggregates task outcomes. It is always reported, including
// non-zero error counts.
type Summary struct {
	TasksTotal         int64 `json:"tasksTotal"`
	TasksSucceeded     int64 `json:"tasksSucceeded"`
	TasksFailed        int64 `json:"tasksFailed"`
	TasksDeferred      int64 `json:"tasksDeferred"`
	RowsWritten        int64 `json:"rowsWritten"`
	RowsSkipped        int64 `json:"rowsSkipped"`
	Errors             int64 `json:"errors"`
	DormantInstruments int64 `json:"dormantInstruments"`
}

type Job struct {
	ID         int64      `json:"id"`
	Dataset    string     `json:"dataset"`
	Mode       Mode       `json:"mode"`
	Params     Params     `json:"params"`
	Workers    int        `json:"workers"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Summary    Summary    `json:"summary"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Run is one execution attempt of a job. Finished runs are never mutated.
type Run struct {
	ID         string     `json:"id"`
	JobID      int64      `json:"jobId"`
	Dataset    string     `json:"dataset"`
	Mode       Mode       `json:"mode"`
	Params     Params     `json:"params"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// Task is one (dataset, instrument, window) unit of work.
type Task struct {
	ID          int64      `json:"id"`
	JobID       int64      `json:"jobId"`
	RunID       string     `json:"runId"`
	Dataset     string     `json:"dataset"`
	Instrument  string     `json:"instrument"`
	WindowFrom  time.Time  `json:"windowFrom"`
	WindowTo    time.Time  `json:"windowTo"`
	Status      TaskStatus `json:"status"`
	RowsWritten int64      `json:"rowsWritten"`
	RowsSkipped int64      `json:"rowsSkipped"`
	ErrorCount  int64      `json:"errorCount"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Error kinds recorded in ErrorRecord.Kind.
const (
	KindValidation = "validation"
	KindFetch      = "fetch"
	KindStore      = "store"
	KindClaim      = "claim"
)

// ErrorRecord is an append-only failure row.
type ErrorRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"runId"`
	TaskID     int64     `json:"taskId,omitempty"`
	Instrument string    `json:"instrument"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Claim is a short-lived exclusivity marker.
type Claim struct {
	Key         string    `json:"key"`
	Owner       string    `json:"owner"`
	TaskID      int64     `json:"taskId,omitempty"`
	ClaimedAt   time.Time `json:"claimedAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// TaskClaimKey is the single-flight key of a (dataset, instrument) pair.
func TaskClaimKey(dataset, instrument string) string {
	return fmt.Sprintf("task:%s:%s", dataset, instrument)
}

// JobClaimKey is the exclusive execution key of a job.
func JobClaimKey(id int64) string {
	return "job:" + strconv.FormatInt(id, 10)
}
