// Package snapshot exports point-in-time, adjustment-aware views of stored
// bars for research use.
package snapshot

import (
	"context"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Snapshot struct {
	ID              string     `json:"id"`
	Dataset         string     `json:"dataset"`
	Universe        []string   `json:"universe"`
	From            time.Time  `json:"from"`
	To              time.Time  `json:"to"`
	AsOf            time.Time  `json:"asOf"`
	Status          Status     `json:"status"`
	Path            string     `json:"path"`
	InstrumentCount int64      `json:"instrumentCount"`
	RowCount        int64      `json:"rowCount"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

// Progress is the export state of one instrument. It is independent of
// ingestion checkpoints.
type Progress struct {
	SnapshotID string     `json:"snapshotId"`
	Instrument string     `json:"instrument"`
	Rows       int64      `json:"rows"`
	FirstDate  *time.Time `json:"firstDate,omitempty"`
	LastDate   *time.Time `json:"lastDate,omitempty"`
	DoneAt     time.Time  `json:"doneAt"`
}

type Repository interface {
	Create(ctx context.Context, s *Snapshot) error
	Update(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	SaveProgress(ctx context.Context, p Progress) error
	ListProgress(ctx context.Context, id string) ([]Progress, error)
}

// ExportRequest selects what to export. An empty Universe means every
// instrument with bars in [From, To]; a zero AsOf pins the factor state at
// export time.
type ExportRequest struct {
	Dataset  string
	Universe []string
	From     time.Time
	To       time.Time
	AsOf     time.Time
}

// Manifest is written next to the data files.
type Manifest struct {
	ID              string    `json:"id"`
	Dataset         string    `json:"dataset"`
	InstrumentCount int64     `json:"instrument_count"`
	RowCount        int64     `json:"row_count"`
	DateRange       [2]string `json:"date_range"`
	AsOf            time.Time `json:"as_of"`
	CreatedAt       time.Time `json:"created_at"`
}
