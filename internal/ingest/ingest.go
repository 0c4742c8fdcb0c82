// Package ingest executes ingestion jobs: the scheduler fans a job out into
// per-instrument units and the executor runs one window of one instrument.
package ingest

import (
	"fmt"
	"time"

	"github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/market"
)

// Options tunes retries, batching and claim liveness.
type Options struct {
	// MaxRetries bounds transient fetch retries per window.
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// BatchSize is the number of rows per store write.
	BatchSize int
	// ClaimTTL is how long a claim survives without a heartbeat.
	ClaimTTL time.Duration
	// ClaimRetries is how many extra rounds a unit that lost the claim race
	// is retried before it counts as deferred.
	ClaimRetries      int
	ClaimRetryDelay   time.Duration
	HeartbeatInterval time.Duration
	// TaskTimeout bounds a window that keeps running after cancellation.
	TaskTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:        5,
		RetryInitial:      500 * time.Millisecond,
		RetryMax:          30 * time.Second,
		BatchSize:         500,
		ClaimTTL:          2 * time.Minute,
		ClaimRetries:      2,
		ClaimRetryDelay:   5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		TaskTimeout:       5 * time.Minute,
	}
}

// Store groups the repositories ingestion writes through.
type Store struct {
	Jobs    job.Repository
	Claims  job.ClaimRepository
	Bars    market.BarRepository
	Factors market.FactorRepository
}

// StoreWriteError is a hard failure writing to the store.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreWriteError) Unwrap() error { return e.Err }
