package job

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Processor runs a claimed job to a terminal status, or back to the queue
// when its context is cancelled.
type Processor interface {
	Process(ctx context.Context, j *Job) error
}

// WorkerPool runs a fixed number of goroutines that claim queued jobs from
// the store and hand them to a Processor. Several pools, in one or many
// processes, may share a store; ClaimQueued hands each job to one of them.
type WorkerPool struct {
	repo         Repository
	processor    Processor
	workers      int
	notify       chan struct{}
	pollInterval time.Duration
	errorBackoff time.Duration

	mu     sync.Mutex
	active map[int64]time.Time
}

type PoolOption func(*WorkerPool)

// WithPollInterval sets how often idle workers look for queued jobs when no
// Notify arrives.
func WithPollInterval(d time.Duration) PoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.pollInterval = d
		}
	}
}

// WithErrorBackoff sets how long a worker pauses after the store fails to
// hand out a job.
func WithErrorBackoff(d time.Duration) PoolOption {
	return func(wp *WorkerPool) { wp.errorBackoff = d }
}

// NewWorkerPool creates a pool that processes up to workers jobs at once.
func NewWorkerPool(repo Repository, processor Processor, workers int, opts ...PoolOption) *WorkerPool {
	wp := &WorkerPool{
		repo:         repo,
		processor:    processor,
		workers:      max(workers, 1),
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
		errorBackoff: time.Second,
		active:       make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Notify wakes an idle worker to check for queued jobs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Active lists the IDs of jobs this pool is processing right now.
func (wp *WorkerPool) Active() []int64 {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	ids := make([]int64, 0, len(wp.active))
	for id := range wp.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// Run starts the workers and blocks until ctx is cancelled and every job in
// progress has returned.
func (wp *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range wp.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wp.loop(ctx, i)
		}()
	}
	wg.Wait()
}

func (wp *WorkerPool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		if !wp.drain(ctx, id) {
			// The store is unhealthy; do not spin on it.
			select {
			case <-ctx.Done():
				return
			case <-time.After(wp.errorBackoff):
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

// drain processes queued jobs until none is left. It reports false when the
// store failed to hand out a job.
func (wp *WorkerPool) drain(ctx context.Context, id int) bool {
	for ctx.Err() == nil {
		j, err := wp.repo.ClaimQueued(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			slog.Error("worker: claim queued", "worker", id, "error", err)
			return false
		}
		if j == nil {
			return true
		}
		wp.process(ctx, id, j)
	}
	return true
}

func (wp *WorkerPool) process(ctx context.Context, id int, j *Job) {
	start := time.Now()
	wp.mu.Lock()
	wp.active[j.ID] = start
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		delete(wp.active, j.ID)
		wp.mu.Unlock()
	}()

	slog.Info("worker: processing job", "worker", id, "job", j.ID, "dataset", j.Dataset, "mode", j.Mode)
	if err := wp.processor.Process(ctx, j); err != nil {
		slog.Error("worker: process job", "worker", id, "job", j.ID, "elapsed", time.Since(start).String(), "error", err)
		return
	}
	slog.Info("worker: job done", "worker", id, "job", j.ID, "elapsed", time.Since(start).String())
}
