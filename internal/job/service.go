package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/marketsync/internal/apperror"
)

type Service struct {
	repo           Repository
	claims         ClaimRepository
	staleAfter     time.Duration
	defaultWorkers int
	maxWorkers     int
	now            func() time.Time
	notify         func()
}

type ServiceOption func(*Service)

// WithStaleAfter sets how old a job claim heartbeat must be before a running
// job is considered stuck.
func WithStaleAfter(d time.Duration) ServiceOption {
	return func(s *Service) { s.staleAfter = d }
}

// WithWorkerLimits sets the worker count used when a request omits it and the
// ceiling a request may ask for.
func WithWorkerLimits(def, max int) ServiceOption {
	return func(s *Service) {
		s.defaultWorkers = def
		s.maxWorkers = max
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, claims ClaimRepository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:           repo,
		claims:         claims,
		staleAfter:     2 * time.Minute,
		defaultWorkers: 4,
		maxWorkers:     32,
		now:            time.Now,
		notify:         func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotify sets a callback invoked when a job becomes queued.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

func (s *Service) Submit(ctx context.Context, req SubmitJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params, _ := req.params()

	workers := req.Workers
	if workers == 0 {
		workers = s.defaultWorkers
	}
	if workers > s.maxWorkers {
		return nil, apperror.Newf(apperror.BadRequest, "workers must be at most %d", s.maxWorkers)
	}

	j := &Job{
		Dataset: req.Dataset,
		Mode:    Mode(req.Mode),
		Params:  params,
		Workers: workers,
		Status:  StatusQueued,
	}
	if j.Mode == "" {
		j.Mode = ModeIncremental
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}

	slog.Info("job submitted", "job", j.ID, "dataset", j.Dataset, "mode", j.Mode, "workers", j.Workers)
	s.notify()
	return j, nil
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = 100
	}
	return s.repo.List(ctx, ListFilter{Dataset: req.Dataset, Status: Status(req.Status), Limit: limit})
}

func (s *Service) Runs(ctx context.Context, req GetJobRequest) ([]Run, error) {
	if _, err := s.Get(ctx, req); err != nil {
		return nil, err
	}
	return s.repo.ListRuns(ctx, req.ID)
}

func (s *Service) Tasks(ctx context.Context, req GetJobRequest) ([]Task, error) {
	if _, err := s.Get(ctx, req); err != nil {
		return nil, err
	}
	return s.repo.ListTasks(ctx, req.ID)
}

func (s *Service) Errors(ctx context.Context, req GetJobRequest) ([]ErrorRecord, error) {
	if _, err := s.Get(ctx, req); err != nil {
		return nil, err
	}
	return s.repo.ListErrors(ctx, req.ID)
}

// Stuck lists running jobs whose executor stopped heartbeating.
func (s *Service) Stuck(ctx context.Context) ([]Job, error) {
	running, err := s.repo.List(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		return nil, err
	}

	var stuck []Job
	for _, j := range running {
		ok, err := s.isStuck(ctx, &j)
		if err != nil {
			return nil, err
		}
		if ok {
			stuck = append(stuck, j)
		}
	}
	return stuck, nil
}

func (s *Service) isStuck(ctx context.Context, j *Job) (bool, error) {
	if j.Status != StatusRunning {
		return false, nil
	}
	c, err := s.claims.Get(ctx, JobClaimKey(j.ID))
	if err != nil {
		return false, fmt.Errorf("get job claim: %w", err)
	}
	// A job is marked running before its scheduler takes the claim; give
	// that gap the same grace as a heartbeat.
	if c == nil {
		return j.UpdatedAt.Before(s.now().Add(-s.staleAfter)), nil
	}
	return c.HeartbeatAt.Before(s.now().Add(-s.staleAfter)), nil
}

// Requeue returns a stuck, failed or partial job to the queue. The run that
// was active, if any, is closed as failed; the next execution opens a new run
// and resumes from the stored checkpoints.
func (s *Service) Requeue(ctx context.Context, req GetJobRequest) (*Job, error) {
	j, err := s.Get(ctx, req)
	if err != nil {
		return nil, err
	}

	if j.Status == StatusRunning {
		stuck, err := s.isStuck(ctx, j)
		if err != nil {
			return nil, err
		}
		if !stuck {
			return nil, apperror.New(apperror.Conflict, "job is running")
		}
	}

	if err := Apply(ctx, j, EventRequeue); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, apperror.Newf(apperror.Conflict, "job in status %s cannot be requeued", j.Status)
		}
		return nil, err
	}

	if run, err := s.repo.ActiveRun(ctx, j.ID); err != nil {
		return nil, err
	} else if run != nil {
		now := s.now().UTC()
		run.Status = StatusFailed
		run.FinishedAt = &now
		if err := s.repo.FinishRun(ctx, run); err != nil {
			return nil, err
		}
	}

	if c, err := s.claims.Get(ctx, JobClaimKey(j.ID)); err != nil {
		return nil, fmt.Errorf("get job claim: %w", err)
	} else if c != nil {
		if err := s.claims.Release(ctx, c.Key, c.Owner); err != nil {
			return nil, fmt.Errorf("release job claim: %w", err)
		}
	}

	j.Error = ""
	j.StartedAt = nil
	j.FinishedAt = nil
	if err := s.repo.Update(ctx, j); err != nil {
		return nil, err
	}

	slog.Info("job requeued", "job", j.ID, "dataset", j.Dataset)
	s.notify()
	return j, nil
}

// RecoverStaleJobs requeues every stuck job. Called at startup so work
// interrupted by a crash resumes.
func (s *Service) RecoverStaleJobs(ctx context.Context) error {
	stuck, err := s.Stuck(ctx)
	if err != nil {
		return err
	}
	var n int
	for _, j := range stuck {
		if _, err := s.Requeue(ctx, GetJobRequest{ID: j.ID}); err != nil {
			return fmt.Errorf("requeue job %d: %w", j.ID, err)
		}
		n++
	}
	if n > 0 {
		slog.Info("re-queued interrupted jobs", "count", n)
	}
	return nil
}
