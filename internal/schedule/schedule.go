// Package schedule submits ingestion jobs on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron"

	"github.com/ahmethakanbesel/marketsync/internal/config"
	"github.com/ahmethakanbesel/marketsync/internal/job"
)

// Jobs is the part of job.Service the scheduler needs.
type Jobs interface {
	Submit(ctx context.Context, req job.SubmitJobRequest) (*job.Job, error)
	List(ctx context.Context, req job.ListJobsRequest) ([]job.Job, error)
}

type Scheduler struct {
	ctx  context.Context
	jobs Jobs
	cron *cron.Cron
}

// New parses every schedule up front so a bad spec fails at startup. Specs
// with five fields use the standard cron format; six fields add seconds.
func New(ctx context.Context, jobs Jobs, schedules []config.Schedule) (*Scheduler, error) {
	s := &Scheduler{ctx: ctx, jobs: jobs, cron: cron.New()}
	for i, sc := range schedules {
		spec, err := parse(sc.Spec)
		if err != nil {
			return nil, fmt.Errorf("schedule %d (%s): %w", i, sc.Name, err)
		}
		if err := (job.SubmitJobRequest{Dataset: sc.Dataset, Mode: sc.Mode, Workers: sc.Workers}).Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d (%s): %w", i, sc.Name, err)
		}
		s.cron.Schedule(spec, cron.FuncJob(func() { s.fire(sc) }))
	}
	return s, nil
}

func parse(spec string) (cron.Schedule, error) {
	if len(strings.Fields(spec)) == 5 {
		return cron.ParseStandard(spec)
	}
	return cron.Parse(spec)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("schedules started", "entries", len(s.cron.Entries()))
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// fire submits the job of sc unless an earlier one for the same dataset is
// still queued or running.
func (s *Scheduler) fire(sc config.Schedule) {
	for _, st := range []job.Status{job.StatusQueued, job.StatusRunning} {
		active, err := s.jobs.List(s.ctx, job.ListJobsRequest{Dataset: sc.Dataset, Status: string(st), Limit: 1})
		if err != nil {
			slog.Error("schedule lookup failed", "schedule", sc.Name, "error", err)
			return
		}
		if len(active) > 0 {
			slog.Info("schedule skipped, job still active", "schedule", sc.Name, "job", active[0].ID, "status", active[0].Status)
			return
		}
	}

	j, err := s.jobs.Submit(s.ctx, job.SubmitJobRequest{
		Dataset:     sc.Dataset,
		Mode:        sc.Mode,
		Instruments: sc.Instruments,
		Exchanges:   sc.Exchanges,
		Workers:     sc.Workers,
	})
	if err != nil {
		slog.Error("scheduled submit failed", "schedule", sc.Name, "error", err)
		return
	}
	slog.Info("scheduled job submitted", "schedule", sc.Name, "job", j.ID, "dataset", j.Dataset)
}
