package main

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"

	"github.com/spf13/afero"

	"github.com/ahmethakanbesel/marketsync/internal/checkpoint"
	"github.com/ahmethakanbesel/marketsync/internal/config"
	"github.com/ahmethakanbesel/marketsync/internal/ingest"
	"github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/market"
	"github.com/ahmethakanbesel/marketsync/internal/platform/sqlite"
	checkpointrepo "github.com/ahmethakanbesel/marketsync/internal/repository/checkpoint"
	jobrepo "github.com/ahmethakanbesel/marketsync/internal/repository/job"
	marketrepo "github.com/ahmethakanbesel/marketsync/internal/repository/market"
	snaprepo "github.com/ahmethakanbesel/marketsync/internal/repository/snapshot"
	"github.com/ahmethakanbesel/marketsync/internal/snapshot"
	"github.com/ahmethakanbesel/marketsync/internal/source"
	"github.com/ahmethakanbesel/marketsync/internal/source/yahoo"
)

// app holds every wired component of one process.
type app struct {
	cfg       config.Config
	db        *sqlite.DB
	jobs      *jobrepo.Repository
	claims    *jobrepo.Claims
	tracker   *checkpoint.Tracker
	scheduler *ingest.Scheduler
	jobSvc    *job.Service
	snapshots *snapshot.Service
	exportFs  afero.Fs
}

func newApp(cfg config.Config) (*app, error) {
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Repositories
	jobs := jobrepo.NewRepository(db.DB)
	claims := jobrepo.NewClaims(db.DB)
	bars := marketrepo.NewRepository(db.DB)
	snapRepo := snaprepo.NewRepository(db.DB)
	tracker := checkpoint.NewTracker(checkpointrepo.NewRepository(db.DB),
		checkpoint.WithDormancyThreshold(cfg.Checkpoint.DormancyThreshold))

	// Source registry
	sources := source.NewRegistry()
	sources.Register(newYahoo(cfg.Yahoo), market.KlineDayRaw, market.KlineMinuteRaw, market.AdjFactor)

	opts := ingestOptions(cfg.Ingest)
	store := ingest.Store{Jobs: jobs, Claims: claims, Bars: bars, Factors: bars}
	executor := ingest.NewExecutor(store, tracker, sources, opts)
	scheduler := ingest.NewScheduler(store, tracker, sources, executor, opts)

	jobSvc := job.NewService(jobs, claims,
		job.WithStaleAfter(cfg.Jobs.StaleAfter),
		job.WithWorkerLimits(cfg.Jobs.DefaultWorkers, cfg.Jobs.MaxWorkers))

	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(cfg.Export.Dir, 0o755); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	exportFs := afero.NewBasePathFs(osFs, cfg.Export.Dir)
	writer := snapshot.NewWriter(exportFs, bars, bars, snapRepo, snapshot.WithWorkers(cfg.Export.Workers))

	return &app{
		cfg:       cfg,
		db:        db,
		jobs:      jobs,
		claims:    claims,
		tracker:   tracker,
		scheduler: scheduler,
		jobSvc:    jobSvc,
		snapshots: snapshot.NewService(writer, snapRepo),
		exportFs:  exportFs,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func newYahoo(cfg config.Yahoo) *yahoo.Fetcher {
	jar, _ := cookiejar.New(nil)
	opts := []yahoo.Option{
		yahoo.WithWorkers(cfg.Workers),
		yahoo.WithClient(&http.Client{Jar: jar, Timeout: cfg.Timeout}),
	}
	if cfg.ChartEndpoint != "" {
		opts = append(opts, yahoo.WithChartEndpoint(cfg.ChartEndpoint))
	}
	if cfg.CookieURL != "" {
		opts = append(opts, yahoo.WithCookieURL(cfg.CookieURL))
	}
	if cfg.CrumbURL != "" {
		opts = append(opts, yahoo.WithCrumbURL(cfg.CrumbURL))
	}
	return yahoo.New(opts...)
}

func ingestOptions(c config.Ingest) ingest.Options {
	return ingest.Options{
		MaxRetries:        c.MaxRetries,
		RetryInitial:      c.RetryInitial,
		RetryMax:          c.RetryMax,
		BatchSize:         c.BatchSize,
		ClaimTTL:          c.ClaimTTL,
		ClaimRetries:      c.ClaimRetries,
		ClaimRetryDelay:   c.ClaimRetryDelay,
		HeartbeatInterval: c.HeartbeatInterval,
		TaskTimeout:       c.TaskTimeout,
	}
}
