package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/schedule"
	"github.com/ahmethakanbesel/marketsync/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the job worker pool and configured schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				root.cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), root)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, root *rootOptions) error {
	// Root context: cancelled on SIGINT/SIGTERM so in-flight jobs stop
	// dispatching new windows during graceful shutdown.
	rootCtx, rootCancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	a, err := newApp(root.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	// Worker pool: picks up queued jobs in the background
	pool := job.NewWorkerPool(a.jobs, a.scheduler, root.cfg.Jobs.Pool,
		job.WithPollInterval(root.cfg.Jobs.PollInterval))
	a.jobSvc.SetNotify(pool.Notify)

	// Requeue running jobs whose owner stopped heartbeating before this
	// pool starts jobs of its own.
	if err := a.jobSvc.RecoverStaleJobs(rootCtx); err != nil {
		slog.Error("failed to recover stale jobs", "error", err)
	}

	poolDone := make(chan struct{})
	go func() {
		pool.Run(rootCtx)
		close(poolDone)
	}()
	pool.Notify()

	sched, err := schedule.New(rootCtx, a.jobSvc, root.cfg.Schedules)
	if err != nil {
		rootCancel()
		<-poolDone
		return err
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(rootCtx, root.cfg.HTTP, server.Services{
		Jobs:      a.jobSvc,
		Tracker:   a.tracker,
		Snapshots: a.snapshots,
		Pool:      pool,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server started", "addr", root.cfg.HTTP.Addr, "db", root.cfg.DBPath, "owner", a.scheduler.Owner())

	var serveErr error
	select {
	case <-rootCtx.Done():
	case serveErr = <-errCh:
		slog.Error("server error", "error", serveErr)
	}

	// Cancel root context first so running jobs stop dispatching and requeue.
	rootCancel()

	// Wait for worker pool to drain before shutting down HTTP.
	<-poolDone

	// Then drain connections with a deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), root.cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return serveErr
}
