package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/market"
)

func newIngestCmd(root *rootOptions) *cobra.Command {
	var req job.SubmitJobRequest
	var instruments, exchanges string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit an ingestion job and run it in this process",
		Example: `  marketsync ingest --dataset kline_day_raw --instruments 000001.SZ,600000.SH
  marketsync ingest --dataset adj_factor --exchanges sh,sz --mode full`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Instruments = splitList(instruments)
			req.Exchanges = splitList(exchanges)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(root.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			j, err := a.jobSvc.Submit(ctx, req)
			if err != nil {
				return err
			}
			procErr := a.scheduler.Process(ctx, j)

			// Report what the store recorded, even when processing stopped early.
			final, err := a.jobSvc.Get(context.WithoutCancel(ctx), job.GetJobRequest{ID: j.ID})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), final); err != nil {
				return err
			}
			return procErr
		},
	}
	cmd.Flags().StringVar(&req.Dataset, "dataset", market.KlineDayRaw, "dataset to ingest")
	cmd.Flags().StringVar(&req.Mode, "mode", string(job.ModeIncremental), "incremental, full or init")
	cmd.Flags().StringVar(&instruments, "instruments", "", "comma separated instrument codes")
	cmd.Flags().StringVar(&exchanges, "exchanges", "", "comma separated exchange suffixes, e.g. sh,sz")
	cmd.Flags().StringVar(&req.StartDate, "start", "", "window start date")
	cmd.Flags().StringVar(&req.EndDate, "end", "", "window end date")
	cmd.Flags().IntVar(&req.Workers, "workers", 0, "concurrent instruments (default jobs.default_workers)")
	return cmd
}
