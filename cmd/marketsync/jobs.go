package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/marketsync/internal/job"
)

func newJobsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and repair ingestion jobs",
	}

	var list job.ListJobsRequest
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(root, func(a *app) error {
				jobs, err := a.jobSvc.List(cmd.Context(), list)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	listCmd.Flags().StringVar(&list.Dataset, "dataset", "", "filter by dataset")
	listCmd.Flags().StringVar(&list.Status, "status", "", "filter by status")
	listCmd.Flags().Uint64Var(&list.Limit, "limit", 20, "maximum jobs to show")

	var withTasks, withErrors bool
	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job with its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withApp(root, func(a *app) error {
				ctx := cmd.Context()
				j, err := a.jobSvc.Get(ctx, req)
				if err != nil {
					return err
				}
				runs, err := a.jobSvc.Runs(ctx, req)
				if err != nil {
					return err
				}
				out := map[string]any{"job": j, "runs": runs}
				if withTasks {
					if out["tasks"], err = a.jobSvc.Tasks(ctx, req); err != nil {
						return err
					}
				}
				if withErrors {
					if out["errors"], err = a.jobSvc.Errors(ctx, req); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	getCmd.Flags().BoolVar(&withTasks, "tasks", false, "include tasks")
	getCmd.Flags().BoolVar(&withErrors, "errors", false, "include error records")

	stuckCmd := &cobra.Command{
		Use:   "stuck",
		Short: "List running jobs whose owner stopped heartbeating",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(root, func(a *app) error {
				jobs, err := a.jobSvc.Stuck(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Put a failed, partial or stuck job back in the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withApp(root, func(a *app) error {
				j, err := a.jobSvc.Requeue(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}

	cmd.AddCommand(listCmd, getCmd, stuckCmd, requeueCmd)
	return cmd
}

func parseJobID(s string) (job.GetJobRequest, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return job.GetJobRequest{}, fmt.Errorf("invalid job id %q", s)
	}
	return job.GetJobRequest{ID: id}, nil
}

func withApp(root *rootOptions, fn func(*app) error) error {
	a, err := newApp(root.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}
