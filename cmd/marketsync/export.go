package main

import (
	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/marketsync/internal/market"
	"github.com/ahmethakanbesel/marketsync/internal/snapshot"
)

func newExportCmd(root *rootOptions) *cobra.Command {
	var req snapshot.ExportSnapshotRequest
	var universe string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an adjusted snapshot of stored bars under export.dir",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Universe = splitList(universe)

			a, err := newApp(root.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			s, err := a.snapshots.Export(cmd.Context(), req)
			if s != nil {
				if perr := printJSON(cmd.OutOrStdout(), s); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.Dataset, "dataset", market.KlineDayRaw, "bar dataset to export")
	cmd.Flags().StringVar(&universe, "universe", "", "comma separated instruments (default: every instrument with bars)")
	cmd.Flags().StringVar(&req.From, "from", "", "first date")
	cmd.Flags().StringVar(&req.To, "to", "", "last date")
	cmd.Flags().StringVar(&req.AsOf, "as-of", "", "read factors as they were known at this time (default now)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
