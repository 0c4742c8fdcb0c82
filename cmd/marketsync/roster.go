package main

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/marketsync/internal/snapshot"
)

func newRosterCmd(root *rootOptions) *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "roster <snapshot-id>",
		Short: "Print a snapshot's instrument roster, optionally rebuilding it from prices.csv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewBasePathFs(afero.NewOsFs(), root.cfg.Export.Dir)

			var (
				entries []snapshot.RosterEntry
				err     error
			)
			if rebuild {
				entries, err = snapshot.RebuildRoster(fs, args[0])
			} else {
				entries, err = snapshot.ReadRoster(fs, args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "regenerate instruments.csv from prices.csv first")
	return cmd
}
