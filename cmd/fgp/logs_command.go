package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fgp/internal/layout"
	"fgp/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print a service's daemon log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := layout.ValidateName(name); err != nil {
				return err
			}
			path := layout.LogPath(ctx.servicesRoot(), name)

			chunk, err := logs.Last(path, lines)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			for _, line := range chunk.Lines {
				fmt.Fprintln(stdout, line)
			}
			if !follow {
				return nil
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return logs.Follow(runCtx, path, chunk.Offset, func(batch []string) {
				for _, line := range batch {
					fmt.Fprintln(stdout, line)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until interrupted")
	return cmd
}
