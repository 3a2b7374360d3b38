// Command fgp-system serves system information (hardware, load, disks,
// network, processes) over the gateway socket protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"fgp/internal/daemonrun"
	"fgp/internal/ipc"
	"fgp/internal/sysinfo"
)

const version = "1.0.0"

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevel string

	cmd := &cobra.Command{
		Use:           "fgp-system",
		Short:         "System information service",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonrun.Run(cmd.Context(), daemonrun.Options{
				Name:       sysinfo.ServiceName,
				Version:    version,
				ConfigPath: configFlag,
				LogLevel:   logLevel,
				Register: func(host *ipc.Host, logger *slog.Logger) error {
					return sysinfo.New(sysinfo.Options{Logger: logger}).Register(host)
				},
			})
		},
	}
	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}

func main() {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(daemonrun.ExitCode(err))
	}
}
