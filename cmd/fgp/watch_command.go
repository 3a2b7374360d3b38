package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fgp/internal/monitor"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch [name]...",
		Short: "Stream service status changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := ctx.manager()
			if err != nil {
				return err
			}
			opts := monitor.OptionsFromConfig(ctx.configValue(), ctx.cliLogger())
			if len(args) > 0 {
				opts.Services, opts.Discover = args, false
			}
			if interval > 0 {
				opts.Interval = interval
			}
			mon := monitor.New(mgr, opts)

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events, unsubscribe := mon.Subscribe()
			defer unsubscribe()

			done := make(chan error, 1)
			go func() { done <- mon.Run(runCtx) }()

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)
			for {
				select {
				case ev := <-events:
					printEvent(stdout, ev, colorize)
				case err := <-done:
					if err != nil && runCtx.Err() == nil {
						return err
					}
					fmt.Fprintln(stdout, renderStatusLine("Summary", healthKind(mon.Summary()), mon.Summary().String(), colorize))
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (default from config)")
	return cmd
}

func printEvent(w io.Writer, ev monitor.Event, colorize bool) {
	st := ev.Status
	if ev.Removed {
		fmt.Fprintln(w, renderStatusLine(displayName(st.Name), statusInfo, "removed", colorize))
		return
	}
	detail := st.Phase.String()
	if st.Running && st.PID > 0 {
		detail = fmt.Sprintf("%s (pid %d)", detail, st.PID)
	}
	if st.LastError != "" {
		detail += ": " + st.LastError
	}
	stamp := time.Now().Format(time.TimeOnly)
	fmt.Fprintln(w, stamp+renderStatusLine(displayName(st.Name), phaseKind(st.Phase), detail, colorize))
}
