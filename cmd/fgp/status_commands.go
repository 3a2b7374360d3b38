package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"fgp/internal/ipc"
	"fgp/internal/lifecycle"
	"fgp/internal/manifest"
	"fgp/internal/monitor"
)

// snapshot probes discovered services plus those named in config.
func (c *commandContext) snapshot(cmdCtx context.Context, mgr *lifecycle.Manager) ([]monitor.ServiceStatus, error) {
	cfg := c.configValue()
	opts := monitor.OptionsFromConfig(cfg, c.cliLogger())
	opts.Discover = true
	for name := range cfg.Services {
		opts.Services = append(opts.Services, name)
	}
	mon := monitor.New(mgr, opts)
	if err := mon.Refresh(cmdCtx); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return mon.Snapshot(), nil
}

func newServicesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"ls"},
		Short:   "List known services and whether they are running",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := ctx.manager()
			if err != nil {
				return err
			}
			statuses, err := ctx.snapshot(cmd.Context(), mgr)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, statuses)
			}
			stdout := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintf(stdout, "No services under %s\n", mgr.ServicesRoot())
				return nil
			}
			rows := make([][]string, 0, len(statuses))
			for _, st := range statuses {
				version, description := st.Version, ""
				if man, err := manifest.Load(mgr.ServicesRoot(), st.Name); err == nil {
					description = man.Description
					if version == "" {
						version = man.Version
					}
				}
				pid := ""
				if st.Running && st.PID > 0 {
					pid = strconv.Itoa(st.PID)
				}
				rows = append(rows, []string{st.Name, st.Phase.String(), pid, version, description})
			}
			fmt.Fprintln(stdout, renderTable(
				[]string{"Service", "State", "PID", "Version", "Description"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				shouldColorize(stdout),
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show the status of all services or the health of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := ctx.manager()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			if len(args) == 0 {
				statuses, err := ctx.snapshot(cmd.Context(), mgr)
				if err != nil {
					return err
				}
				for _, line := range renderSectionHeader("Services", colorize) {
					fmt.Fprintln(stdout, line)
				}
				for _, line := range serviceStatusLines(statuses, colorize) {
					fmt.Fprintln(stdout, line)
				}
				return nil
			}

			name := args[0]
			for _, line := range renderSectionHeader(displayName(name), colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout, renderStatusLine("Socket", statusInfo, mgr.SocketPath(name), colorize))
			if _, err := mgr.Probe(cmd.Context(), name); err != nil {
				kind := statusWarn
				if !ipc.IsNotRunning(err) {
					kind = statusError
				}
				fmt.Fprintln(stdout, renderStatusLine("State", kind, fmt.Sprintf("not running (%s)", ipc.Kind(err)), colorize))
				return nil
			}
			client, err := ctx.client(name)
			if err != nil {
				return err
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return describeCallError(name, err)
			}
			for _, line := range healthLines(health, colorize) {
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}
}

func healthLines(health *ipc.HealthResult, colorize bool) []string {
	lines := []string{
		renderStatusLine("State", statusOK, fmt.Sprintf("running (pid %d)", health.PID), colorize),
		renderStatusLine("Version", statusInfo, health.Version, colorize),
		renderStatusLine("Uptime", statusInfo, (time.Duration(health.UptimeSeconds) * time.Second).String(), colorize),
		renderStatusLine("Health", healthStatusKind(health.Status), health.Status, colorize),
	}
	names := make([]string, 0, len(health.Checks))
	for name := range health.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := health.Checks[name]
		kind, detail := statusOK, "ok"
		if !check.OK {
			kind, detail = statusError, "failed"
		}
		if check.Message != "" {
			detail += ": " + check.Message
		}
		if check.LatencyMS != nil {
			detail += fmt.Sprintf(" (%.1f ms)", *check.LatencyMS)
		}
		lines = append(lines, renderStatusLine("  "+name, kind, detail, colorize))
	}
	return lines
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health <name>",
		Short: "Show the health report of a running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client(args[0])
			if err != nil {
				return err
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return describeCallError(args[0], err)
			}
			if asJSON {
				return writeJSON(cmd, health)
			}
			stdout := cmd.OutOrStdout()
			for _, line := range healthLines(health, shouldColorize(stdout)) {
				fmt.Fprintln(stdout, line)
			}
			if health.Status == "unhealthy" {
				return errors.New(args[0] + " is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the raw health report")
	return cmd
}
