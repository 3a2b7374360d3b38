package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"fgp/internal/ipc"
	"fgp/internal/lifecycle"
	"fgp/internal/monitor"
)

type lifecycleOp func(*monitor.Monitor, context.Context, string) lifecycle.Result

func newLifecycleCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start <name>...",
		Short: "Start services (no-op for services already running)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, ctx, args, (*monitor.Monitor).Start)
		},
	}
	stopCmd := &cobra.Command{
		Use:   "stop <name>...",
		Short: "Stop services (no-op for services not running)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, ctx, args, (*monitor.Monitor).Stop)
		},
	}
	restartCmd := &cobra.Command{
		Use:   "restart <name>...",
		Short: "Stop and start services",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, ctx, args, (*monitor.Monitor).Restart)
		},
	}
	return []*cobra.Command{startCmd, stopCmd, restartCmd}
}

// runLifecycle applies op to every distinct name concurrently through a
// monitor, which serializes requests per name, and reports results in
// argument order.
func runLifecycle(cmd *cobra.Command, ctx *commandContext, names []string, op lifecycleOp) error {
	mgr, err := ctx.manager()
	if err != nil {
		return err
	}
	names = uniqueNames(names)
	opts := monitor.OptionsFromConfig(ctx.configValue(), ctx.cliLogger())
	opts.Services, opts.Discover = names, false
	mon := monitor.New(mgr, opts)

	results := make([]lifecycle.Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = op(mon, cmd.Context(), name)
		}()
	}
	wg.Wait()

	stdout := cmd.OutOrStdout()
	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
		printResult(stdout, res)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d operations failed", failed, len(results))
	}
	return nil
}

// uniqueNames drops repeated arguments so one name never supersedes itself.
func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func printResult(w io.Writer, res lifecycle.Result) {
	if !res.OK() {
		fmt.Fprintf(w, "%s: %s (%s): %v\n", res.Name, res.State, ipc.Kind(res.Err), res.Err)
		return
	}
	switch {
	case res.State == lifecycle.Running && res.Launched:
		fmt.Fprintf(w, "%s: started (pid %d)\n", res.Name, res.PID)
	case res.State == lifecycle.Running:
		fmt.Fprintf(w, "%s: already running (pid %d)\n", res.Name, res.PID)
	case res.Forced:
		fmt.Fprintf(w, "%s: stopped (killed after stop timeout)\n", res.Name)
	default:
		fmt.Fprintf(w, "%s: stopped\n", res.Name)
	}
}
