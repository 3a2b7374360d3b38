package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the conventional status for a run ended by SIGINT.
const exitInterrupted = 130

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		stop()
		os.Exit(exitInterrupted)
	default:
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
