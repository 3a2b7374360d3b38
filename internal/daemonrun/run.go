// Package daemonrun is the shared runtime of a service executable: it loads
// configuration, builds the logger, binds the service socket and serves until
// a signal or a shutdown request arrives.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"fgp/internal/config"
	"fgp/internal/ipc"
	"fgp/internal/layout"
	"fgp/internal/lifecycle"
	"fgp/internal/logging"
)

// Exit codes returned by service executables.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitAddressUsed = 3
)

// RegisterFunc attaches business methods and health checks to a host.
type RegisterFunc func(host *ipc.Host, logger *slog.Logger) error

// Options configures a service process.
type Options struct {
	Name       string
	Version    string
	ConfigPath string
	LogLevel   string
	Register   RegisterFunc
}

// Run serves the named service until ctx is done, SIGINT/SIGTERM arrives, or
// a client calls shutdown.
func Run(cmdCtx context.Context, opts Options) error {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = strings.TrimSpace(os.Getenv(lifecycle.EnvServiceName))
	}
	if err := layout.ValidateName(name); err != nil {
		return err
	}

	cfg, _, _, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	host, err := ipc.NewHost(name, opts.Version,
		ipc.WithLogger(logger),
		ipc.WithServicesRoot(cfg.Paths.ServicesRoot),
		ipc.WithReadTimeout(cfg.Host.ReadTimeout()),
		ipc.WithShutdownGrace(cfg.Host.ShutdownGrace()),
		ipc.WithStaleCheck(lifecycle.StaleSocketCheck(cfg.Lifecycle.ProbeTimeout())),
	)
	if err != nil {
		return err
	}
	if opts.Register != nil {
		if err := opts.Register(host, logging.ForService(logger, name)); err != nil {
			return fmt.Errorf("register methods: %w", err)
		}
	}

	logStartupSnapshot(logger, cfg, host, opts.Version)
	if err := host.Run(signalCtx); err != nil {
		if errors.Is(err, ipc.ErrAddressInUse) {
			logging.ErrorWithContext(logger, "service already running", "address_in_use",
				logging.String(logging.FieldService, name),
				logging.String(logging.FieldSocket, host.SocketPath()),
				logging.String(logging.FieldErrorHint, "stop the running instance with fgp stop "+name))
		}
		return err
	}
	logger.Info("service exited cleanly", logging.String(logging.FieldService, name))
	return nil
}

// ExitCode maps a Run error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ipc.ErrAddressInUse):
		return ExitAddressUsed
	case errors.Is(err, layout.ErrInvalidName):
		return ExitUsage
	default:
		return ExitFailure
	}
}

func logStartupSnapshot(logger *slog.Logger, cfg *config.Config, host *ipc.Host, version string) {
	exe, _ := os.Executable()
	logger.Info("service starting",
		logging.String(logging.FieldEventType, "service_starting"),
		logging.String(logging.FieldService, host.Name()),
		logging.String("version", version),
		logging.Int(logging.FieldPID, os.Getpid()),
		logging.String("services_root", cfg.Paths.ServicesRoot),
		logging.String(logging.FieldSocket, host.SocketPath()),
		logging.String("executable", exe),
		logging.String("go_version", runtime.Version()),
	)
}
