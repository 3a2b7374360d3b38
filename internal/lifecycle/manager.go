package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"fgp/internal/config"
	"fgp/internal/ipc"
	"fgp/internal/layout"
	"fgp/internal/logging"
)

// Options configures a Manager. Zero durations take the defaults.
type Options struct {
	Root           string
	ProbeTimeout   time.Duration
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	KillWait       time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Services       map[string]config.Service
	Logger         *slog.Logger
}

const (
	defaultProbeTimeout   = 500 * time.Millisecond
	defaultStartupTimeout = 5 * time.Second
	defaultStopTimeout    = 3 * time.Second
	defaultKillWait       = time.Second
	defaultBackoffInitial = 20 * time.Millisecond
	defaultBackoffMax     = 250 * time.Millisecond
)

// OptionsFromConfig maps configuration onto manager options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		Root:           cfg.Paths.ServicesRoot,
		ProbeTimeout:   cfg.Lifecycle.ProbeTimeout(),
		StartupTimeout: cfg.Lifecycle.StartupTimeout(),
		StopTimeout:    cfg.Lifecycle.StopTimeout(),
		KillWait:       cfg.Lifecycle.KillWait(),
		BackoffInitial: cfg.Lifecycle.BackoffInitial(),
		BackoffMax:     cfg.Lifecycle.BackoffMax(),
		Services:       cfg.Services,
		Logger:         logger,
	}
}

// Manager owns start, stop and liveness queries for services under one root.
// It holds no per-service state; every answer comes from a live probe.
type Manager struct {
	opts   Options
	logger *slog.Logger
}

// New builds a Manager, resolving the default root when none is given.
func New(opts Options) (*Manager, error) {
	if opts.Root == "" {
		root, err := layout.Root()
		if err != nil {
			return nil, err
		}
		opts.Root = root
	}
	setDefault(&opts.ProbeTimeout, defaultProbeTimeout)
	setDefault(&opts.StartupTimeout, defaultStartupTimeout)
	setDefault(&opts.StopTimeout, defaultStopTimeout)
	setDefault(&opts.KillWait, defaultKillWait)
	setDefault(&opts.BackoffInitial, defaultBackoffInitial)
	setDefault(&opts.BackoffMax, defaultBackoffMax)
	if opts.BackoffInitial > opts.BackoffMax {
		opts.BackoffInitial = opts.BackoffMax
	}
	if err := os.MkdirAll(opts.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create services root: %w", err)
	}
	return &Manager{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "lifecycle"),
	}, nil
}

func setDefault(d *time.Duration, fallback time.Duration) {
	if *d <= 0 {
		*d = fallback
	}
}

// ServicesRoot returns the root directory the manager operates on.
func (m *Manager) ServicesRoot() string { return m.opts.Root }

// SocketPath returns the socket path of name.
func (m *Manager) SocketPath(name string) string { return layout.SocketPath(m.opts.Root, name) }

// ProbeTimeout returns the bound applied to a single probe.
func (m *Manager) ProbeTimeout() time.Duration { return m.opts.ProbeTimeout }

// Discover lists services that have a directory under the root.
func (m *Manager) Discover() ([]string, error) {
	return layout.Discover(m.opts.Root)
}

// Client returns a client for name's socket bounded by timeout.
func (m *Manager) Client(name string, timeout time.Duration) *ipc.Client {
	return ipc.NewClient(m.SocketPath(name), ipc.WithTimeout(timeout))
}

// Probe performs exactly one bounded ping and returns its result.
func (m *Manager) Probe(ctx context.Context, name string) (*ipc.PingResult, error) {
	if err := layout.ValidateName(name); err != nil {
		return nil, err
	}
	return m.Client(name, m.opts.ProbeTimeout).Ping(ctx)
}

// IsRunning reports whether a ping against name's socket succeeds right now.
func (m *Manager) IsRunning(ctx context.Context, name string) bool {
	_, err := m.Probe(ctx, name)
	return err == nil
}

// settle reports the live state after an interrupted operation.
func (m *Manager) settle(name string) State {
	if m.IsRunning(context.Background(), name) {
		return Running
	}
	return Stopped
}

// absent reports whether a probe error proves nothing owns the socket.
// A timeout does not: the owner may be alive but unresponsive.
func absent(err error) bool {
	return errors.Is(err, ipc.ErrNotRunning) || errors.Is(err, ipc.ErrConnectionRefused)
}

// removeResidual deletes a socket and pid file once a probe confirmed no owner.
func (m *Manager) removeResidual(name string) {
	for _, path := range []string{layout.SocketPath(m.opts.Root, name), layout.PIDPath(m.opts.Root, name)} {
		if err := os.Remove(path); err == nil {
			m.logger.Debug("removed residual file", logging.String(logging.FieldService, name), logging.String("path", path))
		} else if !errors.Is(err, os.ErrNotExist) {
			logging.WarnWithContext(m.logger, "failed to remove residual file", "residual_cleanup_failed",
				logging.String(logging.FieldService, name),
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "a stale socket may make the service look crashed"),
				logging.String(logging.FieldErrorHint, "remove the file manually"))
		}
	}
}

func (m *Manager) readPID(name string) int {
	data, err := os.ReadFile(layout.PIDPath(m.opts.Root, name))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// StaleSocketCheck returns an ipc.StaleCheck that treats a socket as stale
// only when a bounded ping proves nothing accepts on it.
func StaleSocketCheck(timeout time.Duration) ipc.StaleCheck {
	return func(ctx context.Context, path string) bool {
		_, err := ipc.NewClient(path, ipc.WithTimeout(timeout)).Ping(ctx)
		return absent(err)
	}
}
