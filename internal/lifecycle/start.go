package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"fgp/internal/ipc"
	"fgp/internal/layout"
	"fgp/internal/logging"
	"fgp/internal/manifest"
)

// EnvServiceName is exported to every spawned service.
const EnvServiceName = "FGP_SERVICE_NAME"

// Start brings name to Running. A service that already answers ping is left
// alone, and one whose socket accepts but times out is reported as Failed
// without spawning a rival. Otherwise its executable is spawned and polled
// until it answers or the startup ceiling elapses.
func (m *Manager) Start(ctx context.Context, name string) Result {
	res := Result{Name: name, State: Failed}
	if err := layout.ValidateName(name); err != nil {
		res.Err = err
		return res
	}
	unlock, err := m.lock(ctx, name)
	if err != nil {
		res.Err = err
		return res
	}
	defer unlock()

	logger := logging.ForService(m.logger, name)

	ping, probeErr := m.Probe(ctx, name)
	if probeErr == nil {
		logger.Debug("service already running", logging.Int(logging.FieldPID, ping.PID))
		res.State, res.PID = Running, ping.PID
		return res
	}
	if ctx.Err() != nil {
		res.State, res.Err = m.settle(name), ctx.Err()
		return res
	}
	if errors.Is(probeErr, ipc.ErrTimeout) {
		logging.WarnWithContext(logger, "socket owner is not answering; not spawning", "start_owner_unresponsive",
			logging.String(logging.FieldSocket, m.SocketPath(name)),
			logging.String(logging.FieldImpact, "service is running but unresponsive"),
			logging.String(logging.FieldErrorHint, "check daemon.log or restart the service"))
		res.Err = fmt.Errorf("service is running but unresponsive: %w", probeErr)
		return res
	}
	if errors.Is(probeErr, ipc.ErrConnectionRefused) {
		logger.Info("removing stale socket before start", logging.String(logging.FieldSocket, m.SocketPath(name)))
		m.removeResidual(name)
	}

	launch, err := m.resolveExecutable(name)
	if err != nil {
		res.Err = &ipc.ProcessExitedError{Status: -1, Detail: err.Error()}
		return res
	}

	waker := m.watchSocket(name)
	defer waker.Close()

	cmd, err := m.spawn(name, launch)
	if err != nil {
		res.Err = &ipc.ProcessExitedError{Status: -1, Detail: err.Error()}
		return res
	}
	res.Launched, res.PID = true, cmd.Process.Pid
	logger.Info("service spawned",
		logging.String("executable", launch.path),
		logging.Int(logging.FieldPID, res.PID))

	proc := watchChild(cmd)
	started := time.Now()
	ping, err = m.waitReady(ctx, name, proc, waker)
	switch {
	case err == nil:
		res.State = Running
		if ping.PID > 0 {
			res.PID = ping.PID
		}
		logger.Info("service running",
			logging.Int(logging.FieldPID, res.PID),
			logging.Int64(logging.FieldDuration, time.Since(started).Milliseconds()))
		return res
	case isExited(err):
		res.Err = err
		logging.WarnWithContext(logger, "service exited during startup", "start_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "service is not running"),
			logging.String(logging.FieldErrorHint, "inspect "+layout.LogPath(m.opts.Root, name)))
		m.removeIfDead(name)
		return res
	default:
		m.abandon(name, proc)
		res.Err = err
		if ctx.Err() != nil {
			res.State = m.settle(name)
		}
		logging.WarnWithContext(logger, "service start abandoned", "start_abandoned",
			logging.Error(err),
			logging.String(logging.FieldImpact, "spawned process was killed"),
			logging.String(logging.FieldErrorHint, "inspect "+layout.LogPath(m.opts.Root, name)))
		return res
	}
}

func isExited(err error) bool {
	var exited *ipc.ProcessExitedError
	return errors.As(err, &exited)
}

// waitReady polls ping with exponential backoff until it succeeds, the
// process exits with a non-zero status, ctx is done, or the startup ceiling
// elapses. A zero exit is not terminal: launchers that daemonize and return
// are given the rest of the ceiling to bind.
func (m *Manager) waitReady(ctx context.Context, name string, proc *child, waker *socketWaker) (*ipc.PingResult, error) {
	readyCtx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	defer cancel()

	delay := backoff{cur: m.opts.BackoffInitial, max: m.opts.BackoffMax}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	exited := proc.done

	for {
		ping, err := m.Probe(readyCtx, name)
		if err == nil {
			return ping, nil
		}
		timer.Reset(delay.next())
		select {
		case <-readyCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s did not answer within %s", ipc.ErrStartupTimeout, name, m.opts.StartupTimeout)
		case <-exited:
			if status := exitStatus(proc.err); status != 0 {
				return nil, &ipc.ProcessExitedError{Status: status, Detail: describeWait(proc.err)}
			}
			exited = nil
		case <-waker.C:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// child tracks a spawned process until it is reaped.
type child struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func watchChild(cmd *exec.Cmd) *child {
	c := &child{cmd: cmd, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

func describeWait(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// abandon kills a spawned process whose start was canceled or timed out and
// removes any socket it bound.
func (m *Manager) abandon(name string, proc *child) {
	pid := proc.cmd.Process.Pid
	if pid != os.Getpid() {
		// The child leads its own session, so the group id equals its pid.
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
			_ = proc.cmd.Process.Kill()
		}
	}
	select {
	case <-proc.done:
	case <-time.After(m.opts.KillWait):
	}
	m.removeIfDead(name)
}

// removeIfDead cleans residual files when a probe proves nothing serves them.
func (m *Manager) removeIfDead(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ProbeTimeout)
	defer cancel()
	if _, err := m.Probe(ctx, name); absent(err) {
		m.removeResidual(name)
	}
}

type launchSpec struct {
	path string
	args []string
	env  []string
}

// resolveExecutable picks the executable for name: the config override,
// then the manifest entrypoint, then fgp-<name>-daemon on PATH.
func (m *Manager) resolveExecutable(name string) (launchSpec, error) {
	if svc, ok := m.opts.Services[name]; ok && strings.TrimSpace(svc.Executable) != "" {
		launch := launchSpec{path: svc.Executable, args: svc.Args}
		for k, v := range svc.Env {
			launch.env = append(launch.env, k+"="+v)
		}
		if !strings.ContainsRune(launch.path, '/') {
			resolved, err := exec.LookPath(launch.path)
			if err != nil {
				return launchSpec{}, fmt.Errorf("resolve executable %q: %w", launch.path, err)
			}
			launch.path = resolved
		}
		return launch, checkExecutable(launch.path)
	}

	man, err := manifest.Load(m.opts.Root, name)
	switch {
	case err == nil:
		if path := man.EntrypointPath(m.opts.Root); path != "" {
			return launchSpec{path: path, args: man.Daemon.Args}, checkExecutable(path)
		}
	case !errors.Is(err, manifest.ErrNotFound):
		return launchSpec{}, err
	}

	binary := "fgp-" + name + "-daemon"
	path, err := exec.LookPath(binary)
	if err != nil {
		return launchSpec{}, fmt.Errorf("no executable registered for %q and %s not on PATH", name, binary)
	}
	return launchSpec{path: path}, nil
}

func checkExecutable(path string) error {
	if err := unix.Access(path, unix.X_OK); err != nil {
		return fmt.Errorf("executable %s: %w", path, err)
	}
	return nil
}

// spawn launches the service detached in its own session with stdio going
// to daemon.log.
func (m *Manager) spawn(name string, launch launchSpec) (*exec.Cmd, error) {
	logPath := layout.LogPath(m.opts.Root, name)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(launch.path, launch.args...)
	cmd.Dir = layout.ServiceDir(m.opts.Root, name)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		layout.EnvServicesRoot+"="+m.opts.Root,
		EnvServiceName+"="+name)
	cmd.Env = append(cmd.Env, launch.env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", launch.path, err)
	}
	return cmd, nil
}
