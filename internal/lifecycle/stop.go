package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"fgp/internal/ipc"
	"fgp/internal/layout"
	"fgp/internal/logging"
)

// Stop brings name to Stopped: a graceful shutdown request first, SIGTERM
// when the request cannot be delivered, SIGKILL once the stop timeout
// elapses. Stopping a service that is not running succeeds.
func (m *Manager) Stop(ctx context.Context, name string) Result {
	res := Result{Name: name, State: Failed}
	if err := layout.ValidateName(name); err != nil {
		res.Err = err
		return res
	}
	if _, err := os.Stat(layout.ServiceDir(m.opts.Root, name)); errors.Is(err, os.ErrNotExist) {
		res.State = Stopped
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
	if absent(probeErr) {
		m.removeResidual(name)
		res.State = Stopped
		return res
	}
	if ctx.Err() != nil {
		res.State, res.Err = m.settle(name), ctx.Err()
		return res
	}

	pid := m.readPID(name)
	if ping != nil && ping.PID > 0 {
		pid = ping.PID
	}
	res.PID = pid

	waker := m.watchSocket(name)
	defer waker.Close()

	requested := false
	if probeErr == nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		err := m.Client(name, m.opts.ProbeTimeout).Shutdown(shutdownCtx)
		cancel()
		if err == nil {
			requested = true
		} else {
			logger.Debug("shutdown request failed", logging.Error(err))
		}
	}
	if !requested {
		if err := signalPID(pid, unix.SIGTERM); err != nil {
			logger.Debug("sigterm not delivered", logging.Int(logging.FieldPID, pid), logging.Error(err))
		}
	}

	if err := m.waitGone(ctx, name, m.opts.StopTimeout, waker); err == nil {
		m.removeResidual(name)
		logger.Info("service stopped", logging.Int(logging.FieldPID, pid))
		res.State = Stopped
		return res
	} else if ctx.Err() != nil {
		res.State, res.Err = m.settle(name), ctx.Err()
		return res
	}

	if err := signalPID(pid, unix.SIGKILL); err != nil {
		res.Err = fmt.Errorf("%w: %s ignored shutdown and could not be killed: %v", ipc.ErrTimeout, name, err)
		logging.ErrorWithContext(logger, "service did not stop", "stop_failed",
			logging.Int(logging.FieldPID, pid),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "kill the process manually and remove "+m.SocketPath(name)))
		return res
	}
	res.Forced = true
	if err := m.waitGone(ctx, name, m.opts.KillWait, waker); err != nil {
		if ctx.Err() != nil {
			res.State, res.Err = m.settle(name), ctx.Err()
			return res
		}
		res.Err = fmt.Errorf("%w: %s still answering after SIGKILL", ipc.ErrTimeout, name)
		logging.ErrorWithContext(logger, "service survived sigkill", "stop_failed",
			logging.Int(logging.FieldPID, pid),
			logging.String(logging.FieldErrorHint, "another process may own "+m.SocketPath(name)))
		return res
	}
	m.removeResidual(name)
	logging.WarnWithContext(logger, "service force-killed", "stop_forced",
		logging.Int(logging.FieldPID, pid),
		logging.String(logging.FieldImpact, "service did not shut down gracefully"),
		logging.String(logging.FieldErrorHint, "inspect "+layout.LogPath(m.opts.Root, name)))
	res.State = Stopped
	return res
}

// Restart stops name and starts it again.
func (m *Manager) Restart(ctx context.Context, name string) Result {
	if res := m.Stop(ctx, name); !res.OK() {
		return res
	}
	return m.Start(ctx, name)
}

// waitGone polls until a probe proves nothing answers on name's socket.
func (m *Manager) waitGone(ctx context.Context, name string, limit time.Duration, waker *socketWaker) error {
	waitCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	delay := backoff{cur: m.opts.BackoffInitial, max: m.opts.BackoffMax}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if _, err := m.Probe(waitCtx, name); absent(err) {
			return nil
		}
		timer.Reset(delay.next())
		select {
		case <-waitCtx.Done():
			return waitCtx.Err()
		case <-waker.C:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// signalPID delivers sig to pid, refusing to signal the calling process.
func signalPID(pid int, sig unix.Signal) error {
	switch {
	case pid <= 0:
		return errors.New("pid unknown")
	case pid == os.Getpid():
		return fmt.Errorf("refusing to signal own pid %d", pid)
	}
	return unix.Kill(pid, sig)
}
