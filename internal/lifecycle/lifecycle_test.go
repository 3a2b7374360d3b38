package lifecycle

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"fgp/internal/config"
	"fgp/internal/ipc"
	"fgp/internal/layout"
	"fgp/internal/manifest"
)

const svc = "echo"

type harness struct {
	root     string
	spawnLog string
	mgr      *Manager
}

// shortRoot keeps socket paths under the sun_path limit.
func shortRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fgp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func newHarness(t *testing.T, mode string, tweak func(*Options)) *harness {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	root := shortRoot(t)
	h := &harness{root: root, spawnLog: filepath.Join(root, "spawns.log")}
	opts := Options{
		Root:           root,
		ProbeTimeout:   200 * time.Millisecond,
		StartupTimeout: 3 * time.Second,
		StopTimeout:    2 * time.Second,
		KillWait:       time.Second,
		Services: map[string]config.Service{
			svc: {
				Executable: exe,
				Env: map[string]string{
					envDaemonMode: mode,
					envSpawnLog:   h.spawnLog,
				},
			},
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.mgr, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.mgr.Stop(context.Background(), svc)
		h.killSpawned()
	})
	return h
}

func (h *harness) spawnedPIDs() []int {
	data, err := os.ReadFile(h.spawnLog)
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Fields(string(data)) {
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (h *harness) killSpawned() {
	for _, pid := range h.spawnedPIDs() {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func (h *harness) requireNoLiveSpawns(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, pid := range h.spawnedPIDs() {
			if alive(pid) {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "spawned process left running")
}

func TestStartLaunchesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, "serve", nil)
	ctx := context.Background()

	first := h.mgr.Start(ctx, svc)
	require.NoError(t, first.Err)
	require.Equal(t, Running, first.State)
	require.True(t, first.Launched)
	require.True(t, h.mgr.IsRunning(ctx, svc))

	second := h.mgr.Start(ctx, svc)
	require.NoError(t, second.Err)
	require.Equal(t, Running, second.State)
	assert.False(t, second.Launched)
	assert.Equal(t, first.PID, second.PID)
	assert.Len(t, h.spawnedPIDs(), 1)

	info, err := os.Stat(layout.SocketPath(h.root, svc))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStopRemovesSocketAndIsIdempotent(t *testing.T) {
	h := newHarness(t, "serve", nil)
	ctx := context.Background()

	require.True(t, h.mgr.Start(ctx, svc).OK())

	res := h.mgr.Stop(ctx, svc)
	require.NoError(t, res.Err)
	require.Equal(t, Stopped, res.State)
	assert.False(t, res.Forced)
	assert.NoFileExists(t, layout.SocketPath(h.root, svc))
	assert.False(t, h.mgr.IsRunning(ctx, svc))

	again := h.mgr.Stop(ctx, svc)
	require.NoError(t, again.Err)
	assert.Equal(t, Stopped, again.State)
	h.requireNoLiveSpawns(t)
}

func TestStopUnknownServiceSucceeds(t *testing.T) {
	h := newHarness(t, "serve", nil)

	res := h.mgr.Stop(context.Background(), "never-started")
	require.NoError(t, res.Err)
	assert.Equal(t, Stopped, res.State)
	assert.NoDirExists(t, layout.ServiceDir(h.root, "never-started"))
}

func TestRestartReplacesProcess(t *testing.T) {
	h := newHarness(t, "serve", nil)
	ctx := context.Background()

	first := h.mgr.Start(ctx, svc)
	require.True(t, first.OK())

	res := h.mgr.Restart(ctx, svc)
	require.NoError(t, res.Err)
	require.Equal(t, Running, res.State)
	assert.True(t, res.Launched)
	assert.NotEqual(t, first.PID, res.PID)
}

func TestStartMissingExecutableFailsFast(t *testing.T) {
	h := newHarness(t, "serve", func(o *Options) {
		o.Services = map[string]config.Service{svc: {Executable: "/nonexistent/fgp-echo-daemon"}}
	})

	started := time.Now()
	res := h.mgr.Start(context.Background(), svc)
	require.Less(t, time.Since(started), h.mgr.opts.StartupTimeout)
	require.Equal(t, Failed, res.State)

	var exited *ipc.ProcessExitedError
	require.ErrorAs(t, res.Err, &exited)
	assert.Equal(t, -1, exited.Status)
	assert.Equal(t, "process_exited", ipc.Kind(res.Err))
}

func TestStartReportsProcessExit(t *testing.T) {
	h := newHarness(t, "exit", nil)

	started := time.Now()
	res := h.mgr.Start(context.Background(), svc)
	require.Less(t, time.Since(started), h.mgr.opts.StartupTimeout)
	require.Equal(t, Failed, res.State)

	var exited *ipc.ProcessExitedError
	require.ErrorAs(t, res.Err, &exited)
	assert.Equal(t, 7, exited.Status)

	logData, err := os.ReadFile(layout.LogPath(h.root, svc))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "refusing to start")
}

func TestStartTimeoutKillsChild(t *testing.T) {
	h := newHarness(t, "hang", func(o *Options) {
		o.StartupTimeout = 300 * time.Millisecond
	})

	res := h.mgr.Start(context.Background(), svc)
	require.ErrorIs(t, res.Err, ipc.ErrStartupTimeout)
	require.Equal(t, Failed, res.State)
	assert.True(t, res.Launched)
	h.requireNoLiveSpawns(t)
}

func TestStartSlowServiceWithinCeiling(t *testing.T) {
	h := newHarness(t, "slow", func(o *Options) {
		svcCfg := o.Services[svc]
		svcCfg.Env[envDelay] = "300ms"
		o.Services[svc] = svcCfg
	})

	res := h.mgr.Start(context.Background(), svc)
	require.NoError(t, res.Err)
	assert.Equal(t, Running, res.State)
}

func TestStartCanceledLeavesNoProcess(t *testing.T) {
	h := newHarness(t, "hang", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := h.mgr.Start(ctx, svc)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, Stopped, res.State)
	h.requireNoLiveSpawns(t)
	assert.NoFileExists(t, layout.SocketPath(h.root, svc))
}

func TestStopForceKillsStubbornService(t *testing.T) {
	h := newHarness(t, "stubborn", func(o *Options) {
		o.StopTimeout = 300 * time.Millisecond
	})
	ctx := context.Background()

	require.True(t, h.mgr.Start(ctx, svc).OK())

	res := h.mgr.Stop(ctx, svc)
	require.NoError(t, res.Err)
	require.Equal(t, Stopped, res.State)
	assert.True(t, res.Forced)
	assert.NoFileExists(t, layout.SocketPath(h.root, svc))
	h.requireNoLiveSpawns(t)
}

func leaveStaleSocket(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	ln.SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())
	require.FileExists(t, path)
}

func TestStartReclaimsStaleSocket(t *testing.T) {
	h := newHarness(t, "serve", nil)
	ctx := context.Background()
	leaveStaleSocket(t, layout.SocketPath(h.root, svc))

	_, err := h.mgr.Probe(ctx, svc)
	require.ErrorIs(t, err, ipc.ErrConnectionRefused)

	res := h.mgr.Start(ctx, svc)
	require.NoError(t, res.Err)
	assert.Equal(t, Running, res.State)
}

func TestStopClearsStaleSocket(t *testing.T) {
	h := newHarness(t, "serve", nil)
	path := layout.SocketPath(h.root, svc)
	leaveStaleSocket(t, path)

	res := h.mgr.Stop(context.Background(), svc)
	require.NoError(t, res.Err)
	assert.Equal(t, Stopped, res.State)
	assert.NoFileExists(t, path)
}

func TestStaleSocketCheck(t *testing.T) {
	root := shortRoot(t)
	path := layout.SocketPath(root, svc)
	check := StaleSocketCheck(200 * time.Millisecond)

	leaveStaleSocket(t, path)
	assert.True(t, check(context.Background(), path))

	require.NoError(t, os.Remove(path))
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	// Accepting without answering is a timeout, not proof of absence.
	assert.False(t, check(context.Background(), path))
}

func TestStartDoesNotSpawnOverUnresponsiveOwner(t *testing.T) {
	h := newHarness(t, "serve", nil)
	path := layout.SocketPath(h.root, svc)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	res := h.mgr.Start(context.Background(), svc)
	require.ErrorIs(t, res.Err, ipc.ErrTimeout)
	assert.Equal(t, Failed, res.State)
	assert.False(t, res.Launched)
	assert.Empty(t, h.spawnedPIDs())
	assert.FileExists(t, path)
}

func TestConcurrentStartStopLeavesNoOrphans(t *testing.T) {
	h := newHarness(t, "serve", nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 3 {
				if (i+j)%2 == 0 {
					h.mgr.Start(ctx, svc)
				} else {
					h.mgr.Stop(ctx, svc)
				}
			}
		}()
	}
	wg.Wait()

	res := h.mgr.Stop(ctx, svc)
	require.NoError(t, res.Err)
	require.Equal(t, Stopped, res.State)
	h.requireNoLiveSpawns(t)
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	h := newHarness(t, "serve", nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.mgr.Start(ctx, svc)
		}()
	}
	wg.Wait()

	for _, res := range results {
		require.NoError(t, res.Err)
		require.Equal(t, Running, res.State)
	}
	assert.Len(t, h.spawnedPIDs(), 1)
}

func TestResolveExecutableOrder(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	root := shortRoot(t)
	mgr, err := New(Options{Root: root})
	require.NoError(t, err)

	t.Setenv("PATH", t.TempDir())
	_, err = mgr.resolveExecutable(svc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fgp-echo-daemon")

	require.NoError(t, manifest.Save(root, &manifest.Manifest{
		Name:   svc,
		Daemon: manifest.Daemon{Entrypoint: exe, Args: []string{"--flag"}},
	}))
	launch, err := mgr.resolveExecutable(svc)
	require.NoError(t, err)
	assert.Equal(t, exe, launch.path)
	assert.Equal(t, []string{"--flag"}, launch.args)

	mgr.opts.Services = map[string]config.Service{svc: {Executable: "/bin/sh", Args: []string{"-c", "true"}}}
	launch, err = mgr.resolveExecutable(svc)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", launch.path)
}

func TestProbeRejectsInvalidName(t *testing.T) {
	mgr, err := New(Options{Root: shortRoot(t)})
	require.NoError(t, err)

	_, err = mgr.Probe(context.Background(), "../escape")
	require.ErrorIs(t, err, layout.ErrInvalidName)
	res := mgr.Start(context.Background(), "Bad Name")
	assert.Equal(t, Failed, res.State)
	assert.ErrorIs(t, res.Err, layout.ErrInvalidName)
}
