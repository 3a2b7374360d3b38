package ipc_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"fgp/internal/ipc"
	"fgp/internal/layout"
)

// shortRoot returns a services root short enough for sun_path limits.
func shortRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fgp")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type runningHost struct {
	host   *ipc.Host
	client *ipc.Client
	done   chan error
	cancel context.CancelFunc
}

func startHost(t *testing.T, root, name string, setup func(*ipc.Host), opts ...ipc.HostOption) *runningHost {
	t.Helper()
	opts = append([]ipc.HostOption{ipc.WithServicesRoot(root)}, opts...)
	host, err := ipc.NewHost(name, "1.2.3", opts...)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	if setup != nil {
		setup(host)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Run(ctx) }()

	rh := &runningHost{
		host:   host,
		client: ipc.NewClient(host.SocketPath(), ipc.WithTimeout(time.Second)),
		done:   done,
		cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("host %s did not stop", name)
		}
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := rh.client.Ping(context.Background()); err == nil {
			return rh
		}
		if time.Now().After(deadline) {
			t.Fatalf("host %s never answered ping", name)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHostBuiltinsAndBusinessMethods(t *testing.T) {
	root := shortRoot(t)
	rh := startHost(t, root, "calendar", func(h *ipc.Host) {
		must(t, h.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
			var in map[string]any
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, ipc.InvalidParams("params must be an object")
			}
			return in, nil
		}, ipc.MethodInfo{Description: "Echo params back"}))
		must(t, h.Handle("fail", func(context.Context, json.RawMessage) (any, error) {
			return nil, &ipc.AppError{Code: "calendar_locked", Message: "calendar is locked"}
		}, ipc.MethodInfo{}))
		must(t, h.Handle("plain", func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		}, ipc.MethodInfo{}))
		must(t, h.Handle("panic", func(context.Context, json.RawMessage) (any, error) {
			panic("boom")
		}, ipc.MethodInfo{}))
		h.AddHealthCheck("store", func(context.Context) ipc.CheckResult {
			return ipc.CheckResult{OK: true, Message: "open"}
		})
	})
	ctx := context.Background()

	ping, err := rh.client.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if ping.Service != "calendar" || ping.Version != "1.2.3" || ping.PID != os.Getpid() {
		t.Fatalf("unexpected ping result %+v", ping)
	}

	var echoed map[string]any
	if err := rh.client.Call(ctx, "echo", map[string]any{"a": "b"}, &echoed); err != nil {
		t.Fatalf("Call echo: %v", err)
	}
	if echoed["a"] != "b" {
		t.Fatalf("unexpected echo %v", echoed)
	}
	if err := rh.client.Call(ctx, "calendar.echo", map[string]any{"n": 1.0}, &echoed); err != nil {
		t.Fatalf("Call with service prefix: %v", err)
	}

	assertAppError(t, rh.client.Call(ctx, "nope", nil, nil), ipc.CodeMethodNotFound)
	assertAppError(t, rh.client.Call(ctx, "echo", []int{1}, nil), ipc.CodeInvalidParams)
	assertAppError(t, rh.client.Call(ctx, "fail", nil, nil), "calendar_locked")
	assertAppError(t, rh.client.Call(ctx, "plain", nil, nil), ipc.CodeInternal)
	assertAppError(t, rh.client.Call(ctx, "panic", nil, nil), ipc.CodeInternal)

	resp, err := rh.client.Do(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Meta == nil || resp.Meta.ServerMS < 0 {
		t.Fatalf("expected server timing meta, got %+v", resp.Meta)
	}

	health, err := rh.client.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "healthy" || !health.Checks["store"].OK {
		t.Fatalf("unexpected health %+v", health)
	}

	methods, err := rh.client.Methods(ctx)
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	names := map[string]bool{}
	for _, m := range methods {
		names[m.Name] = true
	}
	for _, want := range []string{"ping", "shutdown", "stop", "health", "methods", "echo"} {
		if !names[want] {
			t.Fatalf("methods missing %q: %+v", want, methods)
		}
	}
}

func TestHostHandleRejectsBuiltinsAndDuplicates(t *testing.T) {
	host, err := ipc.NewHost("notes", "1", ipc.WithServicesRoot(shortRoot(t)))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	if err := host.Handle("ping", noop, ipc.MethodInfo{}); err == nil {
		t.Fatal("expected error overriding ping")
	}
	must(t, host.Handle("list", noop, ipc.MethodInfo{}))
	if err := host.Handle("list", noop, ipc.MethodInfo{}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if _, err := ipc.NewHost("Bad Name", "1"); !errors.Is(err, layout.ErrInvalidName) {
		t.Fatalf("expected invalid name error, got %v", err)
	}
}

func TestHostShutdownRemovesSocketAndPID(t *testing.T) {
	root := shortRoot(t)
	rh := startHost(t, root, "keychain", nil)

	info, err := os.Stat(rh.host.SocketPath())
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket perms = %o, want 600", perm)
	}
	pidData, err := os.ReadFile(layout.PIDPath(root, "keychain"))
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(pidData) == "" {
		t.Fatal("expected pid file content")
	}

	if err := rh.client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown call: %v", err)
	}
	select {
	case err := <-rh.done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host did not exit after shutdown")
	}
	rh.done <- nil

	if _, err := os.Stat(rh.host.SocketPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed, stat err=%v", err)
	}
	if _, err := os.Stat(layout.PIDPath(root, "keychain")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	if _, err := rh.client.Ping(context.Background()); !errors.Is(err, ipc.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after shutdown, got %v", err)
	}
	if err := rh.host.Shutdown(time.Second); err != nil {
		t.Fatalf("second Shutdown should be a no-op, got %v", err)
	}
}

func TestHostStopAliasTriggersShutdown(t *testing.T) {
	rh := startHost(t, shortRoot(t), "contacts", nil)
	if err := rh.client.Call(context.Background(), "stop", nil, nil); err != nil {
		t.Fatalf("stop call: %v", err)
	}
	select {
	case <-rh.host.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("stop alias did not request shutdown")
	}
}

func TestHostAddressInUseWhenOwnerAlive(t *testing.T) {
	root := shortRoot(t)
	startHost(t, root, "photos", nil)

	var checked atomic.Bool
	second, err := ipc.NewHost("photos", "2", ipc.WithServicesRoot(root),
		ipc.WithStaleCheck(func(context.Context, string) bool {
			checked.Store(true)
			return false
		}))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	err = second.Listen(context.Background())
	if !errors.Is(err, ipc.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	if !checked.Load() {
		t.Fatal("expected stale check to be consulted")
	}
}

// leaveStaleSocket binds and closes a listener without unlinking, which is
// what a crashed process leaves behind.
func leaveStaleSocket(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.SetUnlinkOnClose(false)
	if err := ln.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestHostReclaimsStaleSocketOnce(t *testing.T) {
	root := shortRoot(t)
	path := layout.SocketPath(root, "travel")
	leaveStaleSocket(t, path)

	plain, err := ipc.NewHost("travel", "1", ipc.WithServicesRoot(root))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	if err := plain.Listen(context.Background()); !errors.Is(err, ipc.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse without stale check, got %v", err)
	}

	_, err = ipc.NewClient(path).Ping(context.Background())
	if !errors.Is(err, ipc.ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused against stale socket, got %v", err)
	}

	rh := startHost(t, root, "travel", nil, ipc.WithStaleCheck(func(context.Context, string) bool { return true }))
	if _, err := rh.client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after reclaim: %v", err)
	}
}

func TestHostShutdownGraceBoundsSlowHandlers(t *testing.T) {
	root := shortRoot(t)
	entered := make(chan struct{})
	canceled := make(chan struct{})
	host, err := ipc.NewHost("safari", "1", ipc.WithServicesRoot(root))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	must(t, host.Handle("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(entered)
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	}, ipc.MethodInfo{}))
	if err := host.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() { _ = host.Serve(context.Background()) }()

	callErr := make(chan error, 1)
	go func() {
		callErr <- ipc.NewClient(host.SocketPath(), ipc.WithTimeout(5*time.Second)).Call(context.Background(), "slow", nil, nil)
	}()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	start := time.Now()
	if err := host.Shutdown(50 * time.Millisecond); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Shutdown took %v", elapsed)
	}
	select {
	case <-canceled:
	default:
		t.Fatal("expected handler context canceled after grace")
	}
	select {
	case err := <-callErr:
		if err == nil {
			t.Fatal("expected the in-flight call to fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client call never returned")
	}
	if _, err := os.Stat(host.SocketPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed, stat err=%v", err)
	}
}

func TestHostDrainDoesNotRemoveSuccessorSocket(t *testing.T) {
	root := shortRoot(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	old, err := ipc.NewHost("notes", "1", ipc.WithServicesRoot(root))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	must(t, old.Handle("slow", func(context.Context, json.RawMessage) (any, error) {
		close(entered)
		<-release
		return "done", nil
	}, ipc.MethodInfo{}))
	if err := old.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() { _ = old.Serve(context.Background()) }()

	go func() {
		_ = ipc.NewClient(old.SocketPath(), ipc.WithTimeout(5*time.Second)).Call(context.Background(), "slow", nil, nil)
	}()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- old.Shutdown(5 * time.Second) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(old.SocketPath()); errors.Is(err, os.ErrNotExist) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket still present after listener close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	successor := startHost(t, root, "notes", nil)
	close(release)
	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("old host never finished draining")
	}

	if _, err := os.Stat(successor.host.SocketPath()); err != nil {
		t.Fatalf("successor socket removed by drained host: %v", err)
	}
	if _, err := successor.client.Ping(context.Background()); err != nil {
		t.Fatalf("ping successor: %v", err)
	}
}

func TestHostAnswersMalformedRequest(t *testing.T) {
	rh := startHost(t, shortRoot(t), "notes", nil)
	conn, err := net.Dial("unix", rh.host.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(`{"id":"x","v":9,"method":"ping"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp ipc.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Code != ipc.CodeInvalidRequest || resp.ID != "x" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func assertAppError(t *testing.T, err error, code string) {
	t.Helper()
	var app *ipc.AppError
	if !errors.As(err, &app) {
		t.Fatalf("expected AppError %q, got %v", code, err)
	}
	if app.Code != code {
		t.Fatalf("expected code %q, got %q (%s)", code, app.Code, app.Message)
	}
}
