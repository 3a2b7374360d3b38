package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"fgp/internal/layout"
	"fgp/internal/logging"
)

// Built-in method names every Host answers.
const (
	MethodPing     = "ping"
	MethodShutdown = "shutdown"
	MethodStop     = "stop"
	MethodHealth   = "health"
	MethodMethods  = "methods"
)

const (
	defaultReadTimeout   = 30 * time.Second
	defaultShutdownGrace = 2 * time.Second
	forcedCloseWait      = 250 * time.Millisecond
)

// HandlerFunc serves one business method. Returning an *AppError sends its
// code and message verbatim; any other error is reported as internal_error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// HealthCheck reports on one dependency of the service.
type HealthCheck func(ctx context.Context) CheckResult

// StaleCheck reports whether an existing socket at path has no live owner
// and may be reclaimed.
type StaleCheck func(ctx context.Context, path string) bool

type registeredMethod struct {
	fn   HandlerFunc
	info MethodInfo
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the host logger.
func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithServicesRoot places the socket under root instead of the default root.
func WithServicesRoot(root string) HostOption {
	return func(h *Host) {
		h.root = root
	}
}

// WithReadTimeout bounds how long a connection may take to deliver its request.
func WithReadTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		h.readTimeout = d
	}
}

// WithShutdownGrace bounds how long in-flight handlers may run after
// shutdown begins.
func WithShutdownGrace(d time.Duration) HostOption {
	return func(h *Host) {
		h.grace = d
	}
}

// WithStaleCheck enables reclaiming a socket path left behind by a crashed
// owner. Without it, an occupied path always fails with ErrAddressInUse.
func WithStaleCheck(check StaleCheck) HostOption {
	return func(h *Host) {
		h.staleCheck = check
	}
}

// Host binds a service socket and dispatches requests to registered handlers.
// Handlers run concurrently; handlers sharing state serialize it themselves.
type Host struct {
	name        string
	version     string
	root        string
	socketPath  string
	pidPath     string
	logger      *slog.Logger
	readTimeout time.Duration
	grace       time.Duration
	staleCheck  StaleCheck
	pid         int
	started     time.Time

	mu       sync.RWMutex
	handlers map[string]registeredMethod
	checks   map[string]HealthCheck

	listener *net.UnixListener
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	closing atomic.Bool

	shutdownReq  chan struct{}
	shutdownOnce sync.Once
	closeOnce    sync.Once
	closeErr     error
}

// NewHost builds a host for the named service with the built-in methods
// registered.
func NewHost(name, version string, opts ...HostOption) (*Host, error) {
	if err := layout.ValidateName(name); err != nil {
		return nil, err
	}
	h := &Host{
		name:        name,
		version:     version,
		logger:      logging.NewNop(),
		readTimeout: defaultReadTimeout,
		grace:       defaultShutdownGrace,
		pid:         os.Getpid(),
		handlers:    make(map[string]registeredMethod),
		checks:      make(map[string]HealthCheck),
		conns:       make(map[net.Conn]struct{}),
		shutdownReq: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.root == "" {
		root, err := layout.Root()
		if err != nil {
			return nil, err
		}
		h.root = root
	}
	h.socketPath = layout.SocketPath(h.root, name)
	h.pidPath = layout.PIDPath(h.root, name)
	h.logger = logging.ForService(logging.NewComponentLogger(h.logger, "host"), name)
	h.baseCtx, h.cancel = context.WithCancel(context.Background())
	h.registerBuiltins()
	return h, nil
}

// Name returns the service name.
func (h *Host) Name() string { return h.name }

// SocketPath returns the path the host binds.
func (h *Host) SocketPath() string { return h.socketPath }

// Handle registers a business method. Built-in names cannot be overridden.
func (h *Host) Handle(method string, fn HandlerFunc, info MethodInfo) error {
	method = strings.TrimSpace(method)
	if method == "" || fn == nil {
		return errors.New("handle: method name and handler are required")
	}
	if isBuiltin(method) {
		return fmt.Errorf("handle: %q is a built-in method", method)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlers[method]; exists {
		return fmt.Errorf("handle: method %q already registered", method)
	}
	info.Name = method
	h.handlers[method] = registeredMethod{fn: fn, info: info}
	return nil
}

// AddHealthCheck registers a dependency check reported by health.
func (h *Host) AddHealthCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// ShutdownRequested is closed once a client calls shutdown.
func (h *Host) ShutdownRequested() <-chan struct{} {
	return h.shutdownReq
}

// Listen binds the socket. An occupied path is reclaimed only when the stale
// check says its owner is gone; the bind is then retried exactly once.
func (h *Host) Listen(ctx context.Context) error {
	if _, err := layout.EnsureServiceDir(h.root, h.name); err != nil {
		return err
	}

	ln, err := h.bind()
	if errors.Is(err, unix.EADDRINUSE) {
		if h.staleCheck == nil || !h.staleCheck(ctx, h.socketPath) {
			return fmt.Errorf("%w: %s", ErrAddressInUse, h.socketPath)
		}
		logging.WarnWithContext(h.logger, "reclaiming stale socket", "socket_reclaimed",
			logging.String(logging.FieldSocket, h.socketPath),
			logging.String(logging.FieldImpact, "a previous instance exited without cleanup"),
			logging.String(logging.FieldErrorHint, "check the previous daemon.log for a crash"))
		if err := os.Remove(h.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err = h.bind()
		if errors.Is(err, unix.EADDRINUSE) {
			return fmt.Errorf("%w: %s (after reclaim)", ErrAddressInUse, h.socketPath)
		}
	}
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(h.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	if err := renameio.WriteFile(h.pidPath, []byte(strconv.Itoa(h.pid)+"\n"), 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	ln.SetUnlinkOnClose(true)
	h.listener = ln
	h.started = time.Now()
	return nil
}

func (h *Host) bind() (*net.UnixListener, error) {
	return net.ListenUnix("unix", &net.UnixAddr{Name: h.socketPath, Net: "unix"})
}

// Serve accepts connections until the listener closes or ctx is done.
// Canceling ctx only stops accepting; Shutdown drains in-flight handlers.
func (h *Host) Serve(ctx context.Context) error {
	if h.listener == nil {
		return errors.New("serve: host is not listening")
	}
	stop := context.AfterFunc(ctx, func() {
		_ = h.listener.Close()
	})
	defer stop()

	h.logger.Debug("host accepting connections", logging.String(logging.FieldSocket, h.socketPath))
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.WarnWithContext(h.logger, "accept failed", "ipc_accept_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "clients may fail to connect"),
				logging.String(logging.FieldErrorHint, "check socket permissions and restart the service if needed"))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !h.track(conn) {
			_ = conn.Close()
			continue
		}
		go h.serveConn(conn)
	}
}

func (h *Host) track(conn net.Conn) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.closing.Load() {
		return false
	}
	h.wg.Add(1)
	h.conns[conn] = struct{}{}
	return true
}

func (h *Host) untrack(conn net.Conn) {
	h.connMu.Lock()
	delete(h.conns, conn)
	h.connMu.Unlock()
	h.wg.Done()
}

func (h *Host) serveConn(conn net.Conn) {
	defer h.untrack(conn)
	defer conn.Close()

	if h.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	}
	req, err := ReadRequest(bufio.NewReader(conn))
	start := time.Now()
	if err != nil {
		var netErr net.Error
		if errors.Is(err, io.EOF) || (errors.As(err, &netErr) && netErr.Timeout()) {
			h.logger.Debug("connection closed without request", logging.Error(err))
			return
		}
		resp := &Response{OK: false, Error: &ErrorBody{Code: CodeParseError, Message: err.Error()}}
		if req != nil {
			resp.ID = req.ID
			resp.Error.Code = CodeInvalidRequest
		}
		h.writeResponse(conn, resp, start)
		return
	}

	result, appErr := h.dispatch(req)
	resp := &Response{ID: req.ID, OK: appErr == nil}
	if appErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			appErr = &AppError{Code: CodeInternal, Message: fmt.Sprintf("encode result: %v", err)}
		} else {
			resp.Result = raw
		}
	}
	if appErr != nil {
		resp.OK = false
		resp.Result = nil
		resp.Error = &ErrorBody{Code: appErr.Code, Message: appErr.Message}
	}
	h.writeResponse(conn, resp, start)

	h.logger.Debug("request served",
		logging.String(logging.FieldMethod, req.Method),
		logging.String(logging.FieldRequestID, req.ID),
		logging.Bool("ok", resp.OK),
		logging.Int64(logging.FieldDuration, time.Since(start).Milliseconds()))

	if resp.OK && (req.Method == MethodShutdown || req.Method == MethodStop) {
		h.shutdownOnce.Do(func() { close(h.shutdownReq) })
	}
}

func (h *Host) writeResponse(conn net.Conn, resp *Response, start time.Time) {
	resp.Meta = &Meta{ServerMS: float64(time.Since(start).Microseconds()) / 1000}
	if h.readTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.readTimeout))
	}
	if err := WriteFrame(conn, resp); err != nil {
		h.logger.Debug("write response failed", logging.Error(err))
	}
}

// resolveMethod accepts both "method" and "<service>.method".
func (h *Host) resolveMethod(method string) string {
	return strings.TrimPrefix(method, h.name+".")
}

func (h *Host) dispatch(req *Request) (result any, appErr *AppError) {
	name := h.resolveMethod(req.Method)
	h.mu.RLock()
	entry, ok := h.handlers[name]
	h.mu.RUnlock()
	if !ok {
		return nil, NewAppError(CodeMethodNotFound, "unknown method %q", req.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(h.logger, "handler panicked", "handler_panic",
				logging.String(logging.FieldMethod, name),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
			result = nil
			appErr = NewAppError(CodeInternal, "handler panicked: %v", r)
		}
	}()

	out, err := entry.fn(h.baseCtx, req.Params)
	if err != nil {
		var app *AppError
		if errors.As(err, &app) {
			return nil, app
		}
		return nil, &AppError{Code: CodeInternal, Message: err.Error()}
	}
	return out, nil
}

// Shutdown stops accepting, waits up to grace for in-flight handlers, then
// cancels their context and closes their connections. The socket is unlinked
// when the listener closes, before the drain; the pid file is removed before
// it returns. It is safe to call more than once.
func (h *Host) Shutdown(grace time.Duration) error {
	h.closeOnce.Do(func() {
		h.connMu.Lock()
		h.closing.Store(true)
		h.connMu.Unlock()
		if h.listener != nil {
			_ = h.listener.Close()
		}

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			logging.WarnWithContext(h.logger, "handlers exceeded shutdown grace", "shutdown_forced",
				logging.Duration("grace", grace),
				logging.String(logging.FieldImpact, "in-flight requests were aborted"))
			h.cancel()
			h.closeConns()
			select {
			case <-done:
			case <-time.After(forcedCloseWait):
				h.closeErr = errors.New("shutdown: handlers still running after forced close")
			}
		}
		h.cancel()
		h.removePIDFile()
		h.logger.Info("host stopped", logging.String(logging.FieldSocket, h.socketPath))
	})
	return h.closeErr
}

func (h *Host) closeConns() {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
	}
}

// removePIDFile deletes the pid file if it still names this process. The
// socket is not touched here: closing the listener already unlinked it, and a
// successor may have bound the same path while handlers drained.
func (h *Host) removePIDFile() {
	if h.listener == nil {
		return
	}
	data, err := os.ReadFile(h.pidPath)
	if err == nil && strings.TrimSpace(string(data)) == strconv.Itoa(h.pid) {
		_ = os.Remove(h.pidPath)
	}
}

// Run listens, serves, and shuts down when ctx is done or a client calls
// shutdown.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Listen(ctx); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.Serve(ctx)
	}()
	h.logger.Info("service listening",
		logging.String(logging.FieldSocket, h.socketPath),
		logging.Int(logging.FieldPID, h.pid),
		logging.String("version", h.version))

	var err error
	select {
	case <-ctx.Done():
		h.logger.Info("stop signal received")
	case <-h.shutdownReq:
		h.logger.Info("shutdown requested by client")
	case err = <-serveErr:
		serveErr = nil
	}
	shutdownErr := h.Shutdown(h.grace)
	if serveErr != nil {
		if serr := <-serveErr; serr != nil && err == nil {
			err = serr
		}
	}
	return errors.Join(err, shutdownErr)
}

func isBuiltin(method string) bool {
	switch method {
	case MethodPing, MethodShutdown, MethodStop, MethodHealth, MethodMethods:
		return true
	}
	return false
}

func (h *Host) registerBuiltins() {
	builtin := func(name, description string, fn HandlerFunc) {
		h.handlers[name] = registeredMethod{fn: fn, info: MethodInfo{Name: name, Description: description}}
	}
	builtin(MethodPing, "Liveness check", func(context.Context, json.RawMessage) (any, error) {
		return PingResult{Service: h.name, Version: h.version, PID: h.pid, UptimeSeconds: h.uptime()}, nil
	})
	shutdown := func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"shutting_down": true}, nil
	}
	builtin(MethodShutdown, "Terminate the service gracefully", shutdown)
	builtin(MethodStop, "Alias for shutdown", shutdown)
	builtin(MethodHealth, "Service and dependency health", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return h.health(ctx), nil
	})
	builtin(MethodMethods, "List available methods", func(context.Context, json.RawMessage) (any, error) {
		return methodsResult{Methods: h.methodList()}, nil
	})
}

func (h *Host) uptime() uint64 {
	if h.started.IsZero() {
		return 0
	}
	return uint64(time.Since(h.started).Seconds())
}

func (h *Host) health(ctx context.Context) HealthResult {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	result := HealthResult{
		Status:        "healthy",
		Service:       h.name,
		Version:       h.version,
		PID:           h.pid,
		UptimeSeconds: h.uptime(),
	}
	if len(checks) == 0 {
		return result
	}
	result.Checks = make(map[string]CheckResult, len(checks))
	failed := 0
	for name, check := range checks {
		start := time.Now()
		res := check(ctx)
		if res.LatencyMS == nil {
			latency := float64(time.Since(start).Microseconds()) / 1000
			res.LatencyMS = &latency
		}
		if !res.OK {
			failed++
		}
		result.Checks[name] = res
	}
	switch {
	case failed == len(checks):
		result.Status = "unhealthy"
	case failed > 0:
		result.Status = "degraded"
	}
	return result
}

func (h *Host) methodList() []MethodInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MethodInfo, 0, len(h.handlers))
	for _, entry := range h.handlers {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
