package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds a Call when the caller supplies no option.
const DefaultTimeout = 30 * time.Second

// Client issues one request per connection against a service socket.
// It never retries; retry policy belongs to callers.
type Client struct {
	path    string
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds every call made by the client. Zero disables the
// client-side bound and leaves only the context deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient returns a client for the socket at path.
func NewClient(path string, opts ...ClientOption) *Client {
	c := &Client{path: path, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the socket path the client dials.
func (c *Client) Path() string {
	return c.path
}

// Call invokes method and decodes the result into out. Transport failures
// are classified into the package sentinels; a failed response is returned
// as *AppError without wrapping.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	resp, err := c.Do(ctx, method, params)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return &CallError{Path: c.path, Method: method, Err: err}
	}
	return nil
}

// Do performs the exchange and returns the raw response, including failed
// ones. Only transport and framing problems are reported as errors.
func (c *Client) Do(ctx context.Context, method string, params any) (*Response, error) {
	req, err := NewRequest(method, params)
	if err != nil {
		return nil, &CallError{Path: c.path, Method: method, Err: err}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, &CallError{Path: c.path, Method: method, Err: classifyDialError(ctx, err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Cancellation unblocks pending I/O by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return nil, &CallError{Path: c.path, Method: method, Err: classifyIOError(ctx, err)}
	}
	resp, err := ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return nil, &CallError{Path: c.path, Method: method, Err: classifyIOError(ctx, err)}
	}
	if resp.ID != req.ID {
		err := fmt.Errorf("%w: response id %q does not match request %q", ErrProtocol, resp.ID, req.ID)
		return nil, &CallError{Path: c.path, Method: method, Err: err}
	}
	return resp, nil
}

// PingResult is the payload of the built-in ping method.
type PingResult struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	PID           int    `json:"pid"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

// CheckResult is one dependency check reported by health.
type CheckResult struct {
	OK        bool     `json:"ok"`
	LatencyMS *float64 `json:"latency_ms,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// HealthResult is the payload of the built-in health method.
type HealthResult struct {
	Status        string                 `json:"status"`
	Service       string                 `json:"service"`
	Version       string                 `json:"version"`
	PID           int                    `json:"pid"`
	UptimeSeconds uint64                 `json:"uptime_seconds"`
	Checks        map[string]CheckResult `json:"dependencies,omitempty"`
}

// ParamInfo describes one method parameter.
type ParamInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// MethodInfo describes one callable method.
type MethodInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamInfo `json:"params,omitempty"`
}

type methodsResult struct {
	Methods []MethodInfo `json:"methods"`
}

// Ping performs a liveness check.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var out PingResult
	if err := c.Call(ctx, MethodPing, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health requests the service health report.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	var out HealthResult
	if err := c.Call(ctx, MethodHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Methods lists the methods the service exposes.
func (c *Client) Methods(ctx context.Context) ([]MethodInfo, error) {
	var out methodsResult
	if err := c.Call(ctx, MethodMethods, nil, &out); err != nil {
		return nil, err
	}
	return out.Methods, nil
}

// Shutdown asks the service to terminate cooperatively. The service replies
// before it stops accepting connections.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodShutdown, nil, nil)
}
