package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vawter.tech/stopper"

	"fgp/internal/config"
	"fgp/internal/ipc"
	"fgp/internal/layout"
	"fgp/internal/lifecycle"
	"fgp/internal/logging"
)

// Controller is the lifecycle surface the monitor drives. *lifecycle.Manager
// satisfies it.
type Controller interface {
	Probe(ctx context.Context, name string) (*ipc.PingResult, error)
	Start(ctx context.Context, name string) lifecycle.Result
	Stop(ctx context.Context, name string) lifecycle.Result
	Discover() ([]string, error)
	SocketPath(name string) string
}

// Options configures a Monitor.
type Options struct {
	Services    []string
	Discover    bool
	Interval    time.Duration
	Concurrency int
	Logger      *slog.Logger
}

const (
	defaultInterval    = 5 * time.Second
	defaultConcurrency = 4
	subscriberBuffer   = 16
	stopGrace          = time.Second
)

// OptionsFromConfig maps the [monitor] section onto monitor options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		Services:    cfg.Monitor.Services,
		Discover:    cfg.Monitor.Discover,
		Interval:    cfg.Monitor.PollInterval(),
		Concurrency: cfg.Monitor.Concurrency,
		Logger:      logger,
	}
}

type operation struct {
	cancel context.CancelFunc
	done   chan struct{}
	phase  lifecycle.State
}

// Monitor holds the latest status of each tracked service.
type Monitor struct {
	ctrl   Controller
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	explicit map[string]struct{}
	statuses map[string]ServiceStatus
	ops      map[string]*operation
	gens     map[string]uint64
	subs     map[int]chan Event
	nextSub  int
}

// New builds a monitor over ctrl.
func New(ctrl Controller, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	m := &Monitor{
		ctrl:     ctrl,
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "monitor"),
		explicit: make(map[string]struct{}),
		statuses: make(map[string]ServiceStatus),
		ops:      make(map[string]*operation),
		gens:     make(map[string]uint64),
		subs:     make(map[int]chan Event),
	}
	for _, name := range opts.Services {
		if layout.ValidateName(name) == nil {
			m.explicit[name] = struct{}{}
		}
	}
	return m
}

// Track adds name to the explicit set.
func (m *Monitor) Track(name string) error {
	if err := layout.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	m.explicit[name] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	sctx := stopper.WithContext(ctx)
	sctx.Go(func(sctx *stopper.Context) error {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.logger.Debug("refresh incomplete", logging.Error(err))
			}
			select {
			case <-sctx.Stopping():
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	<-ctx.Done()
	sctx.Stop(stopGrace)
	return sctx.Wait()
}

// Refresh probes every tracked service without an operation in flight and
// records the outcome. Probes run concurrently up to the configured bound.
func (m *Monitor) Refresh(ctx context.Context) error {
	names, discoverErr := m.trackedNames()

	sem := make(chan struct{}, m.opts.Concurrency)
	var wg sync.WaitGroup
	for _, name := range names {
		gen, idle := m.claim(name)
		if !idle {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.record(m.probe(ctx, name), nil, gen)
		}()
	}
	wg.Wait()
	m.forget(names)
	return discoverErr
}

func (m *Monitor) trackedNames() ([]string, error) {
	m.mu.Lock()
	set := make(map[string]struct{}, len(m.explicit))
	for name := range m.explicit {
		set[name] = struct{}{}
	}
	m.mu.Unlock()

	var err error
	if m.opts.Discover {
		var found []string
		found, err = m.ctrl.Discover()
		for _, name := range found {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, err
}

// forget drops statuses of names that are no longer tracked.
func (m *Monitor) forget(tracked []string) {
	keep := make(map[string]struct{}, len(tracked))
	for _, name := range tracked {
		keep[name] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, st := range m.statuses {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, ok := m.ops[name]; ok {
			continue
		}
		delete(m.statuses, name)
		m.broadcastLocked(Event{Status: st, Removed: true})
	}
}

// claim reports whether name has no operation in flight, along with the
// generation a probe result must still match when it is recorded.
func (m *Monitor) claim(name string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.ops[name]
	return m.gens[name], !busy
}

func (m *Monitor) probe(ctx context.Context, name string) ServiceStatus {
	st := ServiceStatus{
		Name:       name,
		SocketPath: m.ctrl.SocketPath(name),
		LastProbe:  time.Now(),
	}
	ping, err := m.ctrl.Probe(ctx, name)
	switch {
	case err == nil:
		st.Running, st.Phase = true, lifecycle.Running
		st.PID, st.Version = ping.PID, ping.Version
	case errors.Is(err, ipc.ErrNotRunning), errors.Is(err, ipc.ErrConnectionRefused):
		st.Phase = lifecycle.Stopped
	default:
		st.Phase = lifecycle.Failed
		st.LastError = err.Error()
	}
	return st
}

// record stores st and notifies subscribers if it differs from the previous
// status. A result probed under an older generation is dropped: an operation
// began or finished since, and its own probe is newer.
func (m *Monitor) record(st ServiceStatus, opErr error, gen uint64) {
	if opErr != nil {
		st.LastError = opErr.Error()
		if !st.Running {
			st.Phase = lifecycle.Failed
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gens[st.Name] != gen {
		return
	}
	prev, seen := m.statuses[st.Name]
	m.statuses[st.Name] = st
	if seen && prev.sameAs(st) {
		return
	}
	if seen && prev.Running != st.Running {
		m.logger.Info("service state changed",
			logging.String(logging.FieldService, st.Name),
			logging.Bool("running", st.Running),
			logging.String(logging.FieldState, st.Phase.String()))
	}
	m.broadcastLocked(Event{Status: st})
}

func (m *Monitor) setPhaseLocked(name string, phase lifecycle.State) {
	st, ok := m.statuses[name]
	if !ok {
		st = ServiceStatus{Name: name, SocketPath: m.ctrl.SocketPath(name)}
	}
	if ok && st.Phase == phase {
		return
	}
	st.Phase = phase
	m.statuses[name] = st
	m.broadcastLocked(Event{Status: st})
}

func (m *Monitor) broadcastLocked(ev Event) {
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("dropping event for slow subscriber",
				logging.Int("subscriber", id),
				logging.String(logging.FieldService, ev.Status.Name))
		}
	}
}

// Subscribe returns a channel of change events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Status returns the latest status of name.
func (m *Monitor) Status(name string) (ServiceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[name]
	return st, ok
}

// Snapshot returns every known status sorted by name.
func (m *Monitor) Snapshot() []ServiceStatus {
	m.mu.Lock()
	out := make([]ServiceStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summary summarizes the current snapshot.
func (m *Monitor) Summary() Health {
	return Summarize(m.Snapshot())
}
