package monitor

import (
	"context"

	"fgp/internal/lifecycle"
	"fgp/internal/logging"
)

// Start starts name. A request already in flight for name is canceled and
// its cleanup awaited first.
func (m *Monitor) Start(ctx context.Context, name string) lifecycle.Result {
	return m.run(ctx, name, lifecycle.Starting, func(ctx context.Context, _ *operation) lifecycle.Result {
		return m.ctrl.Start(ctx, name)
	})
}

// Stop stops name, superseding any request in flight for it.
func (m *Monitor) Stop(ctx context.Context, name string) lifecycle.Result {
	return m.run(ctx, name, lifecycle.Stopping, func(ctx context.Context, _ *operation) lifecycle.Result {
		return m.ctrl.Stop(ctx, name)
	})
}

// Restart stops then starts name as a single serialized request.
func (m *Monitor) Restart(ctx context.Context, name string) lifecycle.Result {
	return m.run(ctx, name, lifecycle.Stopping, func(ctx context.Context, op *operation) lifecycle.Result {
		if res := m.ctrl.Stop(ctx, name); !res.OK() {
			return res
		}
		m.mu.Lock()
		if m.ops[name] == op {
			op.phase = lifecycle.Starting
			m.setPhaseLocked(name, lifecycle.Starting)
		}
		m.mu.Unlock()
		return m.ctrl.Start(ctx, name)
	})
}

func (m *Monitor) run(ctx context.Context, name string, phase lifecycle.State, fn func(context.Context, *operation) lifecycle.Result) lifecycle.Result {
	if err := m.Track(name); err != nil {
		return lifecycle.Result{Name: name, State: lifecycle.Failed, Err: err}
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	op := &operation{cancel: cancel, done: make(chan struct{}), phase: phase}

	m.mu.Lock()
	prev := m.ops[name]
	m.ops[name] = op
	m.gens[name]++
	m.setPhaseLocked(name, phase)
	m.mu.Unlock()

	if prev != nil {
		m.logger.Debug("superseding in-flight operation",
			logging.String(logging.FieldService, name),
			logging.String(logging.FieldState, prev.phase.String()))
		prev.cancel()
		<-prev.done
	}

	var res lifecycle.Result
	if err := opCtx.Err(); err != nil {
		res = lifecycle.Result{Name: name, State: lifecycle.Failed, Err: err}
	} else {
		res = fn(opCtx, op)
	}

	m.mu.Lock()
	current := m.ops[name] == op
	var gen uint64
	if current {
		delete(m.ops, name)
		m.gens[name]++
		gen = m.gens[name]
	}
	m.mu.Unlock()
	close(op.done)

	if current {
		probeCtx := context.WithoutCancel(ctx)
		m.record(m.probe(probeCtx, name), res.Err, gen)
	}
	return res
}
