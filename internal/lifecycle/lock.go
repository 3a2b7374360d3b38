package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"fgp/internal/layout"
)

const lockRetryDelay = 20 * time.Millisecond

// lock serializes lifecycle operations on name across every process sharing
// the services root.
func (m *Manager) lock(ctx context.Context, name string) (func(), error) {
	if _, err := layout.EnsureServiceDir(m.opts.Root, name); err != nil {
		return nil, err
	}
	fl := flock.New(layout.LockPath(m.opts.Root, name))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire lifecycle lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire lifecycle lock: %w", ctx.Err())
	}
	return func() { _ = fl.Unlock() }, nil
}
