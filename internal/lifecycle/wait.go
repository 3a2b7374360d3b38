package lifecycle

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"fgp/internal/layout"
	"fgp/internal/logging"
)

type backoff struct {
	cur time.Duration
	max time.Duration
}

func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur = min(b.cur*2, b.max)
	return d
}

// socketWaker delivers a wake-up whenever the socket file of a service is
// created or removed. Polling still bounds every wait; the waker only cuts
// the latency between the event and the next probe.
type socketWaker struct {
	C       <-chan struct{}
	watcher *fsnotify.Watcher
}

func (m *Manager) watchSocket(name string) *socketWaker {
	ch := make(chan struct{}, 1)
	w := &socketWaker{C: ch}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Debug("fsnotify unavailable, polling only", logging.Error(err))
		return w
	}
	if err := watcher.Add(layout.ServiceDir(m.opts.Root, name)); err != nil {
		_ = watcher.Close()
		m.logger.Debug("watch service dir failed, polling only", logging.Error(err))
		return w
	}
	w.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != layout.SocketFile {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w
}

func (w *socketWaker) Close() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
