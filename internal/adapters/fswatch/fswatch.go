// Package fswatch wraps fsnotify into a single debounced event channel, the
// shape the runtime's dispatcher loop selects on alongside twin, method and
// HTTP ingress: an fsnotify.Watcher, a forwarding goroutine, an explicit
// watch-list API, and a debounce window that coalesces the burst of
// CREATE/WRITE/CHMOD events a single atomic rename-into-place produces.
package fswatch

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/omnect/omnect-device-service/pkg/log"
)

// Debounce is the coalescing window so bursts from a single atomic write
// settle into one event.
const Debounce = 2 * time.Second

// Event is a single debounced filesystem change notification.
type Event struct {
	Path string
}

// Watcher coalesces fsnotify events per path into a debounced stream.
type Watcher struct {
	log      *log.PrefixLogger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	events chan Event

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a Watcher. Callers must call Run to start forwarding events
// and Close to release the underlying inotify descriptor.
func New(logger *log.PrefixLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		log:      logger,
		watcher:  fsw,
		debounce: Debounce,
		events:   make(chan Event, 16),
		timers:   map[string]*time.Timer{},
	}, nil
}

// Add registers a path to watch. Adding an already-watched path is a no-op.
func (w *Watcher) Add(path string) error {
	for _, existing := range w.watcher.WatchList() {
		if existing == path {
			return nil
		}
	}
	return w.watcher.Add(path)
}

// Remove unregisters a previously watched path.
func (w *Watcher) Remove(path string) error {
	return w.watcher.Remove(path)
}

// Events returns the debounced event stream the runtime selects on.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run forwards raw fsnotify events into the debounced stream until ctx is
// done. It must run in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.schedule(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorf("fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case w.events <- Event{Path: path}:
		default:
			w.log.Warnf("dropping fs-change event for %s, event channel full", path)
		}
	})
}

// Close stops all pending debounce timers and releases the inotify
// descriptor.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
