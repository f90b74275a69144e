// Package runtime implements the event-driven feature runtime: it owns the
// feature registry and the reported snapshot, serializes every feature
// invocation, and translates the event sources (desired-property deltas,
// direct methods, filesystem changes, timer ticks) into feature calls, as
// a single-threaded cooperative event loop with sd_notify watchdog
// integration.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/omnect/omnect-device-service/internal/adapters/fswatch"
	"github.com/omnect/omnect-device-service/internal/feature"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/internal/runtime/watchdog"
	"github.com/omnect/omnect-device-service/internal/twin"
	"github.com/omnect/omnect-device-service/pkg/log"
)

// destructiveMethods yield to the reply-then-grace-window-then-act
// sequencing and get the shorter 20 s per-method timeout.
var destructiveMethods = map[string]bool{
	"reboot": true,
}

const (
	nonDestructiveTimeout = 60 * time.Second
	destructiveTimeout    = 20 * time.Second
)

// MethodReply is the direct-method reply shape: {status, payload}.
type MethodReply struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reporter receives the reported-properties patches the dispatcher emits
// after every event that mutated the snapshot; the IoT client implements
// it. Submission failures are logged, not propagated: the snapshot stays
// authoritative and the next change carries the state again.
type Reporter interface {
	UpdateReportedProperties(ctx context.Context, patch map[string]json.RawMessage) error
}

// Dispatcher is the single-threaded home of every feature invocation. All
// exported methods are safe to call concurrently; internally they
// serialize on mu, the sole interleaving point being a feature handler's
// own awaits.
type Dispatcher struct {
	mu sync.Mutex

	registry *feature.Registry
	snapshot *twin.ReportedSnapshot
	notifier *watchdog.Notifier
	reporter Reporter
	log      *log.PrefixLogger

	methodOwner map[string]feature.Feature

	draining bool
}

// New constructs a Dispatcher over an already-built feature registry. Each
// feature that publishes to the status fan-out holds its own
// *publish.Registry reference (see internal/features/deviceupdateconsent),
// so the dispatcher itself needs none.
func New(registry *feature.Registry, notifier *watchdog.Notifier, logger *log.PrefixLogger) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		snapshot:    twin.NewReportedSnapshot(),
		notifier:    notifier,
		log:         logger,
		methodOwner: map[string]feature.Feature{},
	}
	for _, f := range registry.All() {
		for _, name := range f.Methods() {
			d.methodOwner[name] = f
		}
	}
	return d
}

// SetReporter registers the reported-properties consumer; call before
// Bootstrap so the initial combined update is emitted too.
func (d *Dispatcher) SetReporter(r Reporter) {
	d.mu.Lock()
	d.reporter = r
	d.mu.Unlock()
}

// Bootstrap builds the initial reported snapshot from every registered
// feature's InitialReported, including explicit nulls for suppressed or
// unbuilt features, and emits it as one combined reported update.
func (d *Dispatcher) Bootstrap(ctx context.Context, knownFeatureIDs []string) (*twin.ReportedSnapshot, error) {
	d.mu.Lock()
	snap, err := d.registry.InitialSnapshot(ctx, knownFeatureIDs)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.snapshot = snap
	d.mu.Unlock()

	d.reportChanged(ctx, knownFeatureIDs...)
	return snap, nil
}

// reportChanged submits the current reported blocks of the given features
// to the registered reporter, outside d.mu so the submission's I/O does
// not block other feature invocations.
func (d *Dispatcher) reportChanged(ctx context.Context, featureIDs ...string) {
	if len(featureIDs) == 0 {
		return
	}

	d.mu.Lock()
	reporter := d.reporter
	patch := make(map[string]json.RawMessage, len(featureIDs))
	for _, id := range featureIDs {
		patch[id] = d.snapshot.Get(id)
	}
	d.mu.Unlock()

	if reporter == nil {
		return
	}
	if err := reporter.UpdateReportedProperties(ctx, patch); err != nil {
		d.log.WithError(err).Warnf("submitting reported-properties update")
	}
}

// Snapshot returns a safe copy of the current reported state, the document
// the runtime submits to the IoT client as the combined reported-properties
// update.
func (d *Dispatcher) Snapshot() map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot.Snapshot()
}

// Drain refuses new direct methods with 503 and is set by the shutdown
// sequence before awaiting in-flight handlers.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
}

// HandleDesired routes one desired-property delta to every feature that
// declared interest in a key the delta mentions, merging their reported
// patches in registration order. A feature whose keys the delta does not
// mention is never invoked; a rejected patch is logged at warn and leaves
// both the feature's state and its reported block untouched. Deltas are
// serialized by d.mu, so features see them in arrival order.
func (d *Dispatcher) HandleDesired(ctx context.Context, delta twin.Delta) error {
	var changed []string

	d.mu.Lock()
	for _, f := range d.registry.All() {
		subtree := map[string]json.RawMessage{}
		for _, key := range f.DesiredKeys() {
			if v, ok := delta.Subtree(key); ok {
				subtree[key] = v
			}
		}
		if len(subtree) == 0 {
			continue
		}

		patch, err := f.OnDesired(ctx, delta.Version, subtree)
		if err != nil {
			d.log.WithError(err).Warnf("desired delta rejected for feature %s", f.ID())
			continue
		}
		if patch == nil {
			continue
		}
		if err := d.snapshot.Merge(f.ID(), patch); err != nil {
			d.mu.Unlock()
			return err
		}
		changed = append(changed, f.ID())
	}
	d.mu.Unlock()

	d.reportChanged(ctx, changed...)
	return nil
}

// HandleMethod dispatches a direct-method invocation to whichever feature
// declared it, enforcing the per-method timeout and translating the
// result into the {status, payload} reply shape. A method unclaimed by
// any feature yields 501; exceeding the timeout yields a synthesized 504.
func (d *Dispatcher) HandleMethod(ctx context.Context, name string, payload json.RawMessage) MethodReply {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return MethodReply{Status: 503}
	}
	f, ok := d.methodOwner[name]
	d.mu.Unlock()

	if !ok {
		d.log.Warnf("direct method %s unclaimed by any feature", name)
		return MethodReply{Status: 501}
	}

	timeout := nonDestructiveTimeout
	if destructiveMethods[name] {
		timeout = destructiveTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.mu.Lock()
	patch, err := f.OnMethod(callCtx, name, payload)
	merged := false
	if err == nil && patch != nil {
		merged = d.snapshot.Merge(f.ID(), patch) == nil
	}
	d.mu.Unlock()

	if merged {
		d.reportChanged(ctx, f.ID())
	}

	if callCtx.Err() == context.DeadlineExceeded {
		return MethodReply{Status: 504}
	}
	if err != nil {
		return MethodReply{Status: methodStatus(err), Payload: errorPayload(err)}
	}
	return MethodReply{Status: 200, Payload: patch}
}

// methodStatus maps an error to the direct-method status code table
// (success 200, malformed argument 401, internal error 500), distinct
// from the HTTP-route status table in rterrors.ToStatus.
func methodStatus(err error) int {
	switch {
	case errors.Is(err, rterrors.ErrDesiredRejected), errors.Is(err, rterrors.ErrMethodRejected):
		return 401
	case errors.Is(err, rterrors.ErrNotFound):
		return 404
	case errors.Is(err, rterrors.ErrTransient):
		return 503
	default:
		return 500
	}
}

func errorPayload(err error) json.RawMessage {
	data, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return json.RawMessage(`{"error":"internal error"}`)
	}
	return data
}

// HandleHTTP runs a feature's local-API handler under the same
// serialization as every other feature invocation, merges its reported
// patch, and emits the resulting reported update. While the runtime is
// draining it answers 503 without invoking the handler, matching
// HandleMethod.
func (d *Dispatcher) HandleHTTP(ctx context.Context, featureID string, h feature.HTTPHandlerFunc, body json.RawMessage) feature.HTTPResponse {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return feature.ErrorResponse(http.StatusServiceUnavailable, "shutting down")
	}

	resp := h(ctx, body)
	merged := false
	if len(resp.Patch) != 0 {
		if err := d.snapshot.Merge(featureID, resp.Patch); err != nil {
			d.log.WithError(err).Errorf("merging local-API patch for feature %s", featureID)
		} else {
			merged = true
		}
	}
	d.mu.Unlock()

	if merged {
		d.reportChanged(ctx, featureID)
	}
	return resp
}

// Tick fires a feature's periodic handler; the caller (the ticker loop)
// is responsible for coalescing a tick that arrives while the previous
// one is still running, since Tick itself blocks on d.mu for the
// duration of the call.
func (d *Dispatcher) Tick(ctx context.Context, featureID string) error {
	d.mu.Lock()
	f, ok := d.registry.ByID(featureID)
	if !ok {
		d.mu.Unlock()
		return nil
	}
	patch, err := f.OnTick(ctx)
	if err != nil {
		d.mu.Unlock()
		d.log.WithError(err).Warnf("tick failed for feature %s", featureID)
		return err
	}
	if patch == nil {
		d.mu.Unlock()
		return nil
	}
	if err := d.snapshot.Merge(featureID, patch); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	d.reportChanged(ctx, featureID)
	return nil
}

// OnFSChange fires every feature that declared interest in path, which may
// name either a watched path exactly or a file inside a watched directory
// (fsnotify reports the changed file, not the directory it was added
// under). The feature is always called with the watched path it declared,
// not the raw event path, matching the contract its WatchedPaths() implies.
func (d *Dispatcher) OnFSChange(ctx context.Context, path string) {
	var changed []string

	d.mu.Lock()
	for _, f := range d.registry.All() {
		for _, watched := range f.WatchedPaths() {
			if watched != path && filepath.Dir(path) != watched {
				continue
			}
			patch, err := f.OnFSChange(ctx, watched)
			if err != nil {
				d.log.WithError(err).Warnf("fs-change handler failed for feature %s", f.ID())
				continue
			}
			if patch == nil {
				continue
			}
			if err := d.snapshot.Merge(f.ID(), patch); err != nil {
				d.log.WithError(err).Errorf("merging fs-change patch for feature %s", f.ID())
			} else {
				changed = append(changed, f.ID())
			}
			break
		}
	}
	d.mu.Unlock()

	d.reportChanged(ctx, changed...)
}

// RunTickers starts one goroutine per feature that declared a periodic
// interval, each firing Tick on its own wall-clock period until ctx is
// canceled.
func (d *Dispatcher) RunTickers(ctx context.Context) {
	for _, f := range d.registry.All() {
		enabled, interval := f.Interval()
		if !enabled {
			continue
		}
		go d.runTicker(ctx, f.ID(), interval)
	}
}

func (d *Dispatcher) runTicker(ctx context.Context, featureID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx, featureID); err != nil {
				d.log.WithError(err).Debugf("tick error for %s", featureID)
			}
		}
	}
}

// RunFSWatcher registers every feature's WatchedPaths with watcher and
// forwards its debounced event stream into OnFSChange until ctx is
// canceled. Callers must separately start watcher.Run.
func (d *Dispatcher) RunFSWatcher(ctx context.Context, watcher *fswatch.Watcher) error {
	for _, f := range d.registry.All() {
		for _, path := range f.WatchedPaths() {
			if err := watcher.Add(path); err != nil {
				return err
			}
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events():
				if !ok {
					return
				}
				d.OnFSChange(ctx, ev.Path)
			}
		}
	}()
	return nil
}

// RunWatchdog pings the supervisor at the given interval until ctx is
// canceled.
func (d *Dispatcher) RunWatchdog(ctx context.Context, interval time.Duration) {
	if !d.notifier.Enabled() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.notifier.Watchdog()
		}
	}
}
