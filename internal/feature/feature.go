// Package feature defines the contract every device capability implements
// and a Registry that builds the enabled set: a fixed interface, a
// construction-time list, and environment-driven filtering rather than a
// plugin system.
package feature

import (
	"context"
	"encoding/json"
	"time"

	"github.com/omnect/omnect-device-service/internal/twin"
)

// MethodFunc handles a module-twin direct-method invocation: a raw JSON
// payload, answered with a raw JSON result or an error the runtime maps to
// a status code (internal/runtime/errors).
type MethodFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// HTTPResponse is what a feature's local-API handler returns: the status
// and optional body sent back to the caller, plus the reported patch the
// runtime merges into the snapshot (nil when the call changed nothing).
type HTTPResponse struct {
	Status int
	Body   json.RawMessage
	Patch  json.RawMessage
}

// HTTPHandlerFunc handles one local HTTP API request body. Handlers run
// under the runtime's feature-invocation serialization, never directly on
// a server goroutine, so they follow the same single-handler-at-a-time
// discipline as OnDesired/OnMethod/OnTick.
type HTTPHandlerFunc func(ctx context.Context, body json.RawMessage) HTTPResponse

// ErrorResponse builds the {"error": msg} failure shape every local API
// route uses.
func ErrorResponse(status int, msg string) HTTPResponse {
	body, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		body = json.RawMessage(`{"error":"internal error"}`)
	}
	return HTTPResponse{Status: status, Body: body}
}

// Route is a single local HTTP API endpoint a feature contributes, mounted
// by the local API server and invoked through the runtime.
type Route struct {
	Method  string
	Pattern string
	Handler HTTPHandlerFunc
}

// Feature is the uniform contract every device capability implements. A
// feature owns no goroutines of its own: the runtime calls into it from
// the single dispatcher loop, so implementations must not block beyond
// the individual call.
type Feature interface {
	// ID is the stable key used in the reported-properties map and the
	// SUPPRESS_<NAME> environment variable.
	ID() string

	// Version is the schema version this feature stamps into its own
	// reported block.
	Version() uint64

	// InitialReported returns the reported block to publish the moment the
	// feature is constructed, before any desired delta or tick has run.
	InitialReported(ctx context.Context) (json.RawMessage, error)

	// DesiredKeys lists the top-level desired-properties keys this feature
	// wants delivered to OnDesired. A key absent from an incoming delta is
	// never passed through.
	DesiredKeys() []string

	// OnDesired handles a per-feature slice of a desired-properties delta,
	// returning the patch to merge into this feature's reported block.
	OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error)

	// Methods lists the direct-method names this feature answers, unprefixed.
	Methods() []string

	// OnMethod dispatches a single direct-method call by name.
	OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)

	// Interval returns how often OnTick fires; enabled=false disables ticking.
	Interval() (enabled bool, d time.Duration)

	// OnTick runs on the feature's own interval, typically refreshing
	// telemetry and returning an updated reported patch.
	OnTick(ctx context.Context) (json.RawMessage, error)

	// WatchedPaths lists filesystem paths the runtime's debounced watcher
	// should notify this feature about.
	WatchedPaths() []string

	// OnFSChange handles a debounced change notification for one of
	// WatchedPaths, returning an updated reported patch.
	OnFSChange(ctx context.Context, path string) (json.RawMessage, error)

	// HTTPRoutes lists the local HTTP API routes this feature contributes.
	HTTPRoutes() []Route
}

// Registry owns the enabled feature set, applying the SUPPRESS_<NAME>
// construction-time filter from internal/config before anything else in
// the runtime ever sees a Feature.
type Registry struct {
	byID     map[string]Feature
	ordered  []Feature
}

// NewRegistry builds a Registry from the full candidate list, dropping any
// feature whose id appears in suppress.
func NewRegistry(candidates []Feature, suppress map[string]bool) *Registry {
	r := &Registry{byID: map[string]Feature{}}
	for _, f := range candidates {
		if suppress[f.ID()] {
			continue
		}
		r.byID[f.ID()] = f
		r.ordered = append(r.ordered, f)
	}
	return r
}

// All returns the enabled features in construction order.
func (r *Registry) All() []Feature {
	return r.ordered
}

// ByID looks up an enabled feature, returning ok=false if it was suppressed
// or never registered.
func (r *Registry) ByID(id string) (Feature, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// InitialSnapshot builds the reported snapshot for every enabled feature,
// and marks every suppressed-but-known feature absent, so that clients can
// tell "disabled on this build" apart from "not yet reported".
func (r *Registry) InitialSnapshot(ctx context.Context, knownIDs []string) (*twin.ReportedSnapshot, error) {
	snap := twin.NewReportedSnapshot()
	for _, id := range knownIDs {
		if _, ok := r.byID[id]; !ok {
			snap.SetAbsent(id)
		}
	}
	for _, f := range r.ordered {
		patch, err := f.InitialReported(ctx)
		if err != nil {
			return nil, err
		}
		if err := snap.Merge(f.ID(), patch); err != nil {
			return nil, err
		}
	}
	return snap, nil
}
