// Package iotclient names the IoT-hub client library's surface as a narrow
// interface: something that delivers parsed twin/method/message events and
// accepts reported-property and telemetry submissions. This package exists
// only so the runtime can be wired against a concrete type without
// depending on any particular IoT-hub SDK; the real client is
// deployment-specific and is not implemented here.
package iotclient

import (
	"context"
	"encoding/json"

	"github.com/omnect/omnect-device-service/internal/twin"
)

// DesiredHandler consumes one desired-properties delta. The client must
// invoke it serially, in arrival order.
type DesiredHandler func(ctx context.Context, delta twin.Delta)

// MethodHandler answers one direct-method invocation with the
// {status, payload} reply shape. The client owns the reply channel; the
// handler must return exactly once per invocation.
type MethodHandler func(ctx context.Context, name string, payload json.RawMessage) (status int, response json.RawMessage)

// Client is the subset of an IoT-hub device client the runtime needs: it
// delivers desired-property deltas and direct-method invocations to
// registered handlers, submits reported-property patches and telemetry,
// and reports whether the connection is currently authenticated (consulted
// by update_validation's commit predicate).
type Client interface {
	// SetDesiredHandler registers the consumer of desired-property deltas;
	// must be called before the client starts delivering events.
	SetDesiredHandler(h DesiredHandler)

	// SetMethodHandler registers the responder for direct-method
	// invocations; must be called before the client starts delivering
	// events.
	SetMethodHandler(h MethodHandler)

	// UpdateReportedProperties submits a reported-properties patch for the
	// twin document.
	UpdateReportedProperties(ctx context.Context, patch map[string]json.RawMessage) error

	// SendTelemetry submits a device-to-cloud telemetry message on the
	// given channel.
	SendTelemetry(ctx context.Context, channel string, payload json.RawMessage) error

	// Authenticated reports whether the connection is currently
	// authenticated with the hub.
	Authenticated() bool

	// Close releases the underlying connection.
	Close() error
}

// Noop is a Client that accepts every call, delivers no events, and never
// reports an authenticated connection; it lets the runtime start up and
// exercise its local HTTP API and feature set on a device with no
// configured IoT-hub connection (local testing).
type Noop struct{}

var _ Client = Noop{}

func (Noop) SetDesiredHandler(h DesiredHandler) {}

func (Noop) SetMethodHandler(h MethodHandler) {}

func (Noop) UpdateReportedProperties(ctx context.Context, patch map[string]json.RawMessage) error {
	return nil
}

func (Noop) SendTelemetry(ctx context.Context, channel string, payload json.RawMessage) error {
	return nil
}

func (Noop) Authenticated() bool { return false }

func (Noop) Close() error { return nil }
