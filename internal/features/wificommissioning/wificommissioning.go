// Package wificommissioning implements the wifi_commissioning feature: it
// reports only whether wifi commissioning support is available on this
// device, with no desired-property, method, or tick surface.
package wificommissioning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnect/omnect-device-service/internal/feature"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "wifi_commissioning"

const schemaVersion = 1

type reported struct {
	Version   uint64 `json:"version"`
	Available bool   `json:"available"`
}

// Feature implements feature.Feature for wifi_commissioning.
type Feature struct {
	available bool
}

// New constructs the wifi_commissioning feature. available reflects
// whether the on-device wifi-commissioning tooling is present.
func New(available bool) *Feature {
	return &Feature{available: available}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(reported{Version: schemaVersion, Available: f.available})
}

func (f *Feature) DesiredKeys() []string { return nil }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) Methods() []string { return nil }

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("unknown method %s", name)
}

func (f *Feature) Interval() (bool, time.Duration) { return false, 0 }

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) { return nil, nil }

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) HTTPRoutes() []feature.Route { return nil }
