package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnect/omnect-device-service/internal/feature"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
)

// FeatureID is the update_validation key in the reported snapshot.
const FeatureID = "update_validation"

// FeatureVersion is the update_validation reported-block schema version.
const FeatureVersion uint64 = 1

// statusInterval is the per-tick status reporting cadence while a
// validation is pending; well inside the default 300 s validation window.
const statusInterval = 10 * time.Second

type reportedStatus struct {
	Version           uint64 `json:"version"`
	State             string `json:"state"`
	RestartCount      uint32 `json:"restart_count"`
	LastFailureReason string `json:"last_failure_reason,omitempty"`
}

var _ feature.Feature = (*Feature)(nil)

// Feature surfaces the machine's progress in the reported snapshot like
// any other feature, while the machine itself runs its own lifecycle
// outside the dispatcher (it reboots the device, it cannot be a handler).
// Suppressing or disabling it leaves the usual explicit null in the
// snapshot.
type Feature struct {
	m *Machine

	// armed is latched at construction: a validation either starts on this
	// boot or not at all, so the tick surface never changes mid-run.
	armed bool
}

// NewFeature wraps m for the feature registry.
func NewFeature(m *Machine) *Feature {
	armed, err := m.fio.PathExists(m.sentinelFile)
	if err != nil {
		m.log.Warnf("checking sentinel file: %v", err)
	}
	return &Feature{m: m, armed: armed}
}

func (f *Feature) ID() string      { return FeatureID }
func (f *Feature) Version() uint64 { return FeatureVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	return f.m.statusReport()
}

func (f *Feature) DesiredKeys() []string { return nil }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) Methods() []string { return nil }

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: unknown method %s", rterrors.ErrMethodRejected, name)
}

// Interval enables status ticking only when this boot has a validation
// pending; an idle boot reports once and stays quiet.
func (f *Feature) Interval() (bool, time.Duration) {
	if !f.armed {
		return false, 0
	}
	return true, statusInterval
}

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) {
	return f.m.statusReport()
}

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) HTTPRoutes() []feature.Route { return nil }
