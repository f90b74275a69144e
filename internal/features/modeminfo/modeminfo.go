// Package modeminfo implements the modem_info feature: an optional,
// cellular-hardware-only poll of modem signal/registration state, active
// only when explicitly enabled for a cellular-capable build.
package modeminfo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnect/omnect-device-service/internal/feature"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "modem_info"

const schemaVersion = 1

const mmcliCommand = "mmcli"

type reported struct {
	Version       uint64 `json:"version"`
	Present       bool   `json:"present"`
	Model         string `json:"model,omitempty"`
	SignalQuality int    `json:"signal_quality,omitempty"`
	State         string `json:"state,omitempty"`
}

// Feature implements feature.Feature for modem_info. It is only meant to
// be constructed when config.ModemInfoBuilt is set; an unbuilt device
// simply never gets this feature registered, reporting an explicit
// absent/null subtree.
type Feature struct {
	exec         executer.Executer
	intervalSecs uint64
	log          *log.PrefixLogger

	last reported
}

// New constructs the modem_info feature.
func New(exec executer.Executer, intervalSecs uint64, logger *log.PrefixLogger) *Feature {
	return &Feature{exec: exec, intervalSecs: intervalSecs, log: logger}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	return f.sample(ctx)
}

func (f *Feature) sample(ctx context.Context) (json.RawMessage, error) {
	stdout, _, exitCode := f.exec.ExecuteWithContext(ctx, mmcliCommand, "-m", "0", "-J")
	if exitCode != 0 {
		f.log.Debugf("no modem present or mmcli unavailable")
		f.last = reported{Version: schemaVersion, Present: false}
		return json.Marshal(f.last)
	}

	var modem struct {
		Modem struct {
			Generic struct {
				Model         string `json:"model"`
				State         string `json:"state"`
				SignalQuality struct {
					Value string `json:"value"`
				} `json:"signal-quality"`
			} `json:"generic"`
		} `json:"modem"`
	}
	if err := json.Unmarshal([]byte(stdout), &modem); err != nil {
		return nil, fmt.Errorf("%w: unmarshalling mmcli output: %v", rterrors.ErrSystemFailure, err)
	}

	var quality int
	_, _ = fmt.Sscanf(modem.Modem.Generic.SignalQuality.Value, "%d", &quality)

	f.last = reported{
		Version:       schemaVersion,
		Present:       true,
		Model:         modem.Modem.Generic.Model,
		State:         modem.Modem.Generic.State,
		SignalQuality: quality,
	}
	return json.Marshal(f.last)
}

func (f *Feature) DesiredKeys() []string { return nil }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) Methods() []string { return nil }

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: unknown method %s", rterrors.ErrMethodRejected, name)
}

func (f *Feature) Interval() (bool, time.Duration) {
	if f.intervalSecs == 0 {
		return false, 0
	}
	return true, time.Duration(f.intervalSecs) * time.Second
}

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) {
	return f.sample(ctx)
}

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) HTTPRoutes() []feature.Route { return nil }
