// Package factoryreset implements the factory_reset feature: validating
// the requested mode and preserve-list against an allow-list, writing
// them to the bootloader environment, and triggering a reboot.
package factoryreset

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/omnect/omnect-device-service/internal/adapters/bootloaderenv"
	"github.com/omnect/omnect-device-service/internal/adapters/reason"
	"github.com/omnect/omnect-device-service/internal/adapters/systemd"
	"github.com/omnect/omnect-device-service/internal/feature"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/log"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "factory_reset"

const schemaVersion = 1

// Env variable names written to the bootloader environment.
const (
	envMode     = "factory-reset"
	envPreserve = "factory-reset-restore-list"
	envResult   = "factory-reset-result"
)

// GracePeriod is how long Run waits after replying before it actually asks
// systemd to reboot, so the reply has time to drain. Matches the reboot
// feature's grace window since factory_reset is reboot-inducing too.
const GracePeriod = 2 * time.Second

// PreserveAllowList is the static allow-list of preservable subsystems.
var PreserveAllowList = []string{"network", "firewall", "certificates", "applications"}

type reported struct {
	Version uint64   `json:"version"`
	Keys    []string `json:"keys"`
	Result  string   `json:"result,omitempty"`
}

// Feature implements feature.Feature for factory_reset.
type Feature struct {
	mu         sync.Mutex
	env        bootloaderenv.Env
	systemd    systemd.Client
	reason     reason.Logger
	log        *log.PrefixLogger
	lastResult string

	// rebootAfter, when set, is invoked instead of a real grace-period
	// sleep+reboot; used by tests to avoid a real sleep.
	rebootAfter func(ctx context.Context)
}

// New constructs the factory_reset feature.
func New(env bootloaderenv.Env, sysd systemd.Client, reasonLogger reason.Logger, logger *log.PrefixLogger) *Feature {
	return &Feature{env: env, systemd: sysd, reason: reasonLogger, log: logger}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	if v, err := f.env.Get(ctx, envResult); err == nil {
		f.lastResult = v
	}
	return f.snapshot()
}

func (f *Feature) snapshot() (json.RawMessage, error) {
	allow := append([]string(nil), PreserveAllowList...)
	sort.Strings(allow)
	return json.Marshal(reported{Version: schemaVersion, Keys: allow, Result: f.lastResult})
}

func (f *Feature) DesiredKeys() []string { return nil }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) Methods() []string { return nil }

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: unknown method %s", rterrors.ErrMethodRejected, name)
}

func (f *Feature) Interval() (bool, time.Duration) { return false, 0 }

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) { return nil, nil }

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

// HTTPRoutes registers POST /factory-reset/v1, the feature's only local
// API surface.
func (f *Feature) HTTPRoutes() []feature.Route {
	return []feature.Route{
		{Method: http.MethodPost, Pattern: "/factory-reset/v1", Handler: f.handleFactoryReset},
	}
}

func (f *Feature) handleFactoryReset(ctx context.Context, body json.RawMessage) feature.HTTPResponse {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return feature.ErrorResponse(http.StatusBadRequest, "malformed request body")
	}

	patch, err := f.Run(ctx, req)
	if err != nil {
		status := rterrors.ToStatus(err)
		if stderrors.Is(err, rterrors.ErrMethodRejected) {
			// An unknown mode/preserve entry is a 401, not the generic 400
			// other malformed-body cases get.
			status = http.StatusUnauthorized
		}
		return feature.ErrorResponse(status, err.Error())
	}

	return feature.HTTPResponse{Status: http.StatusOK, Body: patch, Patch: patch}
}

// Request is the body of POST /factory-reset/v1.
type Request struct {
	Mode     int      `json:"mode"`
	Preserve []string `json:"preserve"`
}

// knownModes are the factory-reset modes the bootloader environment
// understands. The exact integers are opaque to this service; only their
// validity is checked here.
var knownModes = map[int]bool{1: true, 2: true, 3: true}

// Run validates the request, writes both bootloader variables, logs the
// reboot reason, and schedules the actual reboot after GracePeriod so the
// caller's reply drains first. It returns the updated reported patch
// immediately, before the reboot is issued.
func (f *Feature) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	if !knownModes[req.Mode] {
		return nil, fmt.Errorf("%w: unknown factory-reset mode %d", rterrors.ErrMethodRejected, req.Mode)
	}
	for _, p := range req.Preserve {
		if !containsString(PreserveAllowList, p) {
			return nil, fmt.Errorf("%w: unknown preserve entry %q", rterrors.ErrMethodRejected, p)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.env.Set(ctx, envMode, strconv.Itoa(req.Mode)); err != nil {
		return nil, err
	}
	preserveList := joinComma(req.Preserve)
	if err := f.env.Set(ctx, envPreserve, preserveList); err != nil {
		return nil, err
	}

	if err := f.reason.Log(ctx, "factory-reset"); err != nil {
		f.log.Warnf("failed logging factory-reset reboot reason: %v", err)
	}

	trigger := f.rebootAfter
	if trigger == nil {
		trigger = f.defaultRebootAfterGrace
	}
	go trigger(context.WithoutCancel(ctx))

	return f.snapshot()
}

func (f *Feature) defaultRebootAfterGrace(ctx context.Context) {
	time.Sleep(GracePeriod)
	if err := f.systemd.Reboot(ctx); err != nil {
		f.log.Errorf("factory-reset reboot request failed: %v", err)
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func joinComma(list []string) string {
	out := ""
	for i, v := range list {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}
