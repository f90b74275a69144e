// Package reboot implements the reboot feature: an on-demand reboot method
// and the wait-online-timeout override, replying before actually asking
// systemd to reboot so the method reply has time to drain.
package reboot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/omnect/omnect-device-service/internal/adapters/reason"
	"github.com/omnect/omnect-device-service/internal/adapters/systemd"
	"github.com/omnect/omnect-device-service/internal/feature"
	"github.com/omnect/omnect-device-service/internal/fileio"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/log"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "reboot"

const schemaVersion = 1

// GracePeriod is how long the reboot method waits after replying before it
// actually asks systemd to reboot, so the reply has time to drain.
const GracePeriod = 2 * time.Second

// waitOnlineTimeoutFile is an EnvironmentFile= consumed by
// systemd-networkd-wait-online.service, not a JSON document: a single
// KEY=VALUE line, or empty to mean "no override."
const waitOnlineTimeoutFile = "wait-online-timeout.env"

const waitOnlineTimeoutEnvKey = "WAIT_ONLINE_TIMEOUT_SEC"

const rebootReason = "ods-reboot"

type reported struct {
	Version           uint64 `json:"version"`
	WaitOnlineTimeout uint32 `json:"wait_online_timeout_secs,omitempty"`
}

// Feature implements feature.Feature for reboot.
type Feature struct {
	systemd    systemd.Client
	reason     reason.Logger
	fio        fileio.ReadWriter
	runtimeDir string
	log        *log.PrefixLogger

	waitOnlineTimeout uint32

	// rebootAfter, when set, is invoked instead of a real 2s sleep+reboot;
	// used by tests to avoid a real sleep.
	rebootAfter func(ctx context.Context)
}

// New constructs the reboot feature. runtimeDir is where the
// wait-online-timeout override file is persisted.
func New(sysd systemd.Client, reasonLogger reason.Logger, fio fileio.ReadWriter, runtimeDir string, logger *log.PrefixLogger) *Feature {
	return &Feature{systemd: sysd, reason: reasonLogger, fio: fio, runtimeDir: runtimeDir, log: logger}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	data, err := f.fio.ReadFile(filepath.Join(f.runtimeDir, waitOnlineTimeoutFile))
	if err == nil {
		f.waitOnlineTimeout = parseWaitOnlineTimeoutFile(data)
	}
	return f.snapshot()
}

// parseWaitOnlineTimeoutFile reads the KEY=VALUE override out of an
// EnvironmentFile=-style document, ignoring blank lines and comments; a
// missing or malformed variable reports 0 (no override).
func parseWaitOnlineTimeoutFile(data []byte) uint32 {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key != waitOnlineTimeoutEnvKey {
			continue
		}
		parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		if err != nil {
			continue
		}
		return uint32(parsed)
	}
	return 0
}

// formatWaitOnlineTimeoutFile renders the override as an
// EnvironmentFile=-style document; a zero timeout rewrites the file empty
// so the variable is unset rather than present with value 0.
func formatWaitOnlineTimeoutFile(secs uint32) []byte {
	if secs == 0 {
		return nil
	}
	return []byte(fmt.Sprintf("%s=%d\n", waitOnlineTimeoutEnvKey, secs))
}

func (f *Feature) snapshot() (json.RawMessage, error) {
	return json.Marshal(reported{Version: schemaVersion, WaitOnlineTimeout: f.waitOnlineTimeout})
}

func (f *Feature) DesiredKeys() []string { return nil }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) Methods() []string {
	return []string{"reboot", "set_wait_online_timeout"}
}

type waitOnlineTimeoutPayload struct {
	TimeoutSecs uint32 `json:"timeout_secs"`
}

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "reboot":
		return f.onReboot(ctx)
	case "set_wait_online_timeout":
		return f.onSetWaitOnlineTimeout(ctx, payload)
	default:
		return nil, fmt.Errorf("%w: unknown method %s", rterrors.ErrMethodRejected, name)
	}
}

// onReboot logs the reboot reason, schedules the actual reboot after
// GracePeriod so the method reply drains first, and returns immediately.
func (f *Feature) onReboot(ctx context.Context) (json.RawMessage, error) {
	if err := f.reason.Log(ctx, rebootReason); err != nil {
		f.log.Warnf("failed logging reboot reason: %v", err)
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
		f.log.Errorf("reboot request failed: %v", err)
	}
}

func (f *Feature) onSetWaitOnlineTimeout(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req waitOnlineTimeoutPayload
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: malformed set_wait_online_timeout payload: %v", rterrors.ErrMethodRejected, err)
		}
	}

	f.waitOnlineTimeout = req.TimeoutSecs

	data := formatWaitOnlineTimeoutFile(f.waitOnlineTimeout)
	if err := f.fio.WriteFile(filepath.Join(f.runtimeDir, waitOnlineTimeoutFile), data, fileio.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("%w: persisting wait-online-timeout: %v", rterrors.ErrSystemFailure, err)
	}

	return f.snapshot()
}

func (f *Feature) Interval() (bool, time.Duration) { return false, 0 }

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) { return nil, nil }

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

// HTTPRoutes registers POST /reboot/v1, the local equivalent of the
// reboot direct method.
func (f *Feature) HTTPRoutes() []feature.Route {
	return []feature.Route{
		{Method: http.MethodPost, Pattern: "/reboot/v1", Handler: f.handleReboot},
	}
}

func (f *Feature) handleReboot(ctx context.Context, body json.RawMessage) feature.HTTPResponse {
	patch, err := f.onReboot(ctx)
	if err != nil {
		return feature.ErrorResponse(rterrors.ToStatus(err), err.Error())
	}
	return feature.HTTPResponse{Status: http.StatusOK, Body: patch, Patch: patch}
}
