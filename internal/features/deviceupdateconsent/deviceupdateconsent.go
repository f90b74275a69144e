// Package deviceupdateconsent implements the device_update_consent
// feature: the firmware-update general-consent list and the per-update
// user-consent handshake, backed by JSON files under the consent
// directory and a filesystem watch that reacts to changes to them.
package deviceupdateconsent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omnect/omnect-device-service/internal/adapters/fwupdate"
	"github.com/omnect/omnect-device-service/internal/feature"
	"github.com/omnect/omnect-device-service/internal/fileio"
	"github.com/omnect/omnect-device-service/internal/publish"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/log"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "device_update_consent"

const schemaVersion = 1

const (
	generalConsentFile     = "general_consent.json"
	userConsentRequestFile = "user_consent_request.json"
	swupdateConsentFile    = "swupdate/user_consent.json"
)

type reported struct {
	Version            uint64            `json:"version"`
	GeneralConsent     []string          `json:"general_consent"`
	UserConsentRequest json.RawMessage   `json:"user_consent_request,omitempty"`
	UserConsentHistory map[string]string `json:"user_consent_history,omitempty"`
}

// Feature implements feature.Feature for device_update_consent.
type Feature struct {
	mu    sync.Mutex
	dir   string
	fio   fileio.ReadWriter
	agent fwupdate.Agent
	pub   *publish.Registry
	log   *log.PrefixLogger

	generalConsent     []string
	userConsentRequest json.RawMessage
	userConsentHistory map[string]string
}

// New constructs the device_update_consent feature rooted at consentDir.
// agent and pub back this feature's /fwupdate/load/v1 and /fwupdate/run/v1
// local HTTP routes. agent may be nil when the firmware-update agent is
// unavailable on a given build, in which case those routes answer 500;
// with a nil pub the routes still run and their results are not published.
func New(consentDir string, fio fileio.ReadWriter, agent fwupdate.Agent, pub *publish.Registry, logger *log.PrefixLogger) *Feature {
	return &Feature{
		dir:                consentDir,
		fio:                fio,
		agent:              agent,
		pub:                pub,
		log:                logger,
		userConsentHistory: map[string]string{},
	}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

// InitialReported loads whatever general_consent.json and
// user_consent_request.json already contain on disk.
func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if data, err := f.fio.ReadFile(filepath.Join(f.dir, generalConsentFile)); err == nil {
		var list []string
		if err := json.Unmarshal(data, &list); err == nil {
			f.generalConsent = normalizeConsentList(list)
		}
	}
	if data, err := f.fio.ReadFile(filepath.Join(f.dir, userConsentRequestFile)); err == nil {
		f.userConsentRequest = json.RawMessage(data)
	}

	return f.snapshotLocked()
}

func (f *Feature) snapshotLocked() (json.RawMessage, error) {
	r := reported{
		Version:            schemaVersion,
		GeneralConsent:     f.generalConsent,
		UserConsentRequest: f.userConsentRequest,
		UserConsentHistory: f.userConsentHistory,
	}
	if r.GeneralConsent == nil {
		r.GeneralConsent = []string{}
	}
	return json.Marshal(r)
}

func (f *Feature) DesiredKeys() []string {
	return []string{"general_consent"}
}

// OnDesired implements the consent-cycle idempotence invariant: the same
// multiset (case/order-insensitive) of consent types produces no write and
// no reported update.
func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	raw, ok := doc["general_consent"]
	if !ok {
		return nil, nil
	}

	var list []string
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: general_consent is not a string array: %v", rterrors.ErrDesiredRejected, err)
		}
	}
	normalized := normalizeConsentList(list)

	f.mu.Lock()
	defer f.mu.Unlock()

	if equalConsentLists(normalized, f.generalConsent) {
		return nil, nil
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("marshalling general_consent: %w", err)
	}
	if err := f.fio.WriteFile(filepath.Join(f.dir, generalConsentFile), data, fileio.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("%w: writing general_consent.json: %v", rterrors.ErrSystemFailure, err)
	}
	f.generalConsent = normalized

	return f.snapshotLocked()
}

func (f *Feature) Methods() []string {
	return []string{"user_consent"}
}

type userConsentPayload struct {
	Swupdate string `json:"swupdate"`
}

// OnMethod handles user_consent({"swupdate": "<version>"}), writing the
// consent file once per distinct version (idempotent on repeat calls with
// the same version).
func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	if name != "user_consent" {
		return nil, fmt.Errorf("%w: unknown method %s", rterrors.ErrMethodRejected, name)
	}

	var req userConsentPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Swupdate == "" {
		return nil, fmt.Errorf("%w: user_consent requires a non-empty swupdate version", rterrors.ErrMethodRejected)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.userConsentHistory["swupdate"] == req.Swupdate {
		return f.snapshotLocked()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling user consent: %w", err)
	}
	if err := f.fio.WriteFile(filepath.Join(f.dir, swupdateConsentFile), data, fileio.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("%w: writing swupdate user consent: %v", rterrors.ErrSystemFailure, err)
	}
	f.userConsentHistory["swupdate"] = req.Swupdate

	return f.snapshotLocked()
}

func (f *Feature) Interval() (bool, time.Duration) { return false, 0 }

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) { return nil, nil }

// WatchedPaths watches the whole consent directory so an external agent
// dropping user_consent_request.json is picked up.
func (f *Feature) WatchedPaths() []string {
	return []string{f.dir}
}

// OnFSChange reloads user_consent_request.json whenever the consent
// directory changes.
func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.fio.ReadFile(filepath.Join(f.dir, userConsentRequestFile))
	if err != nil {
		return nil, nil
	}
	if string(data) == string(f.userConsentRequest) {
		return nil, nil
	}
	f.userConsentRequest = json.RawMessage(data)

	return f.snapshotLocked()
}

// HTTPRoutes registers the firmware-update agent's two local entry
// points. Both publish their outcome to the FirmwareUpdate channel rather
// than returning it in the reported block, since the agent's own progress
// is out of this feature's twin-facing schema.
func (f *Feature) HTTPRoutes() []feature.Route {
	return []feature.Route{
		{Method: http.MethodPost, Pattern: "/fwupdate/load/v1", Handler: f.handleLoad},
		{Method: http.MethodPost, Pattern: "/fwupdate/run/v1", Handler: f.handleRun},
	}
}

type loadRequest struct {
	UpdateFilePath string `json:"update_file_path"`
}

type runRequest struct {
	ValidateIoTHubConnection bool `json:"validate_iothub_connection"`
}

type fwupdateResult struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

func (f *Feature) handleLoad(ctx context.Context, body json.RawMessage) feature.HTTPResponse {
	var req loadRequest
	if err := json.Unmarshal(body, &req); err != nil || req.UpdateFilePath == "" {
		return feature.ErrorResponse(http.StatusBadRequest, "malformed request body")
	}
	if f.agent == nil {
		return feature.ErrorResponse(http.StatusInternalServerError, "firmware-update agent unavailable")
	}

	err := f.agent.Load(ctx, req.UpdateFilePath)
	f.publishFirmwareUpdateResult(ctx, "load", err)
	if err != nil {
		return feature.ErrorResponse(rterrors.ToStatus(err), err.Error())
	}
	return okResponse(fwupdateResult{Action: "load", OK: true})
}

func (f *Feature) handleRun(ctx context.Context, body json.RawMessage) feature.HTTPResponse {
	var req runRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return feature.ErrorResponse(http.StatusBadRequest, "malformed request body")
	}
	if f.agent == nil {
		return feature.ErrorResponse(http.StatusInternalServerError, "firmware-update agent unavailable")
	}

	err := f.agent.Run(ctx, req.ValidateIoTHubConnection)
	f.publishFirmwareUpdateResult(ctx, "run", err)
	if err != nil {
		return feature.ErrorResponse(rterrors.ToStatus(err), err.Error())
	}
	return okResponse(fwupdateResult{Action: "run", OK: true})
}

func (f *Feature) publishFirmwareUpdateResult(ctx context.Context, action string, err error) {
	if f.pub == nil {
		return
	}
	result := fwupdateResult{Action: action, OK: err == nil}
	if err != nil {
		result.Error = err.Error()
	}
	data, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return
	}
	f.pub.Publish(ctx, publish.ChannelFirmwareUpdate, data)
}

func okResponse(v interface{}) feature.HTTPResponse {
	data, err := json.Marshal(v)
	if err != nil {
		return feature.ErrorResponse(http.StatusInternalServerError, "marshalling response")
	}
	return feature.HTTPResponse{Status: http.StatusOK, Body: data}
}

func normalizeConsentList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(v)))
	}
	sort.Strings(out)
	return out
}

func equalConsentLists(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
