package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnect/omnect-device-service/internal/feature"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/internal/runtime/watchdog"
	"github.com/omnect/omnect-device-service/internal/twin"
	"github.com/omnect/omnect-device-service/pkg/log"
)

type stubFeature struct {
	id          string
	methods     []string
	methodErr   error
	methodPatch json.RawMessage
	desiredKeys []string
	desiredErr  error
	watched     []string
	tickPatch   json.RawMessage
	tickErr     error
}

func (s *stubFeature) ID() string      { return s.id }
func (s *stubFeature) Version() uint64 { return 1 }
func (s *stubFeature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"version":1}`), nil
}
func (s *stubFeature) DesiredKeys() []string { return s.desiredKeys }
func (s *stubFeature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	if s.desiredErr != nil {
		return nil, s.desiredErr
	}
	return json.RawMessage(`{"applied":true}`), nil
}
func (s *stubFeature) Methods() []string { return s.methods }
func (s *stubFeature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return s.methodPatch, s.methodErr
}
func (s *stubFeature) Interval() (bool, time.Duration) { return false, 0 }
func (s *stubFeature) OnTick(ctx context.Context) (json.RawMessage, error) {
	return s.tickPatch, s.tickErr
}
func (s *stubFeature) WatchedPaths() []string { return s.watched }
func (s *stubFeature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return json.RawMessage(`{"changed":true}`), nil
}
func (s *stubFeature) HTTPRoutes() []feature.Route { return nil }

func newDispatcher(t *testing.T, features ...feature.Feature) *Dispatcher {
	t.Setenv("NOTIFY_SOCKET", "")
	registry := feature.NewRegistry(features, nil)
	return New(registry, watchdog.New(), log.NewPrefixLogger("runtime"))
}

func TestHandleMethod_UnclaimedReturns501(t *testing.T) {
	d := newDispatcher(t)
	reply := d.HandleMethod(context.Background(), "reboot", nil)
	require.Equal(t, 501, reply.Status)
}

func TestHandleMethod_SuccessReturns200WithPatch(t *testing.T) {
	f := &stubFeature{id: "reboot", methods: []string{"reboot"}, methodPatch: json.RawMessage(`{"ok":true}`)}
	d := newDispatcher(t, f)

	reply := d.HandleMethod(context.Background(), "reboot", nil)
	require.Equal(t, 200, reply.Status)
	require.JSONEq(t, `{"ok":true}`, string(reply.Payload))
}

func TestHandleMethod_RejectedMapsTo401(t *testing.T) {
	f := &stubFeature{id: "ssh_tunnel", methods: []string{"open_ssh_tunnel"}, methodErr: rterrors.ErrMethodRejected}
	d := newDispatcher(t, f)

	reply := d.HandleMethod(context.Background(), "open_ssh_tunnel", nil)
	require.Equal(t, 401, reply.Status)
}

func TestHandleMethod_SystemFailureMapsTo500(t *testing.T) {
	f := &stubFeature{id: "reboot", methods: []string{"reboot"}, methodErr: rterrors.ErrSystemFailure}
	d := newDispatcher(t, f)

	reply := d.HandleMethod(context.Background(), "reboot", nil)
	require.Equal(t, 500, reply.Status)
}

func TestHandleMethod_WhileDrainingReturns503(t *testing.T) {
	f := &stubFeature{id: "reboot", methods: []string{"reboot"}}
	d := newDispatcher(t, f)
	d.Drain()

	reply := d.HandleMethod(context.Background(), "reboot", nil)
	require.Equal(t, 503, reply.Status)
}

func TestHandleDesired_MergesInterestedFeaturePatch(t *testing.T) {
	interested := &stubFeature{id: "ssh_tunnel", desiredKeys: []string{"ssh_tunnel_ca_pub"}}
	other := &stubFeature{id: "reboot"}
	d := newDispatcher(t, interested, other)

	delta, err := twin.ParseDelta(1, []byte(`{"ssh_tunnel_ca_pub":"ssh-ed25519 AAAA"}`))
	require.NoError(t, err)

	require.NoError(t, d.HandleDesired(context.Background(), delta))
	require.JSONEq(t, `{"applied":true}`, string(d.Snapshot()["ssh_tunnel"]))
	require.Equal(t, json.RawMessage(nil), d.Snapshot()["reboot"])
}

func TestHandleDesired_UnmentionedKeysProduceNoInvocation(t *testing.T) {
	f := &stubFeature{id: "ssh_tunnel", desiredKeys: []string{"ssh_tunnel_ca_pub"}}
	d := newDispatcher(t, f)

	delta, err := twin.ParseDelta(1, []byte(`{"general_consent":["swupdate"]}`))
	require.NoError(t, err)

	require.NoError(t, d.HandleDesired(context.Background(), delta))
	require.Equal(t, json.RawMessage(nil), d.Snapshot()["ssh_tunnel"])
}

func TestHandleDesired_RejectedPatchLeavesSnapshotUntouched(t *testing.T) {
	f := &stubFeature{id: "ssh_tunnel", desiredKeys: []string{"ssh_tunnel_ca_pub"}, desiredErr: rterrors.ErrDesiredRejected}
	d := newDispatcher(t, f)

	delta, err := twin.ParseDelta(1, []byte(`{"ssh_tunnel_ca_pub":42}`))
	require.NoError(t, err)

	require.NoError(t, d.HandleDesired(context.Background(), delta))
	require.Equal(t, json.RawMessage(nil), d.Snapshot()["ssh_tunnel"])
}

type recordingReporter struct {
	mu      sync.Mutex
	patches []map[string]json.RawMessage
}

func (r *recordingReporter) UpdateReportedProperties(ctx context.Context, patch map[string]json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, patch)
	return nil
}

func TestBootstrap_EmitsCombinedReportedUpdate(t *testing.T) {
	f := &stubFeature{id: "reboot"}
	d := newDispatcher(t, f)
	rep := &recordingReporter{}
	d.SetReporter(rep)

	_, err := d.Bootstrap(context.Background(), []string{"reboot", "modem_info"})
	require.NoError(t, err)
	require.Len(t, rep.patches, 1)
	require.JSONEq(t, `{"version":1}`, string(rep.patches[0]["reboot"]))
	require.Equal(t, "null", string(rep.patches[0]["modem_info"]))
}

func TestReporter_ReceivesUpdateAfterTick(t *testing.T) {
	f := &stubFeature{id: "system_info", tickPatch: json.RawMessage(`{"cpu_usage":5}`)}
	d := newDispatcher(t, f)
	rep := &recordingReporter{}
	d.SetReporter(rep)

	require.NoError(t, d.Tick(context.Background(), "system_info"))
	require.Len(t, rep.patches, 1)
	require.JSONEq(t, `{"cpu_usage":5}`, string(rep.patches[0]["system_info"]))
}

func TestReporter_ReceivesUpdateAfterDesiredDelta(t *testing.T) {
	f := &stubFeature{id: "ssh_tunnel", desiredKeys: []string{"ssh_tunnel_ca_pub"}}
	d := newDispatcher(t, f)
	rep := &recordingReporter{}
	d.SetReporter(rep)

	delta, err := twin.ParseDelta(1, []byte(`{"ssh_tunnel_ca_pub":"ssh-ed25519 AAAA"}`))
	require.NoError(t, err)
	require.NoError(t, d.HandleDesired(context.Background(), delta))

	require.Len(t, rep.patches, 1)
	require.JSONEq(t, `{"applied":true}`, string(rep.patches[0]["ssh_tunnel"]))
}

func TestHandleHTTP_MergesPatchIntoSnapshot(t *testing.T) {
	f := &stubFeature{id: "reboot"}
	d := newDispatcher(t, f)

	h := func(ctx context.Context, body json.RawMessage) feature.HTTPResponse {
		return feature.HTTPResponse{
			Status: 200,
			Body:   json.RawMessage(`{"ok":true}`),
			Patch:  json.RawMessage(`{"wait_online_timeout_secs":30}`),
		}
	}
	resp := d.HandleHTTP(context.Background(), "reboot", h, nil)
	require.Equal(t, 200, resp.Status)
	require.JSONEq(t, `{"wait_online_timeout_secs":30}`, string(d.Snapshot()["reboot"]))
}

func TestHandleHTTP_WhileDrainingReturns503WithoutInvokingHandler(t *testing.T) {
	d := newDispatcher(t)
	d.Drain()

	called := false
	h := func(ctx context.Context, body json.RawMessage) feature.HTTPResponse {
		called = true
		return feature.HTTPResponse{Status: 200}
	}
	resp := d.HandleHTTP(context.Background(), "reboot", h, nil)
	require.Equal(t, 503, resp.Status)
	require.False(t, called)
}

func TestTick_MergesPatchIntoSnapshot(t *testing.T) {
	f := &stubFeature{id: "system_info", tickPatch: json.RawMessage(`{"cpu_usage":5}`)}
	d := newDispatcher(t, f)

	err := d.Tick(context.Background(), "system_info")
	require.NoError(t, err)
	require.JSONEq(t, `{"cpu_usage":5}`, string(d.Snapshot()["system_info"]))
}

func TestOnFSChange_FiresMatchingFeatureOnly(t *testing.T) {
	watched := &stubFeature{id: "factory_reset", watched: []string{"/var/lib/consent"}}
	other := &stubFeature{id: "system_info"}
	d := newDispatcher(t, watched, other)

	d.OnFSChange(context.Background(), "/var/lib/consent")

	require.JSONEq(t, `{"changed":true}`, string(d.Snapshot()["factory_reset"]))
	require.Equal(t, json.RawMessage(nil), d.Snapshot()["system_info"])
}
