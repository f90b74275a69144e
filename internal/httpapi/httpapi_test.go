package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnect/omnect-device-service/internal/feature"
	"github.com/omnect/omnect-device-service/internal/publish"
	"github.com/omnect/omnect-device-service/pkg/log"
)

type stubFeature struct{}

func (stubFeature) ID() string      { return "stub" }
func (stubFeature) Version() uint64 { return 1 }
func (stubFeature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (stubFeature) DesiredKeys() []string { return nil }
func (stubFeature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (stubFeature) Methods() []string { return nil }
func (stubFeature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (stubFeature) Interval() (bool, time.Duration)                        { return false, 0 }
func (stubFeature) OnTick(ctx context.Context) (json.RawMessage, error)    { return nil, nil }
func (stubFeature) WatchedPaths() []string                                 { return nil }
func (stubFeature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}
func (stubFeature) HTTPRoutes() []feature.Route {
	return []feature.Route{
		{Method: http.MethodPost, Pattern: "/factory-reset/v1", Handler: func(ctx context.Context, body json.RawMessage) feature.HTTPResponse {
			return feature.HTTPResponse{Status: http.StatusOK}
		}},
	}
}

// passthroughInvoker stands in for runtime.Dispatcher: it invokes the
// handler directly, without the serialization the real dispatcher adds.
type passthroughInvoker struct{}

func (passthroughInvoker) HandleHTTP(ctx context.Context, featureID string, h feature.HTTPHandlerFunc, body json.RawMessage) feature.HTTPResponse {
	return h(ctx, body)
}

func newTestServer(t *testing.T) (*Server, *publish.Registry) {
	t.Helper()
	registry := feature.NewRegistry([]feature.Feature{stubFeature{}}, nil)
	pub := publish.New(nil, log.NewPrefixLogger("publish"))
	pub.Publish(context.Background(), publish.ChannelSystemInfo, json.RawMessage(`{"version":1}`))
	return New(registry, pub, passthroughInvoker{}, log.NewPrefixLogger("httpapi")), pub
}

func TestFeatureRouteIsMounted(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/factory-reset/v1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/not-a-route/v1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthcheckReturns200(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/healthcheck/v1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReturnsPublishCacheUnion(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status/v1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"SystemInfo":{"version":1}}`, rec.Body.String())
}

func TestRegisterThenUnregisterEndpoint(t *testing.T) {
	s, pub := newTestServer(t)

	registerReq := httptest.NewRequest(http.MethodPost, "/publish-endpoint/v1", strings.NewReader(`{"client_id":"ui","url":"http://sink"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, registerReq)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, pub.Republish(context.Background(), "ui"))

	unregisterReq := httptest.NewRequest(http.MethodDelete, "/publish-endpoint/v1/ui", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, unregisterReq)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Error(t, pub.Republish(context.Background(), "ui"))
}

func TestRegisterEndpoint_MalformedBodyReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/publish-endpoint/v1", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRepublish_UnknownClientReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/republish/v1/missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
