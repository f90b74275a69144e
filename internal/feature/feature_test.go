package feature

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubFeature struct {
	id     string
	report json.RawMessage
}

func (s stubFeature) ID() string      { return s.id }
func (s stubFeature) Version() uint64 { return 1 }
func (s stubFeature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	return s.report, nil
}
func (s stubFeature) DesiredKeys() []string { return nil }
func (s stubFeature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (s stubFeature) Methods() []string { return nil }
func (s stubFeature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (s stubFeature) Interval() (bool, time.Duration)              { return false, 0 }
func (s stubFeature) OnTick(ctx context.Context) (json.RawMessage, error) { return nil, nil }
func (s stubFeature) WatchedPaths() []string                       { return nil }
func (s stubFeature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}
func (s stubFeature) HTTPRoutes() []Route { return nil }

func TestRegistry_SuppressDropsFeature(t *testing.T) {
	candidates := []Feature{
		stubFeature{id: "system_info", report: json.RawMessage(`{"version":1}`)},
		stubFeature{id: "modem_info", report: json.RawMessage(`{"version":1}`)},
	}
	r := NewRegistry(candidates, map[string]bool{"modem_info": true})

	_, ok := r.ByID("modem_info")
	require.False(t, ok)

	_, ok = r.ByID("system_info")
	require.True(t, ok)
	require.Len(t, r.All(), 1)
}

func TestRegistry_InitialSnapshotMarksSuppressedAbsent(t *testing.T) {
	candidates := []Feature{
		stubFeature{id: "system_info", report: json.RawMessage(`{"version":1,"cpu_usage":0}`)},
	}
	r := NewRegistry(candidates, map[string]bool{"modem_info": true})

	snap, err := r.InitialSnapshot(context.Background(), []string{"system_info", "modem_info"})
	require.NoError(t, err)

	require.Equal(t, "null", string(snap.Get("modem_info")))
	require.JSONEq(t, `{"version":1,"cpu_usage":0}`, string(snap.Get("system_info")))
}
