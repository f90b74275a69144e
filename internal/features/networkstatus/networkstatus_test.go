package networkstatus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omnect/omnect-device-service/internal/adapters/networkd"
	"github.com/omnect/omnect-device-service/pkg/log"
)

func TestOnTick_ReportsOnlineFromOperState(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := networkd.NewMockClient(ctrl)
	client.EXPECT().Links(gomock.Any()).Return([]networkd.Link{
		{Name: "eth0", OperState: "routable", MAC: "aa:bb", Addresses: []string{"10.0.0.5/24"}},
		{Name: "wlan0", OperState: "off"},
	}, nil)

	f := New(client, 60, 0, log.NewPrefixLogger("network_status"))
	patch, err := f.OnTick(context.Background())
	require.NoError(t, err)

	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.Len(t, r.Interfaces, 2)
	require.True(t, r.Interfaces[0].Online)
	require.False(t, r.Interfaces[1].Online)
	require.Equal(t, "10.0.0.5", r.Interfaces[0].IPv4.Addrs[0].Addr)
	require.Equal(t, 24, r.Interfaces[0].IPv4.Addrs[0].PrefixLen)
}

func TestHandleReload_DelaysThenResamples(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := networkd.NewMockClient(ctrl)
	client.EXPECT().Reload(gomock.Any()).Return(nil)
	client.EXPECT().Links(gomock.Any()).Return([]networkd.Link{{Name: "eth0", OperState: "routable"}}, nil)

	f := New(client, 60, 10*time.Millisecond, log.NewPrefixLogger("network_status"))

	start := time.Now()
	resp := f.handleReload(context.Background(), nil)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	require.Equal(t, 200, resp.Status)
	require.NotNil(t, resp.Patch)
}
