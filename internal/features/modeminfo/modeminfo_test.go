package modeminfo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
)

func TestOnTick_NoModemReportsAbsent(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executer.NewMockExecuter(ctrl)
	exec.EXPECT().ExecuteWithContext(gomock.Any(), mmcliCommand, "-m", "0", "-J").Return("", "no modems found", 1)

	f := New(exec, 600, log.NewPrefixLogger("modem_info"))
	patch, err := f.OnTick(context.Background())
	require.NoError(t, err)

	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.False(t, r.Present)
}

func TestOnTick_ModemPresentParsesSignalQuality(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executer.NewMockExecuter(ctrl)
	exec.EXPECT().ExecuteWithContext(gomock.Any(), mmcliCommand, "-m", "0", "-J").
		Return(`{"modem":{"generic":{"model":"EC25","state":"registered","signal-quality":{"value":"80"}}}}`, "", 0)

	f := New(exec, 600, log.NewPrefixLogger("modem_info"))
	patch, err := f.OnTick(context.Background())
	require.NoError(t, err)

	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.True(t, r.Present)
	require.Equal(t, "EC25", r.Model)
	require.Equal(t, 80, r.SignalQuality)
}
