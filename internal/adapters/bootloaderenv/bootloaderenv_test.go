package bootloaderenv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
)

func TestEnv_Get(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executer.NewMockExecuter(ctrl)
	exec.EXPECT().
		ExecuteWithContext(gomock.Any(), printEnvCommand, "-n", "omnect_dev_partition").
		Return("b\n", "", 0)

	e := New(exec, log.NewPrefixLogger("bootloaderenv"))
	v, err := e.Get(context.Background(), "omnect_dev_partition")
	require.NoError(t, err)
	require.Equal(t, "b", v)
}

func TestEnv_SetFailurePropagatesClassifiedError(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executer.NewMockExecuter(ctrl)
	exec.EXPECT().
		ExecuteWithContext(gomock.Any(), setEnvCommand, "omnect_validate_update", "0").
		Return("", "fw_setenv: permission denied", 1)

	e := New(exec, log.NewPrefixLogger("bootloaderenv"))
	err := e.Set(context.Background(), "omnect_validate_update", "0")
	require.Error(t, err)
}
