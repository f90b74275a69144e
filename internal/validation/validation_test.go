package validation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omnect/omnect-device-service/internal/adapters/bootloaderenv"
	"github.com/omnect/omnect-device-service/internal/adapters/reason"
	"github.com/omnect/omnect-device-service/internal/adapters/systemd"
	"github.com/omnect/omnect-device-service/internal/fileio"
	"github.com/omnect/omnect-device-service/pkg/log"
)

type stubPartitionReader struct{ partition string }

func (s stubPartitionReader) BootedPartition(ctx context.Context) (string, error) {
	return s.partition, nil
}

func TestRun_NoSentinelIsIdle(t *testing.T) {
	ctrl := gomock.NewController(t)
	fio := fileio.New(t.TempDir())
	sysd := systemd.NewMockClient(ctrl)
	env := bootloaderenv.NewMockEnv(ctrl)
	rl := reason.NewMockLogger(ctrl)

	m := New(fio, sysd, env, rl, stubPartitionReader{}, "sentinel", "barrier", "conf.json", "", time.Minute, 9, log.NewPrefixLogger("update_validation"))
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, Idle, m.State())
}

func TestRun_RestartBudgetExhaustedFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	fio := fileio.New(t.TempDir())
	sysd := systemd.NewMockClient(ctrl)
	env := bootloaderenv.NewMockEnv(ctrl)
	rl := reason.NewMockLogger(ctrl)

	require.NoError(t, fio.WriteFile("sentinel", []byte("1"), fileio.DefaultFilePermissions))
	barrier := Barrier{StartBoottimeSecs: 0, DeadlineBoottimeSecs: 300, RestartCount: 9}
	data, err := json.Marshal(barrier)
	require.NoError(t, err)
	require.NoError(t, fio.WriteFile("barrier", data, fileio.DefaultFilePermissions))

	rl.EXPECT().Log(gomock.Any(), "swupdate-validation-failed").Return(nil)
	sysd.EXPECT().Reboot(gomock.Any()).Return(nil)

	m := New(fio, sysd, env, rl, stubPartitionReader{}, "sentinel", "barrier", "conf.json", "", time.Minute, 9, log.NewPrefixLogger("update_validation"))
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, Failed, m.State())
}

func TestRun_CommitsWhenLocalUpdateAndSystemRunning(t *testing.T) {
	ctrl := gomock.NewController(t)
	fio := fileio.New(t.TempDir())
	sysd := systemd.NewMockClient(ctrl)
	env := bootloaderenv.NewMockEnv(ctrl)
	rl := reason.NewMockLogger(ctrl)

	require.NoError(t, fio.WriteFile("sentinel", []byte("1"), fileio.DefaultFilePermissions))
	require.NoError(t, fio.WriteFile("conf.json", []byte(`{"local_update":true}`), fileio.DefaultFilePermissions))

	sysd.EXPECT().IsSystemRunning(gomock.Any()).Return("running", nil).AnyTimes()
	env.EXPECT().Set(gomock.Any(), bootloaderenv.BootPartitionVar, "a").Return(nil)
	env.EXPECT().Set(gomock.Any(), envValidationFlag, "0").Return(nil)
	rl.EXPECT().Log(gomock.Any(), "swupdate").Return(nil)

	m := New(fio, sysd, env, rl, stubPartitionReader{partition: "a"}, "sentinel", "barrier", "conf.json", "", time.Minute, 9, log.NewPrefixLogger("update_validation"))
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, Committed, m.State())

	exists, err := fio.PathExists("sentinel")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFeature_IdleBootReportsOnceAndNeverTicks(t *testing.T) {
	ctrl := gomock.NewController(t)
	fio := fileio.New(t.TempDir())
	sysd := systemd.NewMockClient(ctrl)
	env := bootloaderenv.NewMockEnv(ctrl)
	rl := reason.NewMockLogger(ctrl)

	m := New(fio, sysd, env, rl, stubPartitionReader{}, "sentinel", "barrier", "conf.json", "", time.Minute, 9, log.NewPrefixLogger("update_validation"))
	f := NewFeature(m)

	require.Equal(t, FeatureID, f.ID())
	enabled, _ := f.Interval()
	require.False(t, enabled)

	patch, err := f.InitialReported(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"version":1,"state":"idle","restart_count":0}`, string(patch))
}

func TestFeature_ArmedBootTicksMachineProgress(t *testing.T) {
	ctrl := gomock.NewController(t)
	fio := fileio.New(t.TempDir())
	sysd := systemd.NewMockClient(ctrl)
	env := bootloaderenv.NewMockEnv(ctrl)
	rl := reason.NewMockLogger(ctrl)

	require.NoError(t, fio.WriteFile("sentinel", []byte("1"), fileio.DefaultFilePermissions))
	barrier := Barrier{StartBoottimeSecs: 0, DeadlineBoottimeSecs: 300, RestartCount: 9}
	data, err := json.Marshal(barrier)
	require.NoError(t, err)
	require.NoError(t, fio.WriteFile("barrier", data, fileio.DefaultFilePermissions))

	rl.EXPECT().Log(gomock.Any(), "swupdate-validation-failed").Return(nil)
	sysd.EXPECT().Reboot(gomock.Any()).Return(nil)

	m := New(fio, sysd, env, rl, stubPartitionReader{}, "sentinel", "barrier", "conf.json", "", time.Minute, 9, log.NewPrefixLogger("update_validation"))
	f := NewFeature(m)

	enabled, interval := f.Interval()
	require.True(t, enabled)
	require.Equal(t, statusInterval, interval)

	require.NoError(t, m.Run(context.Background()))

	patch, err := f.OnTick(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"version":1,"state":"failed","restart_count":9,"last_failure_reason":"restart budget exhausted"}`, string(patch))
}

func TestSetAuthenticated_UnblocksCommitWithoutLocalUpdate(t *testing.T) {
	ctrl := gomock.NewController(t)
	fio := fileio.New(t.TempDir())
	sysd := systemd.NewMockClient(ctrl)
	env := bootloaderenv.NewMockEnv(ctrl)
	rl := reason.NewMockLogger(ctrl)

	require.NoError(t, fio.WriteFile("sentinel", []byte("1"), fileio.DefaultFilePermissions))

	sysd.EXPECT().IsSystemRunning(gomock.Any()).Return("running", nil).AnyTimes()
	env.EXPECT().Set(gomock.Any(), bootloaderenv.BootPartitionVar, "b").Return(nil)
	env.EXPECT().Set(gomock.Any(), envValidationFlag, "0").Return(nil)
	rl.EXPECT().Log(gomock.Any(), "swupdate").Return(nil)

	m := New(fio, sysd, env, rl, stubPartitionReader{partition: "b"}, "sentinel", "barrier", "conf.json", "", time.Minute, 9, log.NewPrefixLogger("update_validation"))
	m.SetAuthenticated(true)
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, Committed, m.State())
}
