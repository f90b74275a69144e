package reboot

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omnect/omnect-device-service/internal/adapters/reason"
	"github.com/omnect/omnect-device-service/internal/adapters/systemd"
	"github.com/omnect/omnect-device-service/internal/fileio"
	"github.com/omnect/omnect-device-service/pkg/log"
)

func TestOnReboot_RepliesBeforeRebootIsTriggered(t *testing.T) {
	ctrl := gomock.NewController(t)
	sysd := systemd.NewMockClient(ctrl)
	rl := reason.NewMockLogger(ctrl)
	fio := fileio.New(t.TempDir())

	rl.EXPECT().Log(gomock.Any(), rebootReason).Return(nil)

	var rebootCalled sync.WaitGroup
	rebootCalled.Add(1)
	sysd.EXPECT().Reboot(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
		defer rebootCalled.Done()
		return nil
	})

	f := New(sysd, rl, fio, "", log.NewPrefixLogger("reboot"))
	f.rebootAfter = func(ctx context.Context) {
		_ = f.systemd.Reboot(ctx)
	}

	patch, err := f.OnMethod(context.Background(), "reboot", nil)
	require.NoError(t, err)
	require.NotNil(t, patch)

	done := make(chan struct{})
	go func() { rebootCalled.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected reboot to be triggered")
	}
}

func TestSetWaitOnlineTimeout_ZeroMeansUnset(t *testing.T) {
	ctrl := gomock.NewController(t)
	sysd := systemd.NewMockClient(ctrl)
	rl := reason.NewMockLogger(ctrl)
	fio := fileio.New(t.TempDir())

	f := New(sysd, rl, fio, "", log.NewPrefixLogger("reboot"))

	patch, err := f.OnMethod(context.Background(), "set_wait_online_timeout", json.RawMessage(`{"timeout_secs":30}`))
	require.NoError(t, err)
	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.Equal(t, uint32(30), r.WaitOnlineTimeout)

	patch, err = f.OnMethod(context.Background(), "set_wait_online_timeout", nil)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(patch, &r))
	require.Equal(t, uint32(0), r.WaitOnlineTimeout)
}

func TestSetWaitOnlineTimeout_PersistsAsEnvironmentFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	sysd := systemd.NewMockClient(ctrl)
	rl := reason.NewMockLogger(ctrl)
	dir := t.TempDir()
	fio := fileio.New(dir)

	f := New(sysd, rl, fio, "", log.NewPrefixLogger("reboot"))

	_, err := f.OnMethod(context.Background(), "set_wait_online_timeout", json.RawMessage(`{"timeout_secs":30}`))
	require.NoError(t, err)
	data, err := fio.ReadFile(waitOnlineTimeoutFile)
	require.NoError(t, err)
	require.Equal(t, "WAIT_ONLINE_TIMEOUT_SEC=30\n", string(data))

	_, err = f.OnMethod(context.Background(), "set_wait_online_timeout", nil)
	require.NoError(t, err)
	data, err = fio.ReadFile(waitOnlineTimeoutFile)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestInitialReported_ReadsPersistedWaitOnlineTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	sysd := systemd.NewMockClient(ctrl)
	rl := reason.NewMockLogger(ctrl)
	fio := fileio.New(t.TempDir())
	require.NoError(t, fio.WriteFile(waitOnlineTimeoutFile, []byte("WAIT_ONLINE_TIMEOUT_SEC=45\n"), fileio.DefaultFilePermissions))

	f := New(sysd, rl, fio, "", log.NewPrefixLogger("reboot"))
	patch, err := f.InitialReported(context.Background())
	require.NoError(t, err)

	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.Equal(t, uint32(45), r.WaitOnlineTimeout)
}

func TestHandleReboot_RepliesBeforeRebootIsTriggered(t *testing.T) {
	ctrl := gomock.NewController(t)
	sysd := systemd.NewMockClient(ctrl)
	rl := reason.NewMockLogger(ctrl)
	fio := fileio.New(t.TempDir())

	rl.EXPECT().Log(gomock.Any(), rebootReason).Return(nil)
	sysd.EXPECT().Reboot(gomock.Any()).Return(nil).AnyTimes()

	f := New(sysd, rl, fio, "", log.NewPrefixLogger("reboot"))
	f.rebootAfter = func(ctx context.Context) {}

	resp := f.handleReboot(context.Background(), nil)

	require.Equal(t, http.StatusOK, resp.Status)
	require.NotNil(t, resp.Patch)
}
