package factoryreset

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omnect/omnect-device-service/internal/adapters/bootloaderenv"
	"github.com/omnect/omnect-device-service/internal/adapters/reason"
	"github.com/omnect/omnect-device-service/internal/adapters/systemd"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/log"
)

func TestRun_HappyPathWritesEnvAndRepliesBeforeRebootIsTriggered(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := bootloaderenv.NewMockEnv(ctrl)
	sysd := systemd.NewMockClient(ctrl)
	rl := reason.NewMockLogger(ctrl)

	ctx := context.Background()
	env.EXPECT().Get(gomock.Any(), envResult).Return("", nil)
	env.EXPECT().Set(ctx, envMode, "1").Return(nil)
	env.EXPECT().Set(ctx, envPreserve, "network").Return(nil)
	rl.EXPECT().Log(ctx, "factory-reset").Return(nil)

	var rebootCalled sync.WaitGroup
	rebootCalled.Add(1)
	sysd.EXPECT().Reboot(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
		defer rebootCalled.Done()
		return nil
	})

	f := New(env, sysd, rl, log.NewPrefixLogger("factory_reset"))
	f.rebootAfter = func(ctx context.Context) {
		_ = f.systemd.Reboot(ctx)
	}

	_, err := f.InitialReported(ctx)
	require.NoError(t, err)

	patch, err := f.Run(ctx, Request{Mode: 1, Preserve: []string{"network"}})
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

func TestRun_UnknownModeRejectedWithoutTouchingBootloader(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := bootloaderenv.NewMockEnv(ctrl)
	sysd := systemd.NewMockClient(ctrl)
	rl := reason.NewMockLogger(ctrl)

	f := New(env, sysd, rl, log.NewPrefixLogger("factory_reset"))
	_, err := f.Run(context.Background(), Request{Mode: 99})
	require.ErrorIs(t, err, rterrors.ErrMethodRejected)
}

func TestRun_UnknownPreserveEntryRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	env := bootloaderenv.NewMockEnv(ctrl)
	sysd := systemd.NewMockClient(ctrl)
	rl := reason.NewMockLogger(ctrl)

	f := New(env, sysd, rl, log.NewPrefixLogger("factory_reset"))
	_, err := f.Run(context.Background(), Request{Mode: 1, Preserve: []string{"not-a-real-key"}})
	require.ErrorIs(t, err, rterrors.ErrMethodRejected)
}
