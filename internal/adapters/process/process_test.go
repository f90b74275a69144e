package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnect/omnect-device-service/pkg/log"
)

func TestLauncher_StartAndWait(t *testing.T) {
	l := New(log.NewPrefixLogger("process"))

	h, err := l.Start("/bin/sleep", "0.05")
	require.NoError(t, err)
	require.Greater(t, h.PID(), 0)

	require.NoError(t, h.Wait())
}

func TestLauncher_Kill(t *testing.T) {
	l := New(log.NewPrefixLogger("process"))

	h, err := l.Start("/bin/sleep", "5")
	require.NoError(t, err)

	require.NoError(t, h.Kill())

	done := make(chan struct{})
	go func() {
		_ = h.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected killed process to be reaped promptly")
	}
}
