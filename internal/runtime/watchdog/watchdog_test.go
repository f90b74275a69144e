package watchdog

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifier_NoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := New()
	require.False(t, n.Enabled())
	require.NoError(t, n.Ready())
	require.NoError(t, n.Watchdog())
}

func TestNotifier_SendsDatagram(t *testing.T) {
	dir := t.TempDir()
	sockPath := dir + "/notify.sock"

	addr := &net.UnixAddr{Name: sockPath, Net: "unixgram"}
	listener, err := net.ListenUnixgram("unixgram", addr)
	require.NoError(t, err)
	defer listener.Close()

	t.Setenv("NOTIFY_SOCKET", sockPath)
	n := New()
	require.True(t, n.Enabled())

	require.NoError(t, n.Watchdog())

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	nRead, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "WATCHDOG=1", string(buf[:nRead]))
}

