// Package watchdog implements the sd_notify watchdog ping the runtime
// sends systemd over the NOTIFY_SOCKET datagram socket, at the two
// cadences the update-validation state machine requires.
package watchdog

import (
	"fmt"
	"net"
	"os"
	"time"
)

// Normal is the liveness ping period outside update-validation.
const Normal = 10 * time.Second

// Fast is the ping period while the update-validation state machine runs,
// so a stuck agent is caught well inside the
// candidate's validation deadline.
const Fast = 5 * time.Second

// Notifier sends systemd watchdog/readiness datagrams over NOTIFY_SOCKET.
// It is a no-op when NOTIFY_SOCKET is unset, which is the normal case
// outside a systemd unit (local dev, unit tests).
type Notifier struct {
	socket string
}

// New captures NOTIFY_SOCKET once at startup, before anything in the
// process might unset it.
func New() *Notifier {
	return &Notifier{socket: os.Getenv("NOTIFY_SOCKET")}
}

// Ready sends READY=1, telling systemd the unit finished starting.
func (n *Notifier) Ready() error {
	return n.send("READY=1")
}

// Watchdog sends WATCHDOG=1, resetting the unit's watchdog timer.
func (n *Notifier) Watchdog() error {
	return n.send("WATCHDOG=1")
}

// Stopping sends STOPPING=1 as the runtime begins its shutdown drain.
func (n *Notifier) Stopping() error {
	return n.send("STOPPING=1")
}

func (n *Notifier) send(state string) error {
	if n.socket == "" {
		return nil
	}
	addr := &net.UnixAddr{Name: n.socket, Net: "unixgram"}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return fmt.Errorf("connecting to systemd notify socket %q: %w", n.socket, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("writing %q to systemd notify socket: %w", state, err)
	}
	return nil
}

// Enabled reports whether NOTIFY_SOCKET was set, i.e. whether Ready/
// Watchdog/Stopping actually talk to systemd.
func (n *Notifier) Enabled() bool {
	return n.socket != ""
}
