// Package systemd adapts the D-Bus and shell-out surfaces the runtime needs
// from systemd: reading system and unit state and starting units for the
// update-validation state machine via D-Bus, and issuing the reboot itself
// via a shelled-out unit action.
package systemd

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
)

const systemctlCommand = "/usr/bin/systemctl"

// Client is the narrow systemd surface features depend on: enough to
// observe IsSystemRunning/unit health and to trigger a reboot, nothing more.
type Client interface {
	// IsSystemRunning reports the value of systemd's SystemState property
	// ("running", "degraded", "starting", ...), used by the
	// update-validation state machine's Observing phase.
	IsSystemRunning(ctx context.Context) (string, error)

	// UnitActiveState returns a unit's ActiveState ("active", "failed", ...).
	UnitActiveState(ctx context.Context, unit string) (string, error)

	// StartUnit requests that systemd start (or restart) unit, used by the
	// update-validation state machine to bring up the firmware-update
	// agent before checking its active state.
	StartUnit(ctx context.Context, unit string) error

	// Reboot requests an immediate system reboot.
	Reboot(ctx context.Context) error

	// Close releases the D-Bus connection.
	Close()
}

type client struct {
	conn *dbus.Conn
	exec executer.Executer
	log  *log.PrefixLogger
}

// Dial opens a system-bus connection and returns a Client. The caller must
// call Close when done.
func Dial(ctx context.Context, exec executer.Executer, logger *log.PrefixLogger) (Client, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to system D-Bus: %v", rterrors.ErrSystemFailure, err)
	}
	return &client{conn: conn, exec: exec, log: logger}, nil
}

func (c *client) Close() {
	c.conn.Close()
}

func (c *client) IsSystemRunning(ctx context.Context) (string, error) {
	raw, err := c.conn.GetManagerProperty("SystemState")
	if err != nil {
		return "", fmt.Errorf("%w: reading SystemState: %v", rterrors.ErrSystemFailure, err)
	}
	return strings.Trim(raw, `"`), nil
}

func (c *client) UnitActiveState(ctx context.Context, unit string) (string, error) {
	props, err := c.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", fmt.Errorf("%w: reading properties for %s: %v", rterrors.ErrSystemFailure, unit, err)
	}
	state, ok := props["ActiveState"].(string)
	if !ok {
		return "", fmt.Errorf("%w: unit %s has no ActiveState property", rterrors.ErrSystemFailure, unit)
	}
	return state, nil
}

func (c *client) StartUnit(ctx context.Context, unit string) error {
	resultCh := make(chan string, 1)
	if _, err := c.conn.StartUnitContext(ctx, unit, "replace", resultCh); err != nil {
		return fmt.Errorf("%w: starting unit %s: %v", rterrors.ErrSystemFailure, unit, err)
	}
	select {
	case result := <-resultCh:
		if result != "done" {
			return fmt.Errorf("%w: starting unit %s: job result %s", rterrors.ErrSystemFailure, unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) Reboot(ctx context.Context) error {
	_, stderr, exitCode := c.exec.ExecuteWithContext(ctx, systemctlCommand, "reboot")
	if exitCode != 0 {
		return rterrors.FromStderr(stderr, exitCode)
	}
	return nil
}
