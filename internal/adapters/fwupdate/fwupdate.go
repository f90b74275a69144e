// Package fwupdate adapts the external firmware-update agent through a
// narrow load/run interface, shelled out via pkg/executer the same way
// internal/adapters/bootloaderenv wraps fw_printenv/fw_setenv: a single
// command, classified stderr on failure, no parsing of the agent's own
// state beyond its exit code.
package fwupdate

import (
	"context"
	"fmt"

	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
)

// Agent is the firmware-update agent's load/run surface.
type Agent interface {
	// Load stages an update bundle at path for the agent to pick up.
	Load(ctx context.Context, updateFilePath string) error

	// Run starts the staged update. If validateIoTHubConnection is true,
	// the agent is asked to gate the update on a reachable IoT hub
	// connection before proceeding.
	Run(ctx context.Context, validateIoTHubConnection bool) error
}

type agent struct {
	exec    executer.Executer
	command string
	log     *log.PrefixLogger
}

// New returns an Agent that shells out to command (the firmware-update
// agent's CLI entry point).
func New(exec executer.Executer, command string, logger *log.PrefixLogger) Agent {
	return &agent{exec: exec, command: command, log: logger}
}

func (a *agent) Load(ctx context.Context, updateFilePath string) error {
	_, stderr, exitCode := a.exec.ExecuteWithContext(ctx, a.command, "load", updateFilePath)
	if exitCode != 0 {
		return fmt.Errorf("loading update %s: %w", updateFilePath, rterrors.FromStderr(stderr, exitCode))
	}
	return nil
}

func (a *agent) Run(ctx context.Context, validateIoTHubConnection bool) error {
	args := []string{"run"}
	if validateIoTHubConnection {
		args = append(args, "--validate-iothub-connection")
	}
	_, stderr, exitCode := a.exec.ExecuteWithContext(ctx, a.command, args...)
	if exitCode != 0 {
		return fmt.Errorf("running staged update: %w", rterrors.FromStderr(stderr, exitCode))
	}
	return nil
}
