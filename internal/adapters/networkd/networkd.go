// Package networkd reads link/address state from systemd-networkd via
// networkctl's JSON output: run a command, require JSON stdout, classify
// stderr on failure.
package networkd

import (
	"context"
	"encoding/json"
	"fmt"

	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
)

const networkctlCommand = "networkctl"

// Link describes a single network interface as reported by networkctl.
type Link struct {
	Name       string   `json:"Name"`
	Index      int      `json:"Index"`
	Type       string   `json:"Type"`
	OperState  string   `json:"OperationalState"`
	SetupState string   `json:"SetupState"`
	MAC        string   `json:"HardwareAddress,omitempty"`
	Addresses  []string `json:"Addresses,omitempty"`
	DNS        []string `json:"DNS,omitempty"`
	Gateways   []string `json:"Gateways,omitempty"`
}

// Client reads systemd-networkd link state.
type Client interface {
	// Links returns the current state of every interface networkd knows
	// about, used by the network_status feature's initial report, its
	// tick, and its reload route.
	Links(ctx context.Context) ([]Link, error)

	// Reload asks networkd to re-read its configuration, used by the
	// reload-network/v1 local API route.
	Reload(ctx context.Context) error
}

type client struct {
	exec executer.Executer
	log  *log.PrefixLogger
}

// New returns a Client backed by the networkctl CLI.
func New(exec executer.Executer, logger *log.PrefixLogger) Client {
	return &client{exec: exec, log: logger}
}

type networkctlStatus struct {
	Interfaces []Link `json:"Interfaces"`
}

func (c *client) Links(ctx context.Context) ([]Link, error) {
	stdout, stderr, exitCode := c.exec.ExecuteWithContext(ctx, networkctlCommand, "status", "--json=short")
	if exitCode != 0 {
		return nil, fmt.Errorf("networkctl status: %w", rterrors.FromStderr(stderr, exitCode))
	}

	var status networkctlStatus
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		c.log.Warnf("non-JSON output from networkctl status: %q", stdout)
		return nil, fmt.Errorf("%w: unmarshalling networkctl status: %v", rterrors.ErrSystemFailure, err)
	}
	return status.Interfaces, nil
}

func (c *client) Reload(ctx context.Context) error {
	_, stderr, exitCode := c.exec.ExecuteWithContext(ctx, networkctlCommand, "reload")
	if exitCode != 0 {
		return fmt.Errorf("networkctl reload: %w", rterrors.FromStderr(stderr, exitCode))
	}
	return nil
}
