// Package bootloaderenv adapts the A/B bootloader's environment store
// through a narrow Get/Set interface, shelled out via pkg/executer: a
// single command, key=value stdout, classified stderr on failure.
package bootloaderenv

import (
	"context"
	"fmt"
	"strings"

	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
)

const (
	printEnvCommand = "fw_printenv"
	setEnvCommand   = "fw_setenv"
)

// Env is the bootloader environment's Get/Set surface, used by the
// update_validation state machine to read the active/candidate partition
// markers and to commit or roll back a validated update.
type Env interface {
	// Get returns the value of a single bootloader environment variable.
	Get(ctx context.Context, key string) (string, error)

	// Set writes a single bootloader environment variable.
	Set(ctx context.Context, key, value string) error
}

type env struct {
	exec executer.Executer
	log  *log.PrefixLogger
}

// New returns an Env backed by the fw_printenv/fw_setenv toolchain.
func New(exec executer.Executer, logger *log.PrefixLogger) Env {
	return &env{exec: exec, log: logger}
}

func (e *env) Get(ctx context.Context, key string) (string, error) {
	stdout, stderr, exitCode := e.exec.ExecuteWithContext(ctx, printEnvCommand, "-n", key)
	if exitCode != 0 {
		return "", fmt.Errorf("reading bootloader env %s: %w", key, rterrors.FromStderr(stderr, exitCode))
	}
	return strings.TrimSpace(stdout), nil
}

func (e *env) Set(ctx context.Context, key, value string) error {
	_, stderr, exitCode := e.exec.ExecuteWithContext(ctx, setEnvCommand, key, value)
	if exitCode != 0 {
		return fmt.Errorf("writing bootloader env %s: %w", key, rterrors.FromStderr(stderr, exitCode))
	}
	e.log.Debugf("set bootloader env %s=%s", key, value)
	return nil
}

// BootPartitionVar is the bootloader environment key recording which root
// partition is the permanent boot partition. The initramfs reads it to
// know which partition to boot; update_validation's commit step writes it
// to make a validated candidate partition permanent.
const BootPartitionVar = "omnect_os_bootpart"

// PartitionReader reports the currently booted root-partition label by
// reading BootPartitionVar, shared by update_validation and system_info
// (SPEC_FULL.md's "Supplemented features" section) so both consult the
// same source of truth rather than duplicating the fw_printenv call.
type PartitionReader struct {
	env Env
}

// NewPartitionReader wraps an already-constructed Env.
func NewPartitionReader(env Env) *PartitionReader {
	return &PartitionReader{env: env}
}

// BootedPartition satisfies internal/validation.PartitionReader.
func (p *PartitionReader) BootedPartition(ctx context.Context) (string, error) {
	return p.env.Get(ctx, BootPartitionVar)
}
