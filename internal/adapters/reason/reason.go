// Package reason logs a reboot's cause to the on-device reboot-reason
// helper script (`omnect_reboot_reason.sh`): a single shelled-out command,
// stdout/stderr discarded beyond error classification.
package reason

import (
	"context"
	"fmt"

	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/executer"
)

const rebootReasonScript = "/usr/sbin/omnect_reboot_reason.sh"

// Logger records the reason the device is about to reboot, or did reboot,
// into the on-device reboot-reason log the support tooling reads.
type Logger interface {
	Log(ctx context.Context, reason string) error
}

type logger struct {
	exec executer.Executer
}

// New returns a Logger backed by the reboot-reason helper script.
func New(exec executer.Executer) Logger {
	return &logger{exec: exec}
}

func (l *logger) Log(ctx context.Context, reason string) error {
	_, stderr, exitCode := l.exec.ExecuteWithContext(ctx, rebootReasonScript, "log", reason)
	if exitCode != 0 {
		return fmt.Errorf("logging reboot reason %q: %w", reason, rterrors.FromStderr(stderr, exitCode))
	}
	return nil
}
