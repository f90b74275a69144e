// Package process launches detached helper binaries the runtime does not
// want to own the lifetime of beyond starting them: the per-connection SSH
// tunnel runner. The child gets its own process group
// so it survives the parent's exit.
package process

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/omnect/omnect-device-service/pkg/log"
)

// Handle is a running detached process.
type Handle struct {
	cmd *exec.Cmd
	log *log.PrefixLogger
}

// Launcher starts detached child processes.
type Launcher struct {
	log *log.PrefixLogger
}

// New returns a Launcher.
func New(logger *log.PrefixLogger) *Launcher {
	return &Launcher{log: logger}
}

// Start launches name with args in its own session, so it is not killed by
// signals delivered to this process's process group, and returns
// immediately without waiting for it to exit.
func (l *Launcher) Start(name string, args ...string) (*Handle, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	l.log.Infof("started detached process %s (pid %d)", name, cmd.Process.Pid)
	return &Handle{cmd: cmd, log: l.log}, nil
}

// PID returns the detached process's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Kill terminates the detached process, e.g. when an SSH tunnel's
// self-imposed lifetime timer expires.
func (h *Handle) Kill() error {
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing pid %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

// Wait blocks until the detached process exits, releasing its resources.
// Callers that don't care about the exit status should still call this in
// a goroutine to avoid leaking a zombie.
func (h *Handle) Wait() error {
	return h.cmd.Wait()
}
