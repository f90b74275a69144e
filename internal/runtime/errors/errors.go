// Package errors defines the typed error taxonomy the runtime and the local
// HTTP API use to translate a feature or adapter failure into a status
// code: sentinel errors, a stderr-keyword classifier for shelled-out
// commands, and a single ToStatus mapping the local HTTP API routes use
// instead of ad hoc status checks.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors a feature or adapter wraps to select the HTTP status code
// and the direct-method error class the runtime reports upstream.
var (
	// ErrConfig marks a configuration problem: missing/invalid file, bad
	// environment variable, inconsistent startup state.
	ErrConfig = errors.New("configuration error")

	// ErrDesiredRejected marks a desired-properties patch the feature
	// refused to apply (malformed payload, value out of range, unknown
	// consent type).
	ErrDesiredRejected = errors.New("desired property rejected")

	// ErrMethodRejected marks a direct-method call the feature refused to
	// run (unknown method, invalid payload, precondition not met).
	ErrMethodRejected = errors.New("method rejected")

	// ErrSystemFailure marks a failure talking to the underlying OS: D-Bus,
	// systemd, the bootloader environment, a shelled-out tool.
	ErrSystemFailure = errors.New("system failure")

	// ErrTransient marks a failure the caller should retry: a busy D-Bus
	// call, a momentarily unreachable publish sink.
	ErrTransient = errors.New("transient failure")

	// ErrNotFound marks a missing resource: an unknown client_id, an
	// unregistered publish endpoint.
	ErrNotFound = errors.New("not found")
)

// stderrKeywords classifies a shelled-out command's stderr into one of the
// sentinels above.
var stderrKeywords = map[string]error{
	"permission denied":       ErrSystemFailure,
	"no such file":            ErrSystemFailure,
	"not found":               ErrNotFound,
	"device or resource busy": ErrTransient,
	"connection refused":      ErrTransient,
	"i/o timeout":             ErrTransient,
	"context canceled":        context.Canceled,
}

// stderrError pairs a classified sentinel with the raw command output so
// callers can still log full context while switching on the sentinel.
type stderrError struct {
	wrapped  error
	reason   string
	exitCode int
	stderr   string
}

func (e *stderrError) Error() string {
	return fmt.Sprintf("%s (exit %d): %s", e.wrapped.Error(), e.exitCode, strings.TrimSpace(e.stderr))
}

func (e *stderrError) Unwrap() error { return e.wrapped }

// FromStderr classifies a failed shell-out's stderr and exit code into one
// of the sentinel errors, falling back to ErrSystemFailure when no keyword
// matches.
func FromStderr(stderr string, exitCode int) error {
	for keyword, sentinel := range stderrKeywords {
		if strings.Contains(stderr, keyword) {
			return &stderrError{wrapped: sentinel, reason: keyword, exitCode: exitCode, stderr: stderr}
		}
	}
	return &stderrError{wrapped: ErrSystemFailure, exitCode: exitCode, stderr: stderr}
}

// ToStatus maps an error produced anywhere in the feature/adapter stack to
// the HTTP status the local API uses; direct-method replies use the
// runtime's own status table instead. A nil
// error always maps to http.StatusOK; unrecognized errors default to 500.
func ToStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConfig):
		return http.StatusInternalServerError
	case errors.Is(err, ErrDesiredRejected), errors.Is(err, ErrMethodRejected):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrSystemFailure):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
