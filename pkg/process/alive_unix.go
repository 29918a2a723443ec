//go:build !windows

package process

import (
	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

// IsRunning reports whether a process with the given pid exists.
// A process owned by another user counts as running.
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
		return true, nil
	case unix.ESRCH:
		return false, nil
	default:
		return false, errors.NewProcessError("failed to probe process", err).WithContext("pid", pid)
	}
}
