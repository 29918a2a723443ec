//go:build windows

package process

import (
	"golang.org/x/sys/windows"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

const stillActive = 259

// IsRunning reports whether a process with the given pid exists.
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if err == windows.ERROR_INVALID_PARAMETER {
			return false, nil
		}
		return false, errors.NewProcessError("failed to open process", err).WithContext("pid", pid)
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false, errors.NewProcessError("failed to read process exit code", err).WithContext("pid", pid)
	}
	return exitCode == stillActive, nil
}
