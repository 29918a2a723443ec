package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

// ValidateShellCommand validates shell command configuration
func ValidateShellCommand(shell ShellCommand) error {
	if strings.TrimSpace(shell.Executable) == "" {
		return errors.NewValidationError("executable is required", nil)
	}

	if shell.Cwd != "" {
		if !filepath.IsAbs(shell.Cwd) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(shell.Cwd); err != nil {
			return errors.NewValidationError("working directory not accessible: "+shell.Cwd, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+shell.Cwd, nil)
		}
	}

	for k := range shell.Env {
		if k == "" || strings.Contains(k, "=") {
			return errors.NewValidationError("invalid environment variable name: "+k, nil)
		}
	}

	return nil
}

// ValidatePID validates PID value
func ValidatePID(pidStr string) (int, error) {
	pidStr = strings.TrimSpace(pidStr)
	if pidStr == "" {
		return 0, errors.NewValidationError("PID cannot be empty", nil)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID format: "+pidStr, err)
	}

	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive: "+pidStr, nil)
	}

	return pid, nil
}

// ValidateDimensions validates terminal dimensions
func ValidateDimensions(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.NewValidationError("terminal dimensions must be positive", nil).
			WithContext("cols", cols).WithContext("rows", rows)
	}
	if cols > 0xFFFF || rows > 0xFFFF {
		return errors.NewValidationError("terminal dimensions exceed the pty limit", nil).
			WithContext("cols", cols).WithContext("rows", rows)
	}
	return nil
}
