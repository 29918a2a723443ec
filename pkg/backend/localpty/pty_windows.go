//go:build windows

package localpty

import (
	"os"
	"os/exec"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

func startPty(cmd *exec.Cmd, cols, rows int) (*os.File, error) {
	return nil, errors.NewUnsupportedError("local pty backend is not supported on windows", nil)
}

func setPtySize(f *os.File, cols, rows int) error {
	return errors.NewUnsupportedError("local pty backend is not supported on windows", nil)
}

func foregroundProcessGroup(f *os.File) (int, error) {
	return 0, errors.NewUnsupportedError("foreground process group is not available on windows", nil)
}

func exitCodeOf(state *os.ProcessState) *int {
	if state == nil {
		return nil
	}
	code := state.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

func defaultShell() string {
	if comspec := os.Getenv("COMSPEC"); comspec != "" {
		return comspec
	}
	return "cmd.exe"
}
