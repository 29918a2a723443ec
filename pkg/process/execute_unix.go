//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes starts the shell in a new session so its pid is the
// process group id SignalGroup targets. The pty starter adds the controlling
// terminal on top of these attributes.
func setupProcessAttributes(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}
