//go:build !windows

package process

import (
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

// SignalGroup sends sig to the whole process group led by pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errors.NewProcessError("failed to signal process group", err).WithContext("pid", pid).WithContext("signal", sig.String())
	}
	return nil
}

// SignalByName maps names such as "SIGINT" or "INT" to a signal.
func SignalByName(name string) (syscall.Signal, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "" {
		return 0, errors.NewValidationError("signal name cannot be empty", nil)
	}
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, errors.NewValidationError("unknown signal: "+name, nil)
	}
	return sig, nil
}

// Terminate hangs up the process group and escalates to SIGKILL if exited is
// not closed within grace. A zero grace kills immediately.
func Terminate(pid int, exited <-chan struct{}, grace time.Duration) error {
	if grace <= 0 {
		return SignalGroup(pid, unix.SIGKILL)
	}

	if err := SignalGroup(pid, unix.SIGHUP); err != nil {
		return err
	}

	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-exited:
		return nil
	case <-t.C:
		return SignalGroup(pid, unix.SIGKILL)
	}
}
