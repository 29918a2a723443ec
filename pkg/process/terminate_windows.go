//go:build windows

package process

import (
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/core-tools/hsu-terminal/pkg/errors"
)

// SignalGroup terminates the process; Windows has no POSIX signals.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil {
		return errors.NewProcessError("failed to terminate process", err).WithContext("pid", pid)
	}
	return nil
}

// SignalByName accepts only the termination signals Windows can emulate.
func SignalByName(name string) (syscall.Signal, error) {
	switch strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG")) {
	case "KILL":
		return syscall.SIGKILL, nil
	case "TERM", "HUP", "INT":
		return syscall.SIGTERM, nil
	}
	return 0, errors.NewUnsupportedError("signal not supported on windows: "+name, nil)
}

func Terminate(pid int, exited <-chan struct{}, grace time.Duration) error {
	_ = grace
	select {
	case <-exited:
		return nil
	default:
	}
	return SignalGroup(pid, syscall.SIGKILL)
}
