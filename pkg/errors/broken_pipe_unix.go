//go:build !windows

package errors

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isPlatformBrokenPipe(err error) bool {
	// EIO is what reading or resizing a pty master returns once the slave side is closed
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.EIO) || errors.Is(err, unix.EBADF)
}
