package errors

import (
	"errors"
	"io"
	"os"
)

// IsBrokenPipe reports whether err means the other end of a pty or channel is gone.
// Writes and resizes racing a process exit fail this way and are safe to ignore.
func IsBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Type == ErrorTypeBrokenPipe {
		return true
	}
	if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return isPlatformBrokenPipe(err)
}
