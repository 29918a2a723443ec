package errors

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_Creation(t *testing.T) {
	cause := errors.New("underlying error")

	err := NewValidationError("test validation error", cause)

	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, "test validation error", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.NotNil(t, err.Context)
}

func TestDomainError_WithContext(t *testing.T) {
	err := NewProcessError("test error", nil)

	err = err.WithContext("terminal_id", "term-1")
	err = err.WithContext("pid", 12345)

	assert.Equal(t, "term-1", err.Context["terminal_id"])
	assert.Equal(t, 12345, err.Context["pid"])
}

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		error    *DomainError
		expected string
	}{
		{
			name:     "error without cause",
			error:    NewValidationError("test message", nil),
			expected: "validation: test message",
		},
		{
			name:     "error with cause",
			error:    NewBackendUnavailableError("no backend", errors.New("cause")),
			expected: "backend_unavailable: no backend: cause",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.error.Error())
		})
	}
}

func TestDomainError_TypeChecking(t *testing.T) {
	validationErr := NewValidationError("validation error", nil)
	disposedErr := NewDisposedError("disposed", nil)

	assert.True(t, IsValidationError(validationErr))
	assert.False(t, IsValidationError(disposedErr))

	assert.True(t, IsDisposedError(disposedErr))
	assert.False(t, IsDisposedError(validationErr))

	// Wrapping keeps the type visible
	wrapped := fmt.Errorf("creating terminal: %w", disposedErr)
	assert.True(t, IsDisposedError(wrapped))
	assert.Equal(t, ErrorTypeDisposed, TypeOf(wrapped))

	assert.False(t, IsValidationError(errors.New("plain")))
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewProcessError("test error", cause)

	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorCollection(t *testing.T) {
	collection := NewErrorCollection()

	assert.False(t, collection.HasErrors())
	assert.Nil(t, collection.ToError())

	collection.Add(NewValidationError("error 1", nil))
	collection.Add(NewProcessError("error 2", nil))
	collection.Add(nil) // Should be ignored

	assert.True(t, collection.HasErrors())
	assert.Equal(t, 2, len(collection.Errors))

	err := collection.ToError()
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestErrorCollection_SingleError(t *testing.T) {
	collection := NewErrorCollection()
	collection.Add(NewValidationError("single error", nil))

	err := collection.ToError()
	require.NotNil(t, err)
	assert.Equal(t, "validation: single error", err.Error())
}

func TestAllErrorTypes(t *testing.T) {
	errorTypes := []struct {
		name        string
		constructor func(string, error) *DomainError
		checker     func(error) bool
		errorType   ErrorType
	}{
		{"validation", NewValidationError, IsValidationError, ErrorTypeValidation},
		{"not_found", NewNotFoundError, IsNotFoundError, ErrorTypeNotFound},
		{"conflict", NewConflictError, IsConflictError, ErrorTypeConflict},
		{"process", NewProcessError, IsProcessError, ErrorTypeProcess},
		{"timeout", NewTimeoutError, IsTimeoutError, ErrorTypeTimeout},
		{"permission", NewPermissionError, IsPermissionError, ErrorTypePermission},
		{"io", NewIOError, IsIOError, ErrorTypeIO},
		{"network", NewNetworkError, IsNetworkError, ErrorTypeNetwork},
		{"internal", NewInternalError, IsInternalError, ErrorTypeInternal},
		{"cancelled", NewCancelledError, IsCancelledError, ErrorTypeCancelled},
		{"backend_unavailable", NewBackendUnavailableError, IsBackendUnavailableError, ErrorTypeBackendUnavailable},
		{"environment_unreachable", NewEnvironmentUnreachableError, IsEnvironmentUnreachableError, ErrorTypeEnvironmentUnreachable},
		{"disposed", NewDisposedError, IsDisposedError, ErrorTypeDisposed},
		{"not_ready", NewNotReadyError, IsNotReadyError, ErrorTypeNotReady},
		{"unsupported", NewUnsupportedError, IsUnsupportedError, ErrorTypeUnsupported},
	}

	for _, tt := range errorTypes {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("test message", nil)
			assert.Equal(t, tt.errorType, err.Type)
			assert.True(t, tt.checker(err))
		})
	}
}

func TestIsBrokenPipe(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"closed_file", os.ErrClosed, true},
		{"closed_pipe", fmt.Errorf("write: %w", io.ErrClosedPipe), true},
		{"domain_broken_pipe", NewBrokenPipeError("pty gone", nil), true},
		{"other", errors.New("boom"), false},
		{"validation", NewValidationError("bad", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsBrokenPipe(tt.err))
		})
	}
}
