package backend

import (
	"context"

	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// LocalAuthority is the registry key of the in-process backend.
const LocalAuthority = ""

// CreateRequest carries everything a backend needs to create a pty process.
type CreateRequest struct {
	Config         terminal.LaunchConfig `json:"config"`
	Cwd            string                `json:"cwd"`
	Cols           int                   `json:"cols"`
	Rows           int                   `json:"rows"`
	UnicodeVersion string                `json:"unicodeVersion,omitempty"`
	Env            map[string]string     `json:"env,omitempty"`
	Options        CreateOptions         `json:"options"`
	ShouldPersist  bool                  `json:"shouldPersist"`
}

// CreateOptions tune a created process.
type CreateOptions struct {
	// EnvironmentCollection is applied by a remote host that resolves the environment itself
	EnvironmentCollection *envcollection.Snapshot `json:"environmentCollection,omitempty"`
	// FlowControl pauses the producer until consumed output is acknowledged
	FlowControl bool `json:"flowControl,omitempty"`
}

// ProcessBackend creates and attaches pty processes on one host, local or remote.
type ProcessBackend interface {
	RemoteAuthority() string

	// CreateProcess returns a handle that has not been started yet.
	CreateProcess(ctx context.Context, req CreateRequest) (ProcessHandle, error)
	// AttachToProcess returns nil without error when id is not a live process.
	AttachToProcess(ctx context.Context, id int) (ProcessHandle, error)

	GetShellEnvironment(ctx context.Context) (map[string]string, error)
	GetLatency(ctx context.Context) ([]terminal.LatencyInfo, error)

	OnPtyHostUnresponsive(listener func()) event.Disposable
	// OnPtyHostResponsive fires only after the host was reported unresponsive
	OnPtyHostResponsive(listener func()) event.Disposable
	OnPtyHostRestart(listener func()) event.Disposable
}

// ProcessHandle is one pty process as seen by its single owner.
// Listeners must be registered before Start so the ready event is not missed.
type ProcessHandle interface {
	ID() int
	ShouldPersist() bool

	OnProcessReady(listener func(terminal.ReadyEvent)) event.Disposable
	// OnProcessExit reports a nil code when the exit status is unknown
	OnProcessExit(listener func(code *int)) event.Disposable
	OnProcessData(listener func(data string)) event.Disposable
	OnDidChangeProperty(listener func(terminal.ProcessProperty)) event.Disposable

	// Start launches the process. A *terminal.LaunchError means the shell itself failed.
	Start(ctx context.Context) error
	Input(data string) error
	ProcessBinary(data string) error
	Resize(cols, rows int) error
	Shutdown(immediate bool) error
	Detach(forcePersist bool) error
	SendSignal(signal string) error
	ClearBuffer() error
	SetUnicodeVersion(version string) error
	AcknowledgeDataEvent(charCount int) error
	RefreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error)
	UpdateProperty(ctx context.Context, prop terminal.ProcessProperty) error
}
