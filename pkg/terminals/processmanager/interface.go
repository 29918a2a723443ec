package processmanager

import (
	"context"
	"time"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/metrics"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// ProcessManager owns the process behind one terminal across relaunches
type ProcessManager interface {
	// CreateProcess creates or attaches the process. Backend and launch failures are
	// errors; a disposal race or an unreachable remote environment is a status.
	CreateProcess(ctx context.Context, config terminal.LaunchConfig, cols, rows int, reset bool) (LaunchStatus, error)

	// Relaunch replaces the process, reconnecting if the pty host was disconnected
	Relaunch(ctx context.Context, config terminal.LaunchConfig, cols, rows int, reset bool) (LaunchStatus, error)

	// Write never blocks; input before the process is ready is queued in order
	Write(data string)

	// ProcessBinary waits for the process to be ready
	ProcessBinary(ctx context.Context, data string) error

	// Resize applies now; broken pipe errors are swallowed
	Resize(cols, rows int) error

	// ResizeWhenReady waits for the process to be ready, then resizes
	ResizeWhenReady(ctx context.Context, cols, rows int) error

	AcknowledgeDataEvent(charCount int)
	DetachFromProcess(ctx context.Context, forcePersist bool) error
	Dispose(immediate bool)

	SendSignal(ctx context.Context, signal string) error
	ClearBuffer(ctx context.Context) error
	SetUnicodeVersion(ctx context.Context, version string) error
	RefreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error)
	UpdateProperty(ctx context.Context, prop terminal.ProcessProperty) error
	GetLatency(ctx context.Context) ([]terminal.LatencyInfo, error)

	// WaitForReady blocks until the current process reported ready
	WaitForReady(ctx context.Context) error

	ProcessState() ProcessState
	ShouldPersist() bool
	HasWrittenData() bool
	HasChildProcesses() bool
	IsDisconnected() bool
	ProcessTraits() *ProcessTraits
	EnvironmentInfo() *EnvironmentInfo
	RemoteAuthority() string
	// PersistentProcessID is the backend id of a process that may be reattached, or 0
	PersistentProcessID() int
	LaunchConfig() terminal.LaunchConfig
	Dimensions() terminal.Dimensions

	OnProcessReady(listener func(terminal.ReadyEvent)) event.Disposable
	OnProcessExit(listener func(code *int)) event.Disposable
	OnProcessData(listener func(data string)) event.Disposable
	OnDidChangeProperty(listener func(terminal.ProcessProperty)) event.Disposable
	OnProcessStateChange(listener func(ProcessState)) event.Disposable
	OnPtyDisconnect(listener func()) event.Disposable
	OnPtyReconnect(listener func()) event.Disposable
	OnEnvironmentInfoChange(listener func(*EnvironmentInfo)) event.Disposable
}

// BackendProvider looks up the backend serving a remote authority
type BackendProvider interface {
	Get(authority string) (backend.ProcessBackend, error)
}

// EnvironmentResolver resolves the cwd and environment of locally created shells
type EnvironmentResolver interface {
	ResolveCwd(config terminal.LaunchConfig) string
	ResolveEnvironment(config terminal.LaunchConfig, base map[string]string, merged *envcollection.Merged) map[string]string
}

// CollectionSource is the shared, read-only view of environment contributions
type CollectionSource interface {
	Merged() *envcollection.Merged
	OnDidChangeCollections(listener func(*envcollection.Merged)) event.Disposable
}

const (
	DefaultLaunchingTimeout = 500 * time.Millisecond
	DefaultLatencyLogDelay  = time.Second
)

// ProcessManagerOptions configures one process manager
type ProcessManagerOptions struct {
	// TerminalID names the terminal in logs
	TerminalID string
	// RemoteAuthority selects the backend; empty means local
	RemoteAuthority string

	// LaunchingTimeout promotes launching to running when no ready event arrives
	LaunchingTimeout time.Duration
	// SwapTimeout bounds how long a seamless relaunch may hold back output
	SwapTimeout time.Duration
	// RecordDuration stops recording a fresh process after this long; 0 records until replaced
	RecordDuration time.Duration
	// AckChunkSize is the flow control acknowledgement unit
	AckChunkSize int
	FlowControl  bool

	EnablePersistentSessions bool
	// TaskReconnection lets feature terminals with reconnection properties persist
	TaskReconnection bool
	UnicodeVersion   string

	// LatencyLogDelay is how long after a start the backend latency is logged; negative disables it
	LatencyLogDelay time.Duration

	Backends    BackendProvider
	Resolver    EnvironmentResolver
	Collections CollectionSource
	Metrics     *metrics.Metrics
	Logger      logging.Logger
}
