package localpty

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/metrics"
	"github.com/core-tools/hsu-terminal/pkg/process"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

const (
	DefaultShutdownGrace         = 3 * time.Second
	DefaultReplayBufferBytes     = 1 << 20
	DefaultChildProcessPollDelay = 500 * time.Millisecond
	DefaultExitFlushTimeout      = 250 * time.Millisecond
)

// Options configure the in-process pty backend.
type Options struct {
	// ShutdownGrace is how long a hung-up shell may take before it is killed
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`
	// ReplayBufferBytes bounds the output replayed to a newly attached handle
	ReplayBufferBytes int `yaml:"replay_buffer_bytes,omitempty"`
	// ChildProcessPollDelay debounces the child-process check that follows input
	ChildProcessPollDelay time.Duration `yaml:"child_process_poll_delay,omitempty"`
	// ExitFlushTimeout bounds how long output is drained after the shell exits
	ExitFlushTimeout time.Duration `yaml:"exit_flush_timeout,omitempty"`
	// ProbeShellEnvironment runs the login shell to collect its environment
	ProbeShellEnvironment bool `yaml:"probe_shell_environment,omitempty"`

	Metrics *metrics.Metrics `yaml:"-"`
}

func (o *Options) setDefaults() {
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.ReplayBufferBytes <= 0 {
		o.ReplayBufferBytes = DefaultReplayBufferBytes
	}
	if o.ChildProcessPollDelay < 0 {
		o.ChildProcessPollDelay = 0
	} else if o.ChildProcessPollDelay == 0 {
		o.ChildProcessPollDelay = DefaultChildProcessPollDelay
	}
	if o.ExitFlushTimeout <= 0 {
		o.ExitFlushTimeout = DefaultExitFlushTimeout
	}
}

// Backend runs shells behind pseudo terminals in the current process.
type Backend struct {
	options    Options
	logger     logging.Logger
	instanceID string

	nextID    atomic.Int64
	processes cmap.ConcurrentMap[int, *ptyProcess]
	disposed  atomic.Bool

	unresponsive *event.Emitter[struct{}]
	responsive   *event.Emitter[struct{}]
	restart      *event.Emitter[struct{}]
}

var _ backend.ProcessBackend = (*Backend)(nil)

func NewBackend(options Options, logger logging.Logger) *Backend {
	options.setDefaults()
	return &Backend{
		options:    options,
		logger:     logger,
		instanceID: uuid.NewString(),
		processes: cmap.NewWithCustomShardingFunction[int, *ptyProcess](func(key int) uint32 {
			return uint32(key)
		}),
		unresponsive: event.NewEmitter[struct{}](),
		responsive:   event.NewEmitter[struct{}](),
		restart:      event.NewEmitter[struct{}](),
	}
}

// InstanceID identifies this backend for its lifetime. A pty host that
// restarts reports a new one.
func (b *Backend) InstanceID() string {
	return b.instanceID
}

func (b *Backend) RemoteAuthority() string {
	return backend.LocalAuthority
}

func (b *Backend) CreateProcess(ctx context.Context, req backend.CreateRequest) (backend.ProcessHandle, error) {
	if b.disposed.Load() {
		return nil, errors.NewDisposedError("pty backend is disposed", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("create process cancelled", err)
	}
	if err := process.ValidateDimensions(req.Cols, req.Rows); err != nil {
		return nil, err
	}

	id := int(b.nextID.Add(1))
	p := newPtyProcess(b, id, req)

	b.logger.Debugf("Pty process created, id: %d, executable: %s, cwd: %s, persist: %t",
		id, p.executable, req.Cwd, req.ShouldPersist)

	return p.newHandle(false), nil
}

func (b *Backend) AttachToProcess(ctx context.Context, id int) (backend.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("attach cancelled", err)
	}

	p, ok := b.processes.Get(id)
	if !ok || !p.isRunning() {
		b.logger.Debugf("No live pty process to attach, id: %d", id)
		return nil, nil
	}
	return p.newHandle(true), nil
}

func (b *Backend) GetShellEnvironment(ctx context.Context) (map[string]string, error) {
	if b.options.ProbeShellEnvironment {
		env, err := probeShellEnvironment(ctx, defaultShell())
		if err == nil {
			return env, nil
		}
		b.logger.Warnf("Shell environment probe failed, using the inherited environment, error: %v", err)
	}
	return inheritedEnvironment(), nil
}

// GetLatency reports nothing; there is no transport to measure.
func (b *Backend) GetLatency(ctx context.Context) ([]terminal.LatencyInfo, error) {
	return nil, nil
}

func (b *Backend) OnPtyHostUnresponsive(listener func()) event.Disposable {
	return b.unresponsive.Subscribe(func(struct{}) { listener() })
}

func (b *Backend) OnPtyHostResponsive(listener func()) event.Disposable {
	return b.responsive.Subscribe(func(struct{}) { listener() })
}

func (b *Backend) OnPtyHostRestart(listener func()) event.Disposable {
	return b.restart.Subscribe(func(struct{}) { listener() })
}

// Processes lists the live processes that persist across detach, by id.
func (b *Backend) Processes() []terminal.PersistentProcessInfo {
	var infos []terminal.PersistentProcessInfo
	for _, p := range b.processes.Items() {
		if info, ok := p.persistentInfo(); ok {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ProcessCount is the number of live pty processes.
func (b *Backend) ProcessCount() int {
	return b.processes.Count()
}

// Dispose kills every process and rejects further creation.
func (b *Backend) Dispose() {
	if !b.disposed.CompareAndSwap(false, true) {
		return
	}

	for _, p := range b.processes.Items() {
		if err := p.shutdown(true); err != nil {
			b.logger.Warnf("Failed to kill pty process on dispose, id: %d, error: %v", p.id, err)
		}
	}

	b.unresponsive.Dispose()
	b.responsive.Dispose()
	b.restart.Dispose()
}

func (b *Backend) register(p *ptyProcess) {
	b.processes.Set(p.id, p)
	b.options.Metrics.SetPtyProcesses(b.processes.Count())
}

func (b *Backend) unregister(p *ptyProcess) {
	b.processes.Remove(p.id)
	b.options.Metrics.SetPtyProcesses(b.processes.Count())
}
