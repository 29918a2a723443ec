package processmanagerimpl

import (
	"context"
	stderrors "errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/flowcontrol"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/metrics"
	"github.com/core-tools/hsu-terminal/pkg/process"
	"github.com/core-tools/hsu-terminal/pkg/resolver"
	"github.com/core-tools/hsu-terminal/pkg/seamless"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
	"github.com/core-tools/hsu-terminal/pkg/terminals/processmanager"
	"github.com/core-tools/hsu-terminal/pkg/timer"
)

const (
	relaunchTriggerExplicit    = "explicit"
	relaunchTriggerPtyHostLost = "pty_host_restart"

	latencyQueryTimeout = 5 * time.Second
)

type processManager struct {
	options    processmanager.ProcessManagerOptions
	terminalID string
	authority  string
	logger     logging.Logger
	metrics    *metrics.Metrics
	resolver   processmanager.EnvironmentResolver

	// ctx is cancelled on dispose and bounds background relaunches
	ctx    context.Context
	cancel context.CancelFunc

	// All outward events go through seq, so listeners never run under mutex
	seq            *event.Sequencer
	filter         *seamless.Filter
	ackBuffer      *flowcontrol.AckDataBuffer
	launchingTimer *timer.Timer
	latencyTimer   *timer.Timer

	// writeMutex keeps input in order across the ready flush; it is taken before mutex
	writeMutex sync.Mutex
	mutex      sync.Mutex

	state           processmanager.ProcessState
	handle          backend.ProcessHandle
	generation      uint64
	handleListeners *event.DisposableStore
	backendRef      backend.ProcessBackend

	ptyHostListeners         *event.DisposableStore
	ptyHostListenersAttached bool
	responsiveListener       event.Disposable
	collectionListener       event.Disposable

	ready      bool
	readyCh    chan struct{}
	disposedCh chan struct{}
	writeQueue []string

	launchConfig      terminal.LaunchConfig
	hasLaunchConfig   bool
	dimensions        terminal.Dimensions
	createdDimensions terminal.Dimensions
	traits            *processmanager.ProcessTraits
	shouldPersist     bool
	hasWrittenData    bool
	hasChildProcesses bool
	isDisconnected    bool
	disposed          bool

	envInfo          *processmanager.EnvironmentInfo
	launchCollection *envcollection.Merged
	launchScope      *envcollection.Scope

	onProcessReady          *event.Emitter[terminal.ReadyEvent]
	onProcessExit           *event.Emitter[*int]
	onProcessData           *event.Emitter[string]
	onDidChangeProperty     *event.Emitter[terminal.ProcessProperty]
	onProcessStateChange    *event.Emitter[processmanager.ProcessState]
	onPtyDisconnect         *event.Emitter[struct{}]
	onPtyReconnect          *event.Emitter[struct{}]
	onEnvironmentInfoChange *event.Emitter[*processmanager.EnvironmentInfo]
}

func setOptionsDefaults(options *processmanager.ProcessManagerOptions) {
	if options.LaunchingTimeout <= 0 {
		options.LaunchingTimeout = processmanager.DefaultLaunchingTimeout
	}
	if options.LatencyLogDelay == 0 {
		options.LatencyLogDelay = processmanager.DefaultLatencyLogDelay
	}
	if options.Logger == nil {
		options.Logger = logging.NewNopLogger()
	}
}

// NewProcessManager creates a manager in the uninitialized state
func NewProcessManager(options processmanager.ProcessManagerOptions) (processmanager.ProcessManager, error) {
	if options.Backends == nil {
		return nil, errors.NewValidationError("backend provider is required", nil)
	}
	setOptionsDefaults(&options)

	pm := &processManager{
		options:                 options,
		terminalID:              options.TerminalID,
		authority:               options.RemoteAuthority,
		logger:                  options.Logger,
		metrics:                 options.Metrics,
		resolver:                options.Resolver,
		seq:                     event.NewSequencer(),
		launchingTimer:          timer.New(),
		latencyTimer:            timer.New(),
		state:                   processmanager.ProcessStateUninitialized,
		handleListeners:         event.NewDisposableStore(),
		ptyHostListeners:        event.NewDisposableStore(),
		readyCh:                 make(chan struct{}),
		disposedCh:              make(chan struct{}),
		onProcessReady:          event.NewEmitter[terminal.ReadyEvent](),
		onProcessExit:           event.NewEmitter[*int](),
		onProcessData:           event.NewEmitter[string](),
		onDidChangeProperty:     event.NewEmitter[terminal.ProcessProperty](),
		onProcessStateChange:    event.NewEmitter[processmanager.ProcessState](),
		onPtyDisconnect:         event.NewEmitter[struct{}](),
		onPtyReconnect:          event.NewEmitter[struct{}](),
		onEnvironmentInfoChange: event.NewEmitter[*processmanager.EnvironmentInfo](),
	}
	if pm.resolver == nil {
		pm.resolver = resolver.New(resolver.Options{}, options.Logger)
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.filter = seamless.NewFilter(pm.seq, pm.emitData, options.Logger, seamless.Options{
		SwapTimeout:    options.SwapTimeout,
		RecordDuration: options.RecordDuration,
		OnSwap: func(result seamless.SwapResult) {
			pm.metrics.RecordSwap(string(result))
		},
	})
	pm.ackBuffer = flowcontrol.NewAckDataBuffer(options.AckChunkSize, pm.sendAcknowledgement)

	if options.Collections != nil {
		pm.collectionListener = options.Collections.OnDidChangeCollections(pm.handleCollectionsChange)
	}

	return pm, nil
}

func (pm *processManager) CreateProcess(ctx context.Context, config terminal.LaunchConfig, cols, rows int, reset bool) (processmanager.LaunchStatus, error) {
	if ctx == nil {
		return "", errors.NewValidationError("context cannot be nil", nil)
	}
	if err := process.ValidateDimensions(cols, rows); err != nil {
		return "", err
	}

	config = config.Clone()
	if disposed := pm.planCreate(config, cols, rows); disposed {
		return processmanager.LaunchStatusDisposed, nil
	}

	be, err := pm.options.Backends.Get(pm.authority)
	if err != nil {
		pm.logger.Errorf("No backend for terminal, terminal: %s, authority: %s, error: %v",
			pm.terminalID, backend.DisplayAuthority(pm.authority), err)
		pm.metrics.RecordLaunchFailure(pm.authority, "backend_unavailable")
		return "", err
	}
	pm.attachPtyHostListeners(be)

	started := time.Now()

	var handle backend.ProcessHandle
	attached := false
	if config.AttachPersistentProcess != nil {
		id := config.AttachPersistentProcess.ID
		handle, err = be.AttachToProcess(ctx, id)
		if err != nil {
			pm.logger.Warnf("Attach to process errored, terminal: %s, process: %d, error: %v", pm.terminalID, id, err)
			handle = nil
		}
		if handle == nil {
			// Fall back to a fresh process
			pm.logger.Warnf("Attach to process failed for terminal, terminal: %s, process: %d", pm.terminalID, id)
			config.AttachPersistentProcess = nil
		} else {
			attached = true
		}
	}

	var collection *envcollection.Merged
	if handle == nil {
		req, merged, status, err := pm.buildCreateRequest(ctx, be, config, cols, rows)
		if err != nil || status != "" {
			return status, err
		}
		collection = merged

		handle, err = be.CreateProcess(ctx, req)
		if err != nil {
			pm.logger.Errorf("Failed to create process, terminal: %s, error: %v", pm.terminalID, err)
			pm.metrics.RecordLaunchFailure(pm.authority, string(errors.TypeOf(err)))
			return "", err
		}
	}

	generation, disposed := pm.installHandle(handle, be, config, collection, cols, rows, attached)
	if disposed {
		if err := handle.Shutdown(true); err != nil {
			pm.logger.Debugf("Shutdown of discarded process failed, terminal: %s, error: %v", pm.terminalID, err)
		}
		return processmanager.LaunchStatusDisposed, nil
	}
	pm.seq.Drain()

	// The filter subscribes to output before the process can produce any
	pm.filter.NewProcess(handle, reset)

	if err := handle.Start(ctx); err != nil {
		if pm.isDisposed() {
			return processmanager.LaunchStatusDisposed, nil
		}
		pm.finalizeStartFailure(generation)

		reason := string(errors.TypeOf(err))
		var launchErr *terminal.LaunchError
		if stderrors.As(err, &launchErr) {
			reason = "launch_error"
		}
		pm.logger.Errorf("Failed to start process, terminal: %s, error: %v", pm.terminalID, err)
		pm.metrics.RecordLaunchFailure(pm.authority, reason)
		return "", err
	}

	// A dispose racing the start must not leave the process running
	if pm.isDisposed() {
		if err := handle.Shutdown(true); err != nil {
			pm.logger.Debugf("Shutdown after dispose failed, terminal: %s, error: %v", pm.terminalID, err)
		}
		return processmanager.LaunchStatusDisposed, nil
	}

	pm.metrics.RecordProcessCreated(pm.authority, attached)
	pm.metrics.ObserveLaunchDuration(pm.authority, time.Since(started))
	pm.logger.Infof("Process started, terminal: %s, id: %d, attached: %t, reset: %t",
		pm.terminalID, handle.ID(), attached, reset)

	pm.scheduleLatencyLog(be)
	return processmanager.LaunchStatusStarted, nil
}

func (pm *processManager) Relaunch(ctx context.Context, config terminal.LaunchConfig, cols, rows int, reset bool) (processmanager.LaunchStatus, error) {
	return pm.relaunch(ctx, config, cols, rows, reset, relaunchTriggerExplicit)
}

func (pm *processManager) relaunch(ctx context.Context, config terminal.LaunchConfig, cols, rows int, reset bool, trigger string) (processmanager.LaunchStatus, error) {
	if disposed := pm.planRelaunch(); disposed {
		return processmanager.LaunchStatusDisposed, nil
	}
	pm.seq.Drain()

	pm.logger.Infof("Relaunching process, terminal: %s, trigger: %s, reset: %t", pm.terminalID, trigger, reset)
	pm.metrics.RecordRelaunch(trigger)

	return pm.CreateProcess(ctx, config, cols, rows, reset)
}

func (pm *processManager) Write(data string) {
	if pm.isDisposed() {
		return
	}
	pm.filter.DisableSeamlessRelaunch()

	handle := pm.planWrite(data)
	if handle == nil {
		return
	}

	pm.writeMutex.Lock()
	defer pm.writeMutex.Unlock()
	pm.input(handle, data)
}

func (pm *processManager) input(handle backend.ProcessHandle, data string) {
	if err := handle.Input(data); err != nil {
		if errors.IsBrokenPipe(err) {
			pm.logger.Debugf("Input to exited process dropped, terminal: %s", pm.terminalID)
			return
		}
		pm.logger.Warnf("Input failed, terminal: %s, error: %v", pm.terminalID, err)
	}
}

func (pm *processManager) ProcessBinary(ctx context.Context, data string) error {
	handle, err := pm.readyHandle(ctx)
	if err != nil {
		return err
	}

	pm.filter.DisableSeamlessRelaunch()
	pm.mutex.Lock()
	pm.hasWrittenData = true
	pm.mutex.Unlock()

	pm.writeMutex.Lock()
	defer pm.writeMutex.Unlock()
	return handle.ProcessBinary(data)
}

func (pm *processManager) Resize(cols, rows int) error {
	if err := process.ValidateDimensions(cols, rows); err != nil {
		return err
	}

	handle := pm.planResize(cols, rows)
	if handle == nil {
		return nil
	}
	return pm.resizeHandle(handle, cols, rows)
}

func (pm *processManager) ResizeWhenReady(ctx context.Context, cols, rows int) error {
	if err := process.ValidateDimensions(cols, rows); err != nil {
		return err
	}

	pm.mutex.Lock()
	pm.dimensions = terminal.Dimensions{Cols: cols, Rows: rows}
	pm.mutex.Unlock()

	handle, err := pm.readyHandle(ctx)
	if err != nil {
		return err
	}
	return pm.resizeHandle(handle, cols, rows)
}

func (pm *processManager) resizeHandle(handle backend.ProcessHandle, cols, rows int) error {
	if err := handle.Resize(cols, rows); err != nil {
		// The process exited between the lookup and the resize
		if errors.IsBrokenPipe(err) {
			pm.logger.Debugf("Resize of exited process ignored, terminal: %s", pm.terminalID)
			return nil
		}
		return err
	}
	return nil
}

func (pm *processManager) AcknowledgeDataEvent(charCount int) {
	pm.ackBuffer.Ack(charCount)
}

func (pm *processManager) sendAcknowledgement(charCount int) {
	pm.mutex.Lock()
	handle := pm.handle
	pm.mutex.Unlock()

	if handle == nil {
		return
	}
	if err := handle.AcknowledgeDataEvent(charCount); err != nil {
		pm.logger.Debugf("Acknowledge failed, terminal: %s, error: %v", pm.terminalID, err)
		return
	}
	pm.metrics.AddAcknowledgedChars(charCount)
}

func (pm *processManager) DetachFromProcess(ctx context.Context, forcePersist bool) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	handle := pm.planDetach()
	if handle == nil {
		return nil
	}
	pm.filter.Detach()

	pm.logger.Infof("Detaching from process, terminal: %s, id: %d, forcePersist: %t", pm.terminalID, handle.ID(), forcePersist)
	return handle.Detach(forcePersist)
}

func (pm *processManager) Dispose(immediate bool) {
	handle, first := pm.planDispose()
	if !first {
		return
	}
	pm.seq.Drain()

	if handle != nil {
		pm.logger.Infof("Shutting down process, terminal: %s, id: %d, immediate: %t", pm.terminalID, handle.ID(), immediate)
		if err := handle.Shutdown(immediate); err != nil {
			pm.logger.Warnf("Shutdown failed, terminal: %s, error: %v", pm.terminalID, err)
		}
	}

	pm.finalizeDispose()
}

func (pm *processManager) SendSignal(ctx context.Context, signal string) error {
	handle, err := pm.readyHandle(ctx)
	if err != nil {
		return err
	}
	return handle.SendSignal(signal)
}

func (pm *processManager) ClearBuffer(ctx context.Context) error {
	handle, err := pm.readyHandle(ctx)
	if err != nil {
		return err
	}
	return handle.ClearBuffer()
}

func (pm *processManager) SetUnicodeVersion(ctx context.Context, version string) error {
	handle, err := pm.readyHandle(ctx)
	if err != nil {
		return err
	}
	return handle.SetUnicodeVersion(version)
}

func (pm *processManager) RefreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error) {
	pm.mutex.Lock()
	handle := pm.handle
	pm.mutex.Unlock()

	if handle == nil {
		return nil, errors.NewNotReadyError("cannot refresh property when process is not set", nil).
			WithContext("property", kind)
	}
	return handle.RefreshProperty(ctx, kind)
}

func (pm *processManager) UpdateProperty(ctx context.Context, prop terminal.ProcessProperty) error {
	if prop == nil {
		return errors.NewValidationError("property cannot be nil", nil)
	}
	handle, err := pm.readyHandle(ctx)
	if err != nil {
		return err
	}
	return handle.UpdateProperty(ctx, prop)
}

func (pm *processManager) GetLatency(ctx context.Context) ([]terminal.LatencyInfo, error) {
	pm.mutex.Lock()
	be := pm.backendRef
	pm.mutex.Unlock()

	if be == nil {
		var err error
		if be, err = pm.options.Backends.Get(pm.authority); err != nil {
			return nil, err
		}
	}
	return be.GetLatency(ctx)
}

func (pm *processManager) WaitForReady(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	pm.mutex.Lock()
	readyCh := pm.readyCh
	pm.mutex.Unlock()

	select {
	case <-readyCh:
		return nil
	case <-pm.disposedCh:
		return errors.NewDisposedError("process manager disposed", nil).WithContext("terminal", pm.terminalID)
	case <-ctx.Done():
		return errors.NewCancelledError("waiting for process ready cancelled", ctx.Err()).WithContext("terminal", pm.terminalID)
	}
}

func (pm *processManager) readyHandle(ctx context.Context) (backend.ProcessHandle, error) {
	if err := pm.WaitForReady(ctx); err != nil {
		return nil, err
	}

	pm.mutex.Lock()
	handle := pm.handle
	pm.mutex.Unlock()

	if handle == nil {
		return nil, errors.NewNotReadyError("no process", nil).WithContext("terminal", pm.terminalID)
	}
	return handle, nil
}

func (pm *processManager) ProcessState() processmanager.ProcessState {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.state
}

func (pm *processManager) ShouldPersist() bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.shouldPersist
}

func (pm *processManager) HasWrittenData() bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.hasWrittenData
}

func (pm *processManager) HasChildProcesses() bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.hasChildProcesses
}

func (pm *processManager) IsDisconnected() bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.isDisconnected
}

func (pm *processManager) ProcessTraits() *processmanager.ProcessTraits {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if pm.traits == nil {
		return nil
	}
	traits := *pm.traits
	return &traits
}

func (pm *processManager) EnvironmentInfo() *processmanager.EnvironmentInfo {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.envInfo
}

func (pm *processManager) RemoteAuthority() string {
	return pm.authority
}

func (pm *processManager) PersistentProcessID() int {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if pm.handle == nil || !pm.shouldPersist {
		return 0
	}
	return pm.handle.ID()
}

func (pm *processManager) LaunchConfig() terminal.LaunchConfig {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.launchConfig.Clone()
}

func (pm *processManager) Dimensions() terminal.Dimensions {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.dimensions
}

func (pm *processManager) OnProcessReady(listener func(terminal.ReadyEvent)) event.Disposable {
	return pm.onProcessReady.Subscribe(listener)
}

func (pm *processManager) OnProcessExit(listener func(code *int)) event.Disposable {
	return pm.onProcessExit.Subscribe(listener)
}

func (pm *processManager) OnProcessData(listener func(data string)) event.Disposable {
	return pm.onProcessData.Subscribe(listener)
}

func (pm *processManager) OnDidChangeProperty(listener func(terminal.ProcessProperty)) event.Disposable {
	return pm.onDidChangeProperty.Subscribe(listener)
}

func (pm *processManager) OnProcessStateChange(listener func(processmanager.ProcessState)) event.Disposable {
	return pm.onProcessStateChange.Subscribe(listener)
}

func (pm *processManager) OnPtyDisconnect(listener func()) event.Disposable {
	return pm.onPtyDisconnect.Subscribe(func(struct{}) { listener() })
}

func (pm *processManager) OnPtyReconnect(listener func()) event.Disposable {
	return pm.onPtyReconnect.Subscribe(func(struct{}) { listener() })
}

func (pm *processManager) OnEnvironmentInfoChange(listener func(*processmanager.EnvironmentInfo)) event.Disposable {
	return pm.onEnvironmentInfoChange.Subscribe(listener)
}

// emitData runs on the sequencer with the seamless filter's output
func (pm *processManager) emitData(data string) {
	pm.metrics.AddDataChars(utf8.RuneCountInString(data))
	pm.onProcessData.Fire(data)
}

func (pm *processManager) buildCreateRequest(ctx context.Context, be backend.ProcessBackend, config terminal.LaunchConfig, cols, rows int) (backend.CreateRequest, *envcollection.Merged, processmanager.LaunchStatus, error) {
	req := backend.CreateRequest{
		Config:         config,
		Cols:           cols,
		Rows:           rows,
		UnicodeVersion: pm.options.UnicodeVersion,
		Options: backend.CreateOptions{
			FlowControl: pm.options.FlowControl,
		},
		ShouldPersist: pm.computeShouldPersist(config),
	}

	var collection *envcollection.Merged
	if pm.options.Collections != nil && !config.StrictEnv {
		collection = pm.options.Collections.Merged()
	}

	if be.RemoteAuthority() != backend.LocalAuthority {
		// The remote host resolves cwd and environment itself, but it has to be reachable
		if _, err := be.GetShellEnvironment(ctx); err != nil {
			pm.logger.Warnf("Remote environment unreachable, terminal: %s, authority: %s, error: %v",
				pm.terminalID, be.RemoteAuthority(), err)
			pm.metrics.RecordLaunchFailure(pm.authority, "environment_unreachable")
			return req, nil, processmanager.LaunchStatusEnvironmentUnreachable, nil
		}
		req.Cwd = config.Cwd
		if collection != nil {
			req.Options.EnvironmentCollection = collection.Snapshot()
		}
		return req, collection, "", nil
	}

	var base map[string]string
	if config.UseShellEnvironment {
		env, err := be.GetShellEnvironment(ctx)
		if err != nil {
			pm.logger.Warnf("Shell environment unavailable, using inherited, terminal: %s, error: %v", pm.terminalID, err)
		} else {
			base = env
		}
	}
	req.Cwd = pm.resolver.ResolveCwd(config)
	req.Env = pm.resolver.ResolveEnvironment(config, base, collection)
	return req, collection, "", nil
}

// computeShouldPersist decides whether a new process may outlive its terminal
func (pm *processManager) computeShouldPersist(config terminal.LaunchConfig) bool {
	reconnectable := pm.options.TaskReconnection && config.ReconnectionProperties != nil
	return (reconnectable || !config.IsFeatureTerminal) &&
		pm.options.EnablePersistentSessions &&
		!config.IsTransient
}

func (pm *processManager) scheduleLatencyLog(be backend.ProcessBackend) {
	if pm.options.LatencyLogDelay < 0 {
		return
	}
	pm.latencyTimer.Schedule(pm.options.LatencyLogDelay, func() {
		ctx, cancel := context.WithTimeout(pm.ctx, latencyQueryTimeout)
		defer cancel()

		latencies, err := be.GetLatency(ctx)
		if err != nil {
			pm.logger.Debugf("Latency query failed, terminal: %s, error: %v", pm.terminalID, err)
			return
		}
		for _, l := range latencies {
			pm.logger.Infof("Latency measured, terminal: %s, label: %s, latency: %v", pm.terminalID, l.Label, l.Latency)
		}
	})
}

func (pm *processManager) isDisposed() bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.disposed
}
