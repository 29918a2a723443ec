package processmanagerimpl

import (
	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/resolver"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
	"github.com/core-tools/hsu-terminal/pkg/terminals/processmanager"
)

// The plan* and finalize* helpers hold the mutex only for their own body, released by
// defer, so blocking backend calls always run unlocked. Events are enqueued under the
// lock and delivered by draining the sequencer after it is released.

func (pm *processManager) setStateLocked(to processmanager.ProcessState) bool {
	from := pm.state
	if from == to {
		return false
	}
	if !processmanager.CanTransition(from, to) {
		pm.logger.Warnf("Ignoring invalid process state transition, terminal: %s, from: %s, to: %s", pm.terminalID, from, to)
		return false
	}

	pm.state = to
	pm.logger.Debugf("Process state changed, terminal: %s, from: %s, to: %s", pm.terminalID, from, to)
	pm.seq.Enqueue(func() { pm.onProcessStateChange.Fire(to) })
	return true
}

func (pm *processManager) planCreate(config terminal.LaunchConfig, cols, rows int) bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.disposed {
		return true
	}
	pm.launchConfig = config
	pm.hasLaunchConfig = true
	pm.dimensions = terminal.Dimensions{Cols: cols, Rows: rows}
	return false
}

func (pm *processManager) installHandle(handle backend.ProcessHandle, be backend.ProcessBackend, config terminal.LaunchConfig, collection *envcollection.Merged, cols, rows int, attached bool) (uint64, bool) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.disposed {
		return 0, true
	}

	pm.generation++
	generation := pm.generation

	pm.handleListeners.Clear()
	pm.handle = handle
	pm.backendRef = be
	pm.launchConfig = config
	pm.hasLaunchConfig = true
	pm.dimensions = terminal.Dimensions{Cols: cols, Rows: rows}
	pm.createdDimensions = pm.dimensions
	if attached {
		// An attached process keeps the size of its previous owner until told otherwise
		pm.createdDimensions = terminal.Dimensions{}
	}
	pm.traits = nil
	pm.hasChildProcesses = false
	pm.shouldPersist = handle.ShouldPersist() || config.ReconnectionProperties != nil

	// Waiters on an unfinished barrier carry over to the new process
	if pm.ready {
		pm.ready = false
		pm.readyCh = make(chan struct{})
	}

	pm.setStateLocked(processmanager.ProcessStateLaunching)
	pm.installEnvironmentInfoLocked(config, collection)

	pm.handleListeners.Add(handle.OnProcessReady(func(e terminal.ReadyEvent) {
		pm.handleReady(generation, e)
	}))
	pm.handleListeners.Add(handle.OnProcessExit(func(code *int) {
		pm.handleExit(generation, code)
	}))
	pm.handleListeners.Add(handle.OnDidChangeProperty(func(prop terminal.ProcessProperty) {
		pm.handleProperty(generation, prop)
	}))

	pm.launchingTimer.Schedule(pm.options.LaunchingTimeout, func() {
		pm.handleLaunchingTimeout(generation)
	})

	return generation, false
}

func (pm *processManager) installEnvironmentInfoLocked(config terminal.LaunchConfig, collection *envcollection.Merged) {
	previous := pm.envInfo
	pm.launchCollection = collection
	pm.launchScope = resolver.Scope(config)
	pm.envInfo = nil

	if collection != nil && collection.Len(pm.launchScope) > 0 {
		pm.envInfo = &processmanager.EnvironmentInfo{
			Kind:       processmanager.EnvironmentInfoChangesActive,
			Collection: collection,
		}
	}

	if previous != nil || pm.envInfo != nil {
		info := pm.envInfo
		pm.seq.Enqueue(func() { pm.onEnvironmentInfoChange.Fire(info) })
	}
}

func (pm *processManager) finalizeStartFailure(generation uint64) {
	func() {
		pm.mutex.Lock()
		defer pm.mutex.Unlock()

		if generation != pm.generation {
			return
		}
		pm.launchingTimer.Cancel()
		pm.setStateLocked(processmanager.ProcessStateKilledDuringLaunch)
		pm.handle = nil
		pm.handleListeners.Clear()
	}()
	pm.seq.Drain()
}

func (pm *processManager) planRelaunch() bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.disposed {
		return true
	}

	if pm.ready {
		pm.ready = false
		pm.readyCh = make(chan struct{})
	}
	if pm.isDisconnected {
		pm.isDisconnected = false
		pm.seq.Enqueue(func() { pm.onPtyReconnect.Fire(struct{}{}) })
	}
	pm.hasWrittenData = false
	return false
}

// planWrite returns the handle to write to now, or nil when the input was queued or dropped
func (pm *processManager) planWrite(data string) backend.ProcessHandle {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.disposed {
		return nil
	}
	pm.hasWrittenData = true

	if !pm.ready {
		pm.writeQueue = append(pm.writeQueue, data)
		return nil
	}
	return pm.handle
}

func (pm *processManager) planResize(cols, rows int) backend.ProcessHandle {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	pm.dimensions = terminal.Dimensions{Cols: cols, Rows: rows}
	if !pm.ready {
		// Applied by the ready flush
		return nil
	}
	pm.createdDimensions = pm.dimensions
	return pm.handle
}

func (pm *processManager) planDetach() backend.ProcessHandle {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	handle := pm.handle
	if handle == nil {
		return nil
	}

	// Events from the detached handle are stale from now on
	pm.generation++
	pm.handle = nil
	pm.handleListeners.Clear()
	pm.launchingTimer.Cancel()
	return handle
}

func (pm *processManager) planDispose() (backend.ProcessHandle, bool) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.disposed {
		return nil, false
	}
	pm.disposed = true
	close(pm.disposedCh)
	pm.launchingTimer.Cancel()
	pm.writeQueue = nil

	// Set before shutdown so an exit arriving meanwhile is attributed to the user
	handle := pm.handle
	if handle != nil {
		pm.setStateLocked(processmanager.ProcessStateKilledByUser)
	}
	return handle, true
}

func (pm *processManager) finalizeDispose() {
	pm.cancel()
	pm.launchingTimer.Dispose()
	pm.latencyTimer.Dispose()
	pm.filter.Dispose()
	pm.ptyHostListeners.Dispose()
	if pm.collectionListener != nil {
		pm.collectionListener.Dispose()
	}

	func() {
		pm.mutex.Lock()
		defer pm.mutex.Unlock()
		pm.handle = nil
	}()
	pm.handleListeners.Dispose()

	pm.seq.Drain()

	pm.onProcessReady.Dispose()
	pm.onProcessExit.Dispose()
	pm.onProcessData.Dispose()
	pm.onDidChangeProperty.Dispose()
	pm.onProcessStateChange.Dispose()
	pm.onPtyDisconnect.Dispose()
	pm.onPtyReconnect.Dispose()
	pm.onEnvironmentInfoChange.Dispose()
}

func (pm *processManager) handleReady(generation uint64, e terminal.ReadyEvent) {
	pm.flushReady(generation, e)
	pm.seq.Drain()
}

// flushReady writes queued input before any later Write can reach the process
func (pm *processManager) flushReady(generation uint64, e terminal.ReadyEvent) {
	pm.writeMutex.Lock()
	defer pm.writeMutex.Unlock()

	handle, queue, resize := pm.finalizeReady(generation, e)
	if handle == nil {
		return
	}
	for _, data := range queue {
		pm.input(handle, data)
	}
	if resize != nil {
		if err := pm.resizeHandle(handle, resize.Cols, resize.Rows); err != nil {
			pm.logger.Warnf("Deferred resize failed, terminal: %s, error: %v", pm.terminalID, err)
		}
	}
}

func (pm *processManager) finalizeReady(generation uint64, e terminal.ReadyEvent) (backend.ProcessHandle, []string, *terminal.Dimensions) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if generation != pm.generation || pm.disposed || pm.handle == nil {
		return nil, nil, nil
	}

	pm.traits = &processmanager.ProcessTraits{Pid: e.Pid, InitialCwd: e.Cwd, Name: e.Name}
	pm.launchingTimer.Cancel()
	if pm.state == processmanager.ProcessStateLaunching {
		pm.setStateLocked(processmanager.ProcessStateRunning)
	}
	if !pm.ready {
		pm.ready = true
		close(pm.readyCh)
	}

	queue := pm.writeQueue
	pm.writeQueue = nil

	var resize *terminal.Dimensions
	if pm.dimensions != pm.createdDimensions {
		dims := pm.dimensions
		resize = &dims
		pm.createdDimensions = dims
	}

	pm.logger.Debugf("Process ready, terminal: %s, pid: %d, cwd: %s", pm.terminalID, e.Pid, e.Cwd)
	pm.seq.Enqueue(func() { pm.onProcessReady.Fire(e) })
	return pm.handle, queue, resize
}

func (pm *processManager) handleExit(generation uint64, code *int) {
	state, handled := pm.finalizeExit(generation, code)
	if !handled {
		return
	}
	pm.metrics.RecordExit(string(state))
	pm.seq.Drain()
}

func (pm *processManager) finalizeExit(generation uint64, code *int) (processmanager.ProcessState, bool) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	// Exits of replaced or detached processes are not ours to report
	if generation != pm.generation || pm.handle == nil {
		return pm.state, false
	}

	pm.launchingTimer.Cancel()
	switch pm.state {
	case processmanager.ProcessStateLaunching:
		pm.setStateLocked(processmanager.ProcessStateKilledDuringLaunch)
	case processmanager.ProcessStateRunning:
		pm.setStateLocked(processmanager.ProcessStateKilledByProcess)
	}

	pm.handle = nil
	pm.handleListeners.Clear()

	if code != nil {
		pm.logger.Infof("Process exited, terminal: %s, state: %s, code: %d", pm.terminalID, pm.state, *code)
	} else {
		pm.logger.Infof("Process exited, terminal: %s, state: %s, code: unknown", pm.terminalID, pm.state)
	}
	pm.seq.Enqueue(func() { pm.onProcessExit.Fire(code) })
	return pm.state, true
}

func (pm *processManager) handleProperty(generation uint64, prop terminal.ProcessProperty) {
	func() {
		pm.mutex.Lock()
		defer pm.mutex.Unlock()

		if generation != pm.generation || pm.disposed {
			return
		}
		if p, ok := prop.(terminal.HasChildProcessesProperty); ok {
			pm.hasChildProcesses = p.HasChildProcesses
		}
		pm.seq.Enqueue(func() { pm.onDidChangeProperty.Fire(prop) })
	}()
	pm.seq.Drain()
}

// handleLaunchingTimeout promotes a silent process to running after the grace period
func (pm *processManager) handleLaunchingTimeout(generation uint64) {
	func() {
		pm.mutex.Lock()
		defer pm.mutex.Unlock()

		if generation != pm.generation || pm.state != processmanager.ProcessStateLaunching {
			return
		}
		pm.setStateLocked(processmanager.ProcessStateRunning)
	}()
	pm.seq.Drain()
}
