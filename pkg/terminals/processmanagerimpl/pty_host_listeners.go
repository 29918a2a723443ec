package processmanagerimpl

import (
	"github.com/charmbracelet/x/ansi"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
	"github.com/core-tools/hsu-terminal/pkg/terminals/processmanager"
)

const ptyHostRelaunchMessage = "Restarting the terminal because the connection to the shell process was lost..."

// formatLoudMessage renders a host message so it stands out from shell output
func formatLoudMessage(message string) string {
	return "\r\n" + ansi.ResetStyle + "\x1b[7m * " + ansi.ResetStyle + "\x1b[0;103m " + message + " " + ansi.ResetStyle + "\r\n"
}

// attachPtyHostListeners subscribes to backend health once per manager
func (pm *processManager) attachPtyHostListeners(be backend.ProcessBackend) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.ptyHostListenersAttached || pm.disposed {
		return
	}
	pm.ptyHostListenersAttached = true

	pm.ptyHostListeners.Add(be.OnPtyHostUnresponsive(pm.handlePtyHostUnresponsive))
	pm.responsiveListener = be.OnPtyHostResponsive(pm.handlePtyHostResponsive)
	pm.ptyHostListeners.Add(event.ToDisposable(pm.disposeResponsiveListener))
	pm.ptyHostListeners.Add(be.OnPtyHostRestart(pm.handlePtyHostRestart))
}

func (pm *processManager) disposeResponsiveListener() {
	pm.mutex.Lock()
	listener := pm.responsiveListener
	pm.responsiveListener = nil
	pm.mutex.Unlock()

	if listener != nil {
		listener.Dispose()
	}
}

func (pm *processManager) handlePtyHostUnresponsive() {
	func() {
		pm.mutex.Lock()
		defer pm.mutex.Unlock()

		if pm.disposed {
			return
		}
		pm.isDisconnected = true
		pm.seq.Enqueue(func() { pm.onPtyDisconnect.Fire(struct{}{}) })
	}()

	pm.logger.Warnf("Pty host unresponsive, terminal: %s", pm.terminalID)
	pm.metrics.RecordPtyHostEvent(pm.authority, "unresponsive")
	pm.seq.Drain()
}

func (pm *processManager) handlePtyHostResponsive() {
	reconnected := func() bool {
		pm.mutex.Lock()
		defer pm.mutex.Unlock()

		if pm.disposed || !pm.isDisconnected {
			return false
		}
		pm.isDisconnected = false
		pm.seq.Enqueue(func() { pm.onPtyReconnect.Fire(struct{}{}) })
		return true
	}()
	if !reconnected {
		return
	}

	pm.logger.Infof("Pty host responsive again, terminal: %s", pm.terminalID)
	pm.metrics.RecordPtyHostEvent(pm.authority, "responsive")
	pm.seq.Drain()
}

type restartPlan struct {
	config     terminal.LaunchConfig
	dimensions terminal.Dimensions
	generation uint64
	lost       bool
	relaunch   bool
}

// handlePtyHostRestart recovers from a host that lost its processes. Reconnecting
// is no longer possible, so the old responsive listener goes away.
func (pm *processManager) handlePtyHostRestart() {
	pm.metrics.RecordPtyHostEvent(pm.authority, "restart")

	plan, ok := pm.planPtyHostRestart()
	pm.disposeResponsiveListener()
	pm.seq.Drain()
	if !ok {
		return
	}

	if plan.lost {
		// Feature terminals learn that their process is gone for good
		lost := terminal.ExitCodeLost
		pm.logger.Warnf("Pty host restarted, process lost, terminal: %s", pm.terminalID)
		pm.handleExit(plan.generation, &lost)
		return
	}

	if plan.relaunch {
		pm.logger.Warnf("Pty host restarted, relaunching, terminal: %s", pm.terminalID)
		go func() {
			status, err := pm.relaunch(pm.ctx, plan.config, plan.dimensions.Cols, plan.dimensions.Rows, false, relaunchTriggerPtyHostLost)
			if err != nil {
				pm.logger.Errorf("Relaunch after pty host restart failed, terminal: %s, error: %v", pm.terminalID, err)
				return
			}
			pm.logger.Debugf("Relaunch after pty host restart finished, terminal: %s, status: %s", pm.terminalID, status)
		}()
	}
}

func (pm *processManager) planPtyHostRestart() (restartPlan, bool) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.disposed {
		return restartPlan{}, false
	}

	if !pm.isDisconnected {
		pm.isDisconnected = true
		pm.seq.Enqueue(func() { pm.onPtyDisconnect.Fire(struct{}{}) })
	}

	if !pm.hasLaunchConfig {
		return restartPlan{}, false
	}

	plan := restartPlan{
		config:     pm.launchConfig.Clone(),
		dimensions: pm.dimensions,
		generation: pm.generation,
	}
	if plan.config.IsFeatureTerminal && plan.config.ReconnectionProperties == nil {
		plan.lost = true
		return plan, true
	}

	// The old process id is meaningless on the restarted host
	plan.config.AttachPersistentProcess = nil
	plan.relaunch = true
	message := formatLoudMessage(ptyHostRelaunchMessage)
	pm.seq.Enqueue(func() { pm.onProcessData.Fire(message) })
	return plan, true
}

// handleCollectionsChange compares new contributions against those applied at launch
func (pm *processManager) handleCollectionsChange(merged *envcollection.Merged) {
	func() {
		pm.mutex.Lock()
		defer pm.mutex.Unlock()

		if pm.disposed || pm.launchCollection == nil {
			return
		}

		diff := envcollection.DiffCollections(pm.launchCollection, merged, pm.launchScope)
		if diff == nil {
			// Back in sync, drop the stale indicator
			if pm.envInfo != nil && pm.envInfo.Kind == processmanager.EnvironmentInfoStale {
				info := &processmanager.EnvironmentInfo{
					Kind:       processmanager.EnvironmentInfoChangesActive,
					Collection: pm.launchCollection,
				}
				pm.envInfo = info
				pm.seq.Enqueue(func() { pm.onEnvironmentInfoChange.Fire(info) })
			}
			return
		}

		info := &processmanager.EnvironmentInfo{
			Kind:       processmanager.EnvironmentInfoStale,
			Diff:       diff,
			Collection: merged,
		}
		pm.envInfo = info
		pm.logger.Debugf("Environment contributions are stale, terminal: %s", pm.terminalID)
		pm.seq.Enqueue(func() { pm.onEnvironmentInfoChange.Fire(info) })
	}()
	pm.seq.Drain()
}
