package processmanager

import (
	"github.com/core-tools/hsu-terminal/pkg/envcollection"
)

// ProcessState is the lifecycle state of one terminal's process manager
type ProcessState string

const (
	ProcessStateUninitialized      ProcessState = "uninitialized"        // No process requested yet
	ProcessStateLaunching          ProcessState = "launching"            // Process created, not confirmed running
	ProcessStateRunning            ProcessState = "running"              // Ready event seen or launch grace period passed
	ProcessStateKilledDuringLaunch ProcessState = "killed_during_launch" // Exited before it was running
	ProcessStateKilledByUser       ProcessState = "killed_by_user"       // Disposed while a process was held
	ProcessStateKilledByProcess    ProcessState = "killed_by_process"    // Exited on its own while running
)

// IsExited reports whether the state is one of the killed states
func (s ProcessState) IsExited() bool {
	switch s {
	case ProcessStateKilledDuringLaunch, ProcessStateKilledByUser, ProcessStateKilledByProcess:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
// Staying in the same state is always allowed.
func CanTransition(from, to ProcessState) bool {
	if from == to {
		return true
	}

	switch from {
	case ProcessStateUninitialized:
		return to == ProcessStateLaunching || to == ProcessStateKilledByUser
	case ProcessStateLaunching:
		return to == ProcessStateRunning || to == ProcessStateKilledDuringLaunch || to == ProcessStateKilledByUser
	case ProcessStateRunning:
		// Relaunch after a pty host restart goes back to launching
		return to == ProcessStateKilledByProcess || to == ProcessStateKilledByUser || to == ProcessStateLaunching
	case ProcessStateKilledDuringLaunch, ProcessStateKilledByProcess:
		return to == ProcessStateLaunching || to == ProcessStateKilledByUser
	case ProcessStateKilledByUser:
		return false
	}
	return false
}

// LaunchStatus is the non-error outcome of creating a process
type LaunchStatus string

const (
	// LaunchStatusStarted means the process was created and started
	LaunchStatusStarted LaunchStatus = "started"
	// LaunchStatusDisposed means the manager was disposed while creating; nothing was kept
	LaunchStatusDisposed LaunchStatus = "disposed"
	// LaunchStatusEnvironmentUnreachable means the remote environment could not be fetched; the caller may abandon the start
	LaunchStatusEnvironmentUnreachable LaunchStatus = "environment_unreachable"
)

// EnvironmentInfoKind says how the environment contributions relate to a running process
type EnvironmentInfoKind string

const (
	// EnvironmentInfoChangesActive means contributions were applied and are still current
	EnvironmentInfoChangesActive EnvironmentInfoKind = "changes_active"
	// EnvironmentInfoStale means contributions changed since launch; a relaunch would apply them
	EnvironmentInfoStale EnvironmentInfoKind = "stale"
)

// EnvironmentInfo describes the environment contribution state of a process
type EnvironmentInfo struct {
	Kind EnvironmentInfoKind
	// Diff is set for stale info
	Diff *envcollection.Diff
	// Collection is the merged collection applied at launch for active info, or the newer one for stale info
	Collection *envcollection.Merged
}

// ProcessTraits are reported by the process once it is ready
type ProcessTraits struct {
	Pid        int
	InitialCwd string
	Name       string
}
