package terminal

import (
	"fmt"
	"time"
)

// LaunchConfig describes the shell a terminal runs. It is passed through to the
// process backend, so every field must survive a JSON round trip.
type LaunchConfig struct {
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Executable string            `json:"executable,omitempty" yaml:"executable,omitempty"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd        string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// StrictEnv launches with Env only, skipping the inherited environment and contributions
	StrictEnv bool `json:"strictEnv,omitempty" yaml:"strict_env,omitempty"`
	// UseShellEnvironment bases the environment on the login shell environment of the backend
	UseShellEnvironment bool `json:"useShellEnvironment,omitempty" yaml:"use_shell_environment,omitempty"`

	IsFeatureTerminal bool `json:"isFeatureTerminal,omitempty" yaml:"is_feature_terminal,omitempty"`
	IsTransient       bool `json:"isTransient,omitempty" yaml:"is_transient,omitempty"`
	HideFromUser      bool `json:"hideFromUser,omitempty" yaml:"hide_from_user,omitempty"`

	// WorkspaceFolder scopes environment contributions
	WorkspaceFolder string `json:"workspaceFolder,omitempty" yaml:"workspace_folder,omitempty"`

	AttachPersistentProcess *PersistentProcessInfo  `json:"attachPersistentProcess,omitempty" yaml:"-"`
	ReconnectionProperties  *ReconnectionProperties `json:"reconnectionProperties,omitempty" yaml:"-"`
}

// Clone returns a deep copy, so relaunches never share slices or maps with the caller.
func (c LaunchConfig) Clone() LaunchConfig {
	clone := c
	if c.Args != nil {
		clone.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		clone.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			clone.Env[k] = v
		}
	}
	if c.AttachPersistentProcess != nil {
		info := *c.AttachPersistentProcess
		clone.AttachPersistentProcess = &info
	}
	if c.ReconnectionProperties != nil {
		props := *c.ReconnectionProperties
		clone.ReconnectionProperties = &props
	}
	return clone
}

// PersistentProcessInfo identifies a running process a terminal can reattach to.
type PersistentProcessInfo struct {
	ID    int    `json:"id"`
	Pid   int    `json:"pid,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	Title string `json:"title,omitempty"`
}

// ReconnectionProperties is opaque reconnection metadata owned by a feature.
// Token is passed through unchanged to the backend and the layout file.
type ReconnectionProperties struct {
	OwnerID string `json:"ownerId"`
	Token   string `json:"token"`
}

// ReadyEvent is reported by a process once its shell is up.
type ReadyEvent struct {
	Pid  int    `json:"pid"`
	Cwd  string `json:"cwd"`
	Name string `json:"name,omitempty"`
}

// LaunchError is returned when a shell could not be started.
type LaunchError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

func (e *LaunchError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("terminal launch failed (exit code %d): %s", e.Code, e.Message)
	}
	return "terminal launch failed: " + e.Message
}

// Dimensions is a terminal size in cells.
type Dimensions struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// LatencyInfo is one round-trip measurement reported by a backend.
type LatencyInfo struct {
	Label   string        `json:"label"`
	Latency time.Duration `json:"latency"`
}

// Flow control constants shared by the consumer-side ack buffer and producer-side pty readers.
const (
	// CharCountAckSize is the unit in which consumed output is acknowledged
	CharCountAckSize = 5000
	// HighWatermarkChars pauses a producer once this much output is unacknowledged
	HighWatermarkChars = 100000
	// LowWatermarkChars resumes a paused producer
	LowWatermarkChars = 5000
)

// ExitCodeLost is reported when a process is gone without an exit status, e.g. its pty host restarted.
const ExitCodeLost = -1
