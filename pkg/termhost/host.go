package termhost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/backend/localpty"
	"github.com/core-tools/hsu-terminal/pkg/backend/remote"
	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/metrics"
	"github.com/core-tools/hsu-terminal/pkg/process"
	"github.com/core-tools/hsu-terminal/pkg/resolver"
	"github.com/core-tools/hsu-terminal/pkg/statefile"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
	"github.com/core-tools/hsu-terminal/pkg/terminals/processmanager"
	"github.com/core-tools/hsu-terminal/pkg/terminals/processmanagerimpl"
)

const (
	DefaultCols = 80
	DefaultRows = 24

	layoutVersion = 1
)

// HostState represents the current state of the terminal host
type HostState string

const (
	// HostStateNotStarted is the initial state before Start() is called
	HostStateNotStarted HostState = "not_started"

	// HostStateRunning means the host accepts new terminals
	HostStateRunning HostState = "running"

	// HostStateStopping means the host is shutting down
	HostStateStopping HostState = "stopping"

	// HostStateStopped means the host has stopped
	HostStateStopped HostState = "stopped"
)

// Terminal is one process manager owned by the host
type Terminal struct {
	ID        string
	Authority string
	Manager   processmanager.ProcessManager
	CreatedAt time.Time

	listeners *event.DisposableStore
}

// TerminalInfo is a point-in-time view of a terminal
type TerminalInfo struct {
	ID                  string                      `json:"id"`
	Authority           string                      `json:"authority,omitempty"`
	State               processmanager.ProcessState `json:"state"`
	Pid                 int                         `json:"pid,omitempty"`
	Cwd                 string                      `json:"cwd,omitempty"`
	Name                string                      `json:"name,omitempty"`
	ShouldPersist       bool                        `json:"shouldPersist"`
	PersistentProcessID int                         `json:"persistentProcessId,omitempty"`
	Disconnected        bool                        `json:"disconnected,omitempty"`
	EnvironmentStale    bool                        `json:"environmentStale,omitempty"`
}

// CreateTerminalRequest describes a terminal to create. An empty ID is generated.
type CreateTerminalRequest struct {
	ID        string
	Authority string
	Config    terminal.LaunchConfig
	Cols      int
	Rows      int
}

// Layout is the persisted set of terminals that can be reattached
type Layout struct {
	Version   int              `json:"version"`
	SavedAt   time.Time        `json:"savedAt"`
	Terminals []LayoutTerminal `json:"terminals"`
}

// LayoutTerminal is one attachable terminal. The reconnection token travels inside Config.
type LayoutTerminal struct {
	ID        string                `json:"id"`
	Authority string                `json:"authority,omitempty"`
	Config    terminal.LaunchConfig `json:"config"`
	ProcessID int                   `json:"processId"`
	Pid       int                   `json:"pid,omitempty"`
	Cwd       string                `json:"cwd,omitempty"`
	Title     string                `json:"title,omitempty"`
	Cols      int                   `json:"cols"`
	Rows      int                   `json:"rows"`
}

// Host owns the backends, the shared environment contributions and every
// terminal's process manager.
type Host struct {
	config *HostConfig
	logger logging.Logger

	registry     *backend.Registry
	local        *localpty.Backend
	remotes      []*remote.Backend
	tracker      *envcollection.Tracker
	resolver     *resolver.Resolver
	state        *statefile.StateFileManager
	metrics      *metrics.Metrics
	promRegistry *prometheus.Registry

	terminals map[string]*Terminal
	order     []string
	hostState HostState
	mutex     sync.Mutex
}

// NewHost builds a host from a validated configuration. Remote backends are
// dialed lazily; heartbeats begin with Start.
func NewHost(config *HostConfig, logger logging.Logger) (*Host, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	localOptions := config.Local
	localOptions.Metrics = m

	h := &Host{
		config:       config,
		logger:       logger,
		registry:     backend.NewRegistry(),
		local:        localpty.NewBackend(localOptions, logging.WithPrefix(logger, "backend: local , ")),
		tracker:      envcollection.NewTracker(config.Terminals.NotifyDelay, logging.WithPrefix(logger, "environment , ")),
		state:        statefile.NewStateFileManager(config.Host.State, logger),
		metrics:      m,
		promRegistry: promRegistry,
		terminals:    make(map[string]*Terminal),
		hostState:    HostStateNotStarted,
	}
	h.resolver = resolver.New(resolver.Options{
		DefaultCwd: config.Terminals.DefaultCwd,
		Env:        config.Terminals.Env,
	}, logger)

	if err := h.registry.Register(h.local); err != nil {
		return nil, errors.NewInternalError("failed to register local backend", err)
	}

	for _, b := range config.Backends {
		if !b.enabled() {
			logger.Infof("Skipping disabled backend, authority: %s", b.Authority)
			continue
		}
		client, err := remote.Dial(b.Address, b.clientOptions(),
			logging.WithPrefix(logger, fmt.Sprintf("backend: %s , ", b.Authority)))
		if err != nil {
			h.closeBackends()
			return nil, err
		}
		if err := h.registry.Register(client); err != nil {
			_ = client.Close()
			h.closeBackends()
			return nil, err
		}
		h.remotes = append(h.remotes, client)
		logger.Infof("Remote backend added, authority: %s, address: %s", b.Authority, b.Address)
	}

	for _, c := range config.Environment {
		if err := h.tracker.Set(c.ID, c.collection()); err != nil {
			h.closeBackends()
			return nil, errors.NewValidationError("invalid environment contribution", err).WithContext("contributor_id", c.ID)
		}
	}

	return h, nil
}

// AddBackend registers an extra backend, e.g. an in-process pty host.
func (h *Host) AddBackend(b backend.ProcessBackend) error {
	if err := h.registry.Register(b); err != nil {
		return err
	}
	h.logger.Infof("Backend added, authority: %s", backend.DisplayAuthority(b.RemoteAuthority()))
	return nil
}

// Start begins heartbeating remote backends and accepts terminals.
func (h *Host) Start() error {
	h.logger.Infof("Starting terminal host...")

	for _, client := range h.remotes {
		if err := client.Start(); err != nil {
			return errors.NewInternalError("failed to start backend heartbeat", err).
				WithContext("authority", client.RemoteAuthority())
		}
	}

	h.setHostState(HostStateRunning)
	h.logger.Infof("Terminal host started, backends: %v", h.registry.Authorities())
	return nil
}

// Environment is the tracker extensions contribute environment changes to.
func (h *Host) Environment() *envcollection.Tracker {
	return h.tracker
}

// MetricsHandler serves the host's prometheus registry.
func (h *Host) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.promRegistry, promhttp.HandlerOpts{Registry: h.promRegistry})
}

// Gatherer exposes the collected metrics.
func (h *Host) Gatherer() prometheus.Gatherer {
	return h.promRegistry
}

// StateFiles resolves the host's state directory.
func (h *Host) StateFiles() *statefile.StateFileManager {
	return h.state
}

func (h *Host) GetHostState() HostState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.hostState
}

// CreateTerminal creates a process manager and launches its process. A
// non-error status other than started keeps the terminal, so the caller can
// relaunch or dispose it.
func (h *Host) CreateTerminal(ctx context.Context, req CreateTerminalRequest) (*Terminal, processmanager.LaunchStatus, error) {
	if ctx == nil {
		return nil, "", errors.NewValidationError("context cannot be nil", nil)
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := ValidateTerminalID(req.ID); err != nil {
		return nil, "", errors.NewValidationError("invalid terminal ID", err).WithContext("terminal_id", req.ID)
	}
	if req.Cols <= 0 {
		req.Cols = DefaultCols
	}
	if req.Rows <= 0 {
		req.Rows = DefaultRows
	}
	config := h.applyProfile(req.Config)

	terminalLogger := logging.WithPrefix(h.logger, "terminal: "+req.ID+" , ")
	manager, err := processmanagerimpl.NewProcessManager(h.processManagerOptions(req.ID, req.Authority, terminalLogger))
	if err != nil {
		return nil, "", err
	}

	t := &Terminal{
		ID:        req.ID,
		Authority: req.Authority,
		Manager:   manager,
		CreatedAt: time.Now(),
		listeners: event.NewDisposableStore(),
	}
	t.listeners.Add(manager.OnProcessExit(func(code *int) {
		if code != nil {
			terminalLogger.Infof("Terminal process exited, code: %d", *code)
		} else {
			terminalLogger.Infof("Terminal process exited")
		}
	}))

	if err := h.addTerminal(t); err != nil {
		t.listeners.Dispose()
		manager.Dispose(true)
		return nil, "", err
	}

	h.logger.Infof("Creating terminal, id: %s, authority: %s, executable: %s, attach: %t",
		req.ID, backend.DisplayAuthority(req.Authority), config.Executable, config.AttachPersistentProcess != nil)

	status, err := manager.CreateProcess(ctx, config, req.Cols, req.Rows, false)
	if err != nil {
		h.logger.Errorf("Failed to create terminal, id: %s, error: %v", req.ID, err)
		h.removeTerminal(req.ID)
		t.listeners.Dispose()
		manager.Dispose(true)
		return nil, "", err
	}

	h.logger.Infof("Terminal created, id: %s, status: %s", req.ID, status)
	return t, status, nil
}

// Terminal returns the terminal with the given id
func (h *Host) Terminal(id string) (*Terminal, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	t, exists := h.terminals[id]
	if !exists {
		return nil, errors.NewNotFoundError("terminal not found", nil).WithContext("terminal_id", id)
	}
	return t, nil
}

// Terminals lists the terminals in creation order
func (h *Host) Terminals() []TerminalInfo {
	all := h.getAllTerminals()

	result := make([]TerminalInfo, 0, len(all))
	for _, t := range all {
		result = append(result, t.Info())
	}
	return result
}

// Info snapshots the terminal's process manager
func (t *Terminal) Info() TerminalInfo {
	m := t.Manager
	info := TerminalInfo{
		ID:                  t.ID,
		Authority:           t.Authority,
		State:               m.ProcessState(),
		ShouldPersist:       m.ShouldPersist(),
		PersistentProcessID: m.PersistentProcessID(),
		Disconnected:        m.IsDisconnected(),
	}
	if traits := m.ProcessTraits(); traits != nil {
		info.Pid = traits.Pid
		info.Cwd = traits.InitialCwd
		info.Name = traits.Name
	}
	if env := m.EnvironmentInfo(); env != nil {
		info.EnvironmentStale = env.Kind == processmanager.EnvironmentInfoStale
	}
	return info
}

// DisposeTerminal shuts the terminal's process down and forgets the terminal
func (h *Host) DisposeTerminal(id string, immediate bool) error {
	t := h.removeTerminal(id)
	if t == nil {
		return errors.NewNotFoundError("terminal not found", nil).WithContext("terminal_id", id)
	}

	h.logger.Infof("Disposing terminal, id: %s, immediate: %t", id, immediate)
	t.listeners.Dispose()
	t.Manager.Dispose(immediate)
	return nil
}

// SaveLayout persists every terminal whose process can be reattached
func (h *Host) SaveLayout() (*Layout, error) {
	layout := &Layout{
		Version:   layoutVersion,
		SavedAt:   time.Now().UTC(),
		Terminals: make([]LayoutTerminal, 0),
	}

	for _, t := range h.getAllTerminals() {
		m := t.Manager
		processID := m.PersistentProcessID()
		if processID == 0 || m.ProcessState().IsExited() {
			continue
		}

		config := m.LaunchConfig()
		config.AttachPersistentProcess = nil
		dims := m.Dimensions()
		entry := LayoutTerminal{
			ID:        t.ID,
			Authority: t.Authority,
			Config:    config,
			ProcessID: processID,
			Cols:      dims.Cols,
			Rows:      dims.Rows,
		}
		if traits := m.ProcessTraits(); traits != nil {
			entry.Pid = traits.Pid
			entry.Cwd = traits.InitialCwd
			entry.Title = traits.Name
		}
		layout.Terminals = append(layout.Terminals, entry)
	}

	data, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return nil, errors.NewInternalError("failed to encode layout", err)
	}
	if err := h.state.SaveLayout(h.config.Host.LayoutName, data); err != nil {
		return nil, err
	}

	h.logger.Infof("Layout saved, name: %s, terminals: %d", h.config.Host.LayoutName, len(layout.Terminals))
	return layout, nil
}

// LoadLayout reads the saved layout. A missing layout is an empty one.
func (h *Host) LoadLayout() (*Layout, error) {
	data, err := h.state.LoadLayout(h.config.Host.LayoutName)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return &Layout{Version: layoutVersion}, nil
		}
		return nil, err
	}

	var layout Layout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, errors.NewValidationError("malformed layout", err).WithContext("layout", h.config.Host.LayoutName)
	}
	if layout.Version != layoutVersion {
		return nil, errors.NewValidationError(
			fmt.Sprintf("unsupported layout version: %d", layout.Version),
			nil,
		).WithContext("supported_version", layoutVersion)
	}
	return &layout, nil
}

// ReviveLayout recreates the saved terminals, attaching to their processes.
// A process that is gone is replaced by a fresh one with the saved config.
func (h *Host) ReviveLayout(ctx context.Context) ([]*Terminal, error) {
	layout, err := h.LoadLayout()
	if err != nil {
		return nil, err
	}

	revived := make([]*Terminal, 0, len(layout.Terminals))
	errorCollection := errors.NewErrorCollection()
	for _, entry := range layout.Terminals {
		config := entry.Config.Clone()
		if h.attachable(entry) {
			config.AttachPersistentProcess = &terminal.PersistentProcessInfo{
				ID:    entry.ProcessID,
				Pid:   entry.Pid,
				Cwd:   entry.Cwd,
				Title: entry.Title,
			}
		}

		t, status, err := h.CreateTerminal(ctx, CreateTerminalRequest{
			ID:        entry.ID,
			Authority: entry.Authority,
			Config:    config,
			Cols:      entry.Cols,
			Rows:      entry.Rows,
		})
		if err != nil {
			h.logger.Warnf("Failed to revive terminal, id: %s, error: %v", entry.ID, err)
			errorCollection.Add(errors.NewProcessError("failed to revive terminal", err).WithContext("terminal_id", entry.ID))
			continue
		}
		h.logger.Infof("Terminal revived, id: %s, process: %d, status: %s", entry.ID, entry.ProcessID, status)
		revived = append(revived, t)
	}

	return revived, errorCollection.ToError()
}

// attachable skips local processes that are known to be gone
func (h *Host) attachable(entry LayoutTerminal) bool {
	if entry.Authority != backend.LocalAuthority || entry.Pid <= 0 {
		return true
	}
	running, err := process.IsRunning(entry.Pid)
	if err != nil || running {
		return true
	}
	h.logger.Infof("Saved process is gone, starting fresh, id: %s, pid: %d", entry.ID, entry.Pid)
	return false
}

// Shutdown detaches persistent terminals, disposes the rest and closes the backends.
func (h *Host) Shutdown(ctx context.Context) error {
	h.logger.Infof("Stopping terminal host...")
	h.setHostState(HostStateStopping)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, h.config.Host.ForceShutdownTimeout)
	defer cancel()

	errorCollection := errors.NewErrorCollection()
	if h.config.Host.SaveLayoutOnShutdown {
		if _, err := h.SaveLayout(); err != nil {
			h.logger.Errorf("Failed to save layout, error: %v", err)
			errorCollection.Add(err)
		}
	}

	for _, t := range h.getAllTerminals() {
		h.removeTerminal(t.ID)
		t.listeners.Dispose()

		if t.Manager.PersistentProcessID() != 0 {
			if err := t.Manager.DetachFromProcess(ctx, false); err != nil {
				h.logger.Errorf("Failed to detach terminal, id: %s, error: %v", t.ID, err)
				errorCollection.Add(errors.NewProcessError("failed to detach terminal", err).WithContext("terminal_id", t.ID))
			}
		}
		t.Manager.Dispose(false)
	}

	h.closeBackends()
	h.tracker.Dispose()
	h.setHostState(HostStateStopped)

	if errorCollection.HasErrors() {
		h.logger.Errorf("Terminal host stopped with errors: %v", errorCollection.Error())
		return errorCollection.ToError()
	}
	h.logger.Infof("Terminal host stopped")
	return nil
}

func (h *Host) processManagerOptions(id, authority string, logger logging.Logger) processmanager.ProcessManagerOptions {
	tc := h.config.Terminals
	return processmanager.ProcessManagerOptions{
		TerminalID:               id,
		RemoteAuthority:          authority,
		LaunchingTimeout:         tc.LaunchingTimeout,
		SwapTimeout:              tc.SwapTimeout,
		RecordDuration:           tc.RecordDuration,
		AckChunkSize:             tc.AckChunkSize,
		FlowControl:              tc.FlowControl != nil && *tc.FlowControl,
		EnablePersistentSessions: tc.PersistentSessions,
		TaskReconnection:         tc.TaskReconnection,
		UnicodeVersion:           tc.UnicodeVersion,
		LatencyLogDelay:          processmanager.DefaultLatencyLogDelay,
		Backends:                 h.registry,
		Resolver:                 h.resolver,
		Collections:              h.tracker,
		Metrics:                  h.metrics,
		Logger:                   logger,
	}
}

// applyProfile fills a config that names no executable from the default profile
func (h *Host) applyProfile(config terminal.LaunchConfig) terminal.LaunchConfig {
	config = config.Clone()
	if config.Executable != "" {
		return config
	}

	profile := h.config.Terminals.DefaultProfile
	config.Executable = profile.Executable
	if config.Args == nil && profile.Args != nil {
		config.Args = append([]string(nil), profile.Args...)
	}
	if config.Name == "" {
		config.Name = profile.Name
	}
	if config.Cwd == "" {
		config.Cwd = profile.Cwd
	}
	if len(profile.Env) > 0 {
		env := make(map[string]string, len(profile.Env)+len(config.Env))
		for k, v := range profile.Env {
			env[k] = v
		}
		for k, v := range config.Env {
			env[k] = v
		}
		config.Env = env
	}
	config.StrictEnv = config.StrictEnv || profile.StrictEnv
	config.UseShellEnvironment = config.UseShellEnvironment || profile.UseShellEnvironment
	return config
}

func (h *Host) addTerminal(t *Terminal) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.hostState != HostStateRunning {
		return errors.NewValidationError(
			fmt.Sprintf("host must be running to create terminals, current state: %s", h.hostState),
			nil,
		).WithContext("terminal_id", t.ID).WithContext("host_state", string(h.hostState))
	}
	if _, exists := h.terminals[t.ID]; exists {
		return errors.NewConflictError("terminal already exists", nil).WithContext("terminal_id", t.ID)
	}

	h.terminals[t.ID] = t
	h.order = append(h.order, t.ID)
	h.metrics.TerminalOpened()
	return nil
}

func (h *Host) removeTerminal(id string) *Terminal {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	t, exists := h.terminals[id]
	if !exists {
		return nil
	}
	delete(h.terminals, id)
	for i, existing := range h.order {
		if existing == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.metrics.TerminalClosed()
	return t
}

// getAllTerminals returns the terminals in creation order under lock
func (h *Host) getAllTerminals() []*Terminal {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	result := make([]*Terminal, 0, len(h.order))
	for _, id := range h.order {
		result = append(result, h.terminals[id])
	}
	return result
}

func (h *Host) setHostState(state HostState) {
	h.mutex.Lock()
	h.hostState = state
	h.mutex.Unlock()
}

func (h *Host) closeBackends() {
	for _, client := range h.remotes {
		h.registry.Unregister(client.RemoteAuthority())
		if err := client.Close(); err != nil {
			h.logger.Warnf("Failed to close backend, authority: %s, error: %v", client.RemoteAuthority(), err)
		}
	}
	h.remotes = nil
	h.local.Dispose()
}
