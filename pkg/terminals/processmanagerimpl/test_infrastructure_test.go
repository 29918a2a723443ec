package processmanagerimpl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
	"github.com/core-tools/hsu-terminal/pkg/terminals/processmanager"
)

// ===== TEST INFRASTRUCTURE =====

// MockLogger records log calls for tests that assert on logging
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(level, format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

var _ logging.Logger = (*MockLogger)(nil)

// allowOtherLogs accepts any log call not expected more specifically
func allowOtherLogs(m *MockLogger) {
	m.On("Debugf", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Infof", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Warnf", mock.Anything, mock.Anything).Maybe().Return()
	m.On("Errorf", mock.Anything, mock.Anything).Maybe().Return()
	m.On("LogLevelf", mock.Anything, mock.Anything, mock.Anything).Maybe().Return()
}

// fakeHandle is a scriptable process handle
type fakeHandle struct {
	id      int
	persist bool

	ready    *event.Emitter[terminal.ReadyEvent]
	exit     *event.Emitter[*int]
	data     *event.Emitter[string]
	property *event.Emitter[terminal.ProcessProperty]

	mutex      sync.Mutex
	autoReady  bool
	readyEvent terminal.ReadyEvent
	startErr   error
	resizeErr  error
	inputErr   error
	onStart    func(h *fakeHandle)
	onShutdown func(h *fakeHandle, immediate bool)

	started   int
	inputs    []string
	binary    []string
	resizes   []terminal.Dimensions
	shutdowns []bool
	detaches  []bool
	signals   []string
	acks      []int
	cleared   int
	unicode   []string
	updated   []terminal.ProcessProperty
}

func newFakeHandle(id int) *fakeHandle {
	return &fakeHandle{
		id:         id,
		ready:      event.NewEmitter[terminal.ReadyEvent](),
		exit:       event.NewEmitter[*int](),
		data:       event.NewEmitter[string](),
		property:   event.NewEmitter[terminal.ProcessProperty](),
		readyEvent: terminal.ReadyEvent{Pid: 1000 + id, Cwd: "/home/test", Name: "bash"},
	}
}

func (h *fakeHandle) ID() int             { return h.id }
func (h *fakeHandle) ShouldPersist() bool { return h.persist }

func (h *fakeHandle) OnProcessReady(listener func(terminal.ReadyEvent)) event.Disposable {
	return h.ready.Subscribe(listener)
}

func (h *fakeHandle) OnProcessExit(listener func(code *int)) event.Disposable {
	return h.exit.Subscribe(listener)
}

func (h *fakeHandle) OnProcessData(listener func(data string)) event.Disposable {
	return h.data.Subscribe(listener)
}

func (h *fakeHandle) OnDidChangeProperty(listener func(terminal.ProcessProperty)) event.Disposable {
	return h.property.Subscribe(listener)
}

func (h *fakeHandle) Start(ctx context.Context) error {
	h.mutex.Lock()
	h.started++
	err := h.startErr
	autoReady := h.autoReady
	onStart := h.onStart
	h.mutex.Unlock()

	if onStart != nil {
		onStart(h)
	}
	if err != nil {
		return err
	}
	if autoReady {
		h.fireReady()
	}
	return nil
}

func (h *fakeHandle) fireReady() {
	h.ready.Fire(h.readyEvent)
}

func (h *fakeHandle) fireExit(code int) {
	h.exit.Fire(&code)
}

func (h *fakeHandle) Input(data string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.inputErr != nil {
		return h.inputErr
	}
	h.inputs = append(h.inputs, data)
	return nil
}

func (h *fakeHandle) ProcessBinary(data string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.binary = append(h.binary, data)
	return nil
}

func (h *fakeHandle) Resize(cols, rows int) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.resizeErr != nil {
		return h.resizeErr
	}
	h.resizes = append(h.resizes, terminal.Dimensions{Cols: cols, Rows: rows})
	return nil
}

func (h *fakeHandle) Shutdown(immediate bool) error {
	h.mutex.Lock()
	h.shutdowns = append(h.shutdowns, immediate)
	onShutdown := h.onShutdown
	h.mutex.Unlock()

	if onShutdown != nil {
		onShutdown(h, immediate)
	}
	return nil
}

func (h *fakeHandle) Detach(forcePersist bool) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.detaches = append(h.detaches, forcePersist)
	return nil
}

func (h *fakeHandle) SendSignal(signal string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.signals = append(h.signals, signal)
	return nil
}

func (h *fakeHandle) ClearBuffer() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.cleared++
	return nil
}

func (h *fakeHandle) SetUnicodeVersion(version string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.unicode = append(h.unicode, version)
	return nil
}

func (h *fakeHandle) AcknowledgeDataEvent(charCount int) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.acks = append(h.acks, charCount)
	return nil
}

func (h *fakeHandle) RefreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error) {
	if kind == terminal.PropertyCwd {
		return terminal.CwdProperty{Cwd: h.readyEvent.Cwd}, nil
	}
	return nil, fmt.Errorf("unsupported property %s", kind)
}

func (h *fakeHandle) UpdateProperty(ctx context.Context, prop terminal.ProcessProperty) error {
	h.mutex.Lock()
	h.updated = append(h.updated, prop)
	h.mutex.Unlock()
	h.property.Fire(prop)
	return nil
}

func (h *fakeHandle) snapshotInputs() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]string(nil), h.inputs...)
}

func (h *fakeHandle) snapshotResizes() []terminal.Dimensions {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]terminal.Dimensions(nil), h.resizes...)
}

func (h *fakeHandle) snapshotShutdowns() []bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]bool(nil), h.shutdowns...)
}

func (h *fakeHandle) snapshotAcks() []int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]int(nil), h.acks...)
}

var _ backend.ProcessHandle = (*fakeHandle)(nil)

// fakeBackend hands out fake handles and records requests
type fakeBackend struct {
	authority string

	unresponsive *event.Emitter[struct{}]
	responsive   *event.Emitter[struct{}]
	restart      *event.Emitter[struct{}]

	mutex       sync.Mutex
	nextID      int
	autoReady   bool
	persist     bool
	createErr   error
	shellEnvErr error
	shellEnv    map[string]string
	latency     []terminal.LatencyInfo
	attachable  map[int]*fakeHandle
	handles     []*fakeHandle
	requests    []backend.CreateRequest
	attaches    []int
	onCreate    func(h *fakeHandle)
}

func newFakeBackend(authority string) *fakeBackend {
	return &fakeBackend{
		authority:    authority,
		unresponsive: event.NewEmitter[struct{}](),
		responsive:   event.NewEmitter[struct{}](),
		restart:      event.NewEmitter[struct{}](),
		autoReady:    true,
		attachable:   map[int]*fakeHandle{},
		shellEnv:     map[string]string{"PATH": "/usr/bin"},
		latency:      []terminal.LatencyInfo{{Label: "fake", Latency: time.Millisecond}},
	}
}

func (b *fakeBackend) RemoteAuthority() string { return b.authority }

func (b *fakeBackend) CreateProcess(ctx context.Context, req backend.CreateRequest) (backend.ProcessHandle, error) {
	b.mutex.Lock()
	if b.createErr != nil {
		err := b.createErr
		b.mutex.Unlock()
		return nil, err
	}
	b.nextID++
	h := newFakeHandle(b.nextID)
	h.autoReady = b.autoReady
	h.persist = b.persist && req.ShouldPersist
	b.handles = append(b.handles, h)
	b.requests = append(b.requests, req)
	onCreate := b.onCreate
	b.mutex.Unlock()

	if onCreate != nil {
		onCreate(h)
	}
	return h, nil
}

func (b *fakeBackend) AttachToProcess(ctx context.Context, id int) (backend.ProcessHandle, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.attaches = append(b.attaches, id)
	if h, ok := b.attachable[id]; ok {
		return h, nil
	}
	return nil, nil
}

func (b *fakeBackend) GetShellEnvironment(ctx context.Context) (map[string]string, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.shellEnvErr != nil {
		return nil, b.shellEnvErr
	}
	return b.shellEnv, nil
}

func (b *fakeBackend) GetLatency(ctx context.Context) ([]terminal.LatencyInfo, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.latency, nil
}

func (b *fakeBackend) OnPtyHostUnresponsive(listener func()) event.Disposable {
	return b.unresponsive.Subscribe(func(struct{}) { listener() })
}

func (b *fakeBackend) OnPtyHostResponsive(listener func()) event.Disposable {
	return b.responsive.Subscribe(func(struct{}) { listener() })
}

func (b *fakeBackend) OnPtyHostRestart(listener func()) event.Disposable {
	return b.restart.Subscribe(func(struct{}) { listener() })
}

func (b *fakeBackend) handle(i int) *fakeHandle {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if i >= len(b.handles) {
		return nil
	}
	return b.handles[i]
}

func (b *fakeBackend) handleCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.handles)
}

func (b *fakeBackend) request(i int) backend.CreateRequest {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.requests[i]
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	fn(b)
}

var _ backend.ProcessBackend = (*fakeBackend)(nil)

// recorder collects manager events in delivery order
type recorder struct {
	mutex  sync.Mutex
	events []string
	data   []string
	states []processmanager.ProcessState
	exits  []*int
	props  []terminal.ProcessProperty
	envs   []*processmanager.EnvironmentInfo
}

func newRecorder(pm processmanager.ProcessManager) *recorder {
	r := &recorder{}
	pm.OnProcessReady(func(e terminal.ReadyEvent) { r.add(fmt.Sprintf("ready:%d", e.Pid)) })
	pm.OnProcessExit(func(code *int) {
		r.mutex.Lock()
		r.exits = append(r.exits, code)
		r.mutex.Unlock()
		if code != nil {
			r.add(fmt.Sprintf("exit:%d", *code))
		} else {
			r.add("exit:unknown")
		}
	})
	pm.OnProcessData(func(data string) {
		r.mutex.Lock()
		r.data = append(r.data, data)
		r.mutex.Unlock()
		r.add("data")
	})
	pm.OnProcessStateChange(func(s processmanager.ProcessState) {
		r.mutex.Lock()
		r.states = append(r.states, s)
		r.mutex.Unlock()
		r.add("state:" + string(s))
	})
	pm.OnDidChangeProperty(func(p terminal.ProcessProperty) {
		r.mutex.Lock()
		r.props = append(r.props, p)
		r.mutex.Unlock()
		r.add("property:" + string(p.Kind()))
	})
	pm.OnPtyDisconnect(func() { r.add("disconnect") })
	pm.OnPtyReconnect(func() { r.add("reconnect") })
	pm.OnEnvironmentInfoChange(func(info *processmanager.EnvironmentInfo) {
		r.mutex.Lock()
		r.envs = append(r.envs, info)
		r.mutex.Unlock()
		r.add("env")
	})
	return r
}

func (r *recorder) add(e string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) dataSnapshot() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.data...)
}

func (r *recorder) statesSnapshot() []processmanager.ProcessState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]processmanager.ProcessState(nil), r.states...)
}

func (r *recorder) count(e string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

type testManager struct {
	pm       *processManager
	backends *backend.Registry
	local    *fakeBackend
	events   *recorder
}

func newTestManager(t *testing.T, configure func(o *processmanager.ProcessManagerOptions)) *testManager {
	t.Helper()

	registry := backend.NewRegistry()
	local := newFakeBackend(backend.LocalAuthority)
	require.NoError(t, registry.Register(local))

	options := processmanager.ProcessManagerOptions{
		TerminalID:       "test-terminal",
		LaunchingTimeout: time.Hour,
		SwapTimeout:      time.Hour,
		LatencyLogDelay:  -1,
		Backends:         registry,
		Logger:           logging.NewNopLogger(),
	}
	if configure != nil {
		configure(&options)
	}

	manager, err := NewProcessManager(options)
	require.NoError(t, err)
	pm := manager.(*processManager)
	t.Cleanup(func() { pm.Dispose(true) })

	return &testManager{
		pm:       pm,
		backends: registry,
		local:    local,
		events:   newRecorder(pm),
	}
}

func defaultConfig() terminal.LaunchConfig {
	return terminal.LaunchConfig{Name: "bash", Executable: "/bin/bash"}
}

func (tm *testManager) create(t *testing.T, config terminal.LaunchConfig) {
	t.Helper()
	status, err := tm.pm.CreateProcess(context.Background(), config, 80, 24, false)
	require.NoError(t, err)
	require.Equal(t, processmanager.LaunchStatusStarted, status)
}
