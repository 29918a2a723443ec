package termhost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

const (
	fakeAuthority = "fake-remote"
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

// ===== FAKE PROCESS HANDLE =====

type fakeHandle struct {
	id      int
	persist bool
	cwd     string

	ready    *event.Emitter[terminal.ReadyEvent]
	exit     *event.Emitter[*int]
	data     *event.Emitter[string]
	property *event.Emitter[terminal.ProcessProperty]

	mutex     sync.Mutex
	inputs    []string
	shutdowns []bool
	detached  []bool
	exited    bool
}

func newFakeHandle(id int, persist bool, cwd string) *fakeHandle {
	return &fakeHandle{
		id:       id,
		persist:  persist,
		cwd:      cwd,
		ready:    event.NewEmitter[terminal.ReadyEvent](),
		exit:     event.NewEmitter[*int](),
		data:     event.NewEmitter[string](),
		property: event.NewEmitter[terminal.ProcessProperty](),
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
	h.ready.Fire(terminal.ReadyEvent{Pid: 7000 + h.id, Cwd: h.cwd, Name: "sh"})
	return nil
}

func (h *fakeHandle) Input(data string) error {
	h.mutex.Lock()
	h.inputs = append(h.inputs, data)
	h.mutex.Unlock()
	h.data.Fire(data)
	return nil
}

func (h *fakeHandle) ProcessBinary(data string) error { return nil }
func (h *fakeHandle) Resize(cols, rows int) error     { return nil }

func (h *fakeHandle) Shutdown(immediate bool) error {
	h.mutex.Lock()
	h.shutdowns = append(h.shutdowns, immediate)
	fire := !h.exited
	h.exited = true
	h.mutex.Unlock()

	if fire {
		code := 0
		h.exit.Fire(&code)
	}
	return nil
}

func (h *fakeHandle) Detach(forcePersist bool) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.detached = append(h.detached, forcePersist)
	return nil
}

func (h *fakeHandle) SendSignal(signal string) error          { return nil }
func (h *fakeHandle) ClearBuffer() error                      { return nil }
func (h *fakeHandle) SetUnicodeVersion(version string) error  { return nil }
func (h *fakeHandle) AcknowledgeDataEvent(charCount int) error { return nil }

func (h *fakeHandle) RefreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error) {
	return terminal.CwdProperty{Cwd: h.cwd}, nil
}

func (h *fakeHandle) UpdateProperty(ctx context.Context, prop terminal.ProcessProperty) error {
	return nil
}

func (h *fakeHandle) snapshotShutdowns() []bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]bool(nil), h.shutdowns...)
}

func (h *fakeHandle) snapshotDetached() []bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]bool(nil), h.detached...)
}

// ===== FAKE BACKEND =====

type fakeBackend struct {
	authority string

	mutex    sync.Mutex
	nextID   int
	created  []*fakeHandle
	requests []backend.CreateRequest
	// live are the processes AttachToProcess can find
	live     map[int]*fakeHandle
	attached []int
}

var _ backend.ProcessBackend = (*fakeBackend)(nil)

func newFakeBackend(authority string) *fakeBackend {
	return &fakeBackend{
		authority: authority,
		live:      make(map[int]*fakeHandle),
	}
}

func (b *fakeBackend) RemoteAuthority() string { return b.authority }

func (b *fakeBackend) CreateProcess(ctx context.Context, req backend.CreateRequest) (backend.ProcessHandle, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	h := newFakeHandle(b.nextID, req.ShouldPersist, req.Cwd)
	b.created = append(b.created, h)
	b.requests = append(b.requests, req)
	if req.ShouldPersist {
		b.live[h.id] = h
	}
	return h, nil
}

func (b *fakeBackend) AttachToProcess(ctx context.Context, id int) (backend.ProcessHandle, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.attached = append(b.attached, id)
	h, ok := b.live[id]
	if !ok {
		return nil, nil
	}
	return h, nil
}

func (b *fakeBackend) GetShellEnvironment(ctx context.Context) (map[string]string, error) {
	return map[string]string{"PATH": "/usr/bin"}, nil
}

func (b *fakeBackend) GetLatency(ctx context.Context) ([]terminal.LatencyInfo, error) {
	return nil, nil
}

func (b *fakeBackend) OnPtyHostUnresponsive(listener func()) event.Disposable {
	return event.ToDisposable(func() {})
}

func (b *fakeBackend) OnPtyHostResponsive(listener func()) event.Disposable {
	return event.ToDisposable(func() {})
}

func (b *fakeBackend) OnPtyHostRestart(listener func()) event.Disposable {
	return event.ToDisposable(func() {})
}

func (b *fakeBackend) createdCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.created)
}

func (b *fakeBackend) handle(i int) *fakeHandle {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.created[i]
}

func (b *fakeBackend) request(i int) backend.CreateRequest {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.requests[i]
}

func (b *fakeBackend) attachedIDs() []int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]int(nil), b.attached...)
}

// ===== TEST HOST =====

func testConfig(t *testing.T) *HostConfig {
	t.Helper()
	config := DefaultConfig()
	config.Host.State.BaseDirectory = t.TempDir()
	config.Host.ForceShutdownTimeout = 5 * time.Second
	config.Terminals.PersistentSessions = true
	config.Terminals.LaunchingTimeout = time.Hour
	return config
}

func newTestHost(t *testing.T, config *HostConfig, fake *fakeBackend) *Host {
	t.Helper()
	if config == nil {
		config = testConfig(t)
	}
	host, err := NewHost(config, logging.NewNopLogger())
	require.NoError(t, err)
	if fake != nil {
		require.NoError(t, host.AddBackend(fake))
	}
	require.NoError(t, host.Start())
	t.Cleanup(func() {
		if host.GetHostState() != HostStateStopped {
			host.Shutdown(context.Background())
		}
	})
	return host
}

func fakeRequest(id string) CreateTerminalRequest {
	return CreateTerminalRequest{
		ID:        id,
		Authority: fakeAuthority,
		Config:    terminal.LaunchConfig{Executable: "/bin/sh", Cwd: "/work"},
		Cols:      100,
		Rows:      30,
	}
}
