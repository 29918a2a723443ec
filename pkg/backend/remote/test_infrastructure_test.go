package remote

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/monitoring"
	"github.com/core-tools/hsu-terminal/pkg/resolver"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// ===== TEST INFRASTRUCTURE =====

const (
	testAuthority = "ssh-remote+box"
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

// fakeHostHandle echoes input as output and exits on shutdown
type fakeHostHandle struct {
	id      int
	persist bool
	req     backend.CreateRequest

	ready    *event.Emitter[terminal.ReadyEvent]
	exit     *event.Emitter[*int]
	data     *event.Emitter[string]
	property *event.Emitter[terminal.ProcessProperty]

	mutex      sync.Mutex
	startErr   error
	inputs     []string
	binary     []string
	resizes    []terminal.Dimensions
	acks       []int
	signals    []string
	updates    []terminal.ProcessProperty
	detached   []bool
	shutdowns  []bool
	unicode    string
	cleared    int
	exitedOnce sync.Once
}

func newFakeHostHandle(id int, req backend.CreateRequest) *fakeHostHandle {
	return &fakeHostHandle{
		id:       id,
		persist:  req.ShouldPersist,
		req:      req,
		ready:    event.NewEmitter[terminal.ReadyEvent](),
		exit:     event.NewEmitter[*int](),
		data:     event.NewEmitter[string](),
		property: event.NewEmitter[terminal.ProcessProperty](),
	}
}

func (h *fakeHostHandle) ID() int             { return h.id }
func (h *fakeHostHandle) ShouldPersist() bool { return h.persist }

func (h *fakeHostHandle) OnProcessReady(listener func(terminal.ReadyEvent)) event.Disposable {
	return h.ready.Subscribe(listener)
}

func (h *fakeHostHandle) OnProcessExit(listener func(code *int)) event.Disposable {
	return h.exit.Subscribe(listener)
}

func (h *fakeHostHandle) OnProcessData(listener func(data string)) event.Disposable {
	return h.data.Subscribe(listener)
}

func (h *fakeHostHandle) OnDidChangeProperty(listener func(terminal.ProcessProperty)) event.Disposable {
	return h.property.Subscribe(listener)
}

func (h *fakeHostHandle) Start(ctx context.Context) error {
	h.mutex.Lock()
	err := h.startErr
	h.mutex.Unlock()
	if err != nil {
		return err
	}

	h.ready.Fire(terminal.ReadyEvent{Pid: 4000 + h.id, Cwd: h.req.Cwd, Name: "sh"})
	h.property.Fire(terminal.TitleProperty{Title: "sh", Source: "process"})
	return nil
}

func (h *fakeHostHandle) Input(data string) error {
	h.mutex.Lock()
	h.inputs = append(h.inputs, data)
	h.mutex.Unlock()
	h.data.Fire(data)
	return nil
}

func (h *fakeHostHandle) ProcessBinary(data string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.binary = append(h.binary, data)
	return nil
}

func (h *fakeHostHandle) Resize(cols, rows int) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.resizes = append(h.resizes, terminal.Dimensions{Cols: cols, Rows: rows})
	return nil
}

func (h *fakeHostHandle) Shutdown(immediate bool) error {
	h.mutex.Lock()
	h.shutdowns = append(h.shutdowns, immediate)
	h.mutex.Unlock()
	h.fireExit(0)
	return nil
}

func (h *fakeHostHandle) fireExit(code int) {
	h.exitedOnce.Do(func() { h.exit.Fire(&code) })
}

func (h *fakeHostHandle) Detach(forcePersist bool) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.detached = append(h.detached, forcePersist)
	return nil
}

func (h *fakeHostHandle) SendSignal(signal string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.signals = append(h.signals, signal)
	return nil
}

func (h *fakeHostHandle) ClearBuffer() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.cleared++
	return nil
}

func (h *fakeHostHandle) SetUnicodeVersion(version string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.unicode = version
	return nil
}

func (h *fakeHostHandle) AcknowledgeDataEvent(charCount int) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.acks = append(h.acks, charCount)
	return nil
}

func (h *fakeHostHandle) RefreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error) {
	return terminal.CwdProperty{Cwd: h.req.Cwd}, nil
}

func (h *fakeHostHandle) UpdateProperty(ctx context.Context, prop terminal.ProcessProperty) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.updates = append(h.updates, prop)
	return nil
}

func (h *fakeHostHandle) snapshotInputs() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]string(nil), h.inputs...)
}

// fakeHost is a HostBackend holding fake handles
type fakeHost struct {
	mutex      sync.Mutex
	instanceID string
	shellEnv   map[string]string
	createErr  error
	startErr   error
	requests   []backend.CreateRequest
	handles    []*fakeHostHandle
	persistent []terminal.PersistentProcessInfo
}

var _ HostBackend = (*fakeHost)(nil)

func newFakeHost() *fakeHost {
	return &fakeHost{
		instanceID: "instance-1",
		shellEnv:   map[string]string{"PATH": "/usr/bin", "SHELL": "/bin/sh"},
	}
}

func (f *fakeHost) InstanceID() string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.instanceID
}

func (f *fakeHost) setInstanceID(id string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.instanceID = id
}

func (f *fakeHost) Processes() []terminal.PersistentProcessInfo {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.persistent
}

func (f *fakeHost) RemoteAuthority() string { return backend.LocalAuthority }

func (f *fakeHost) CreateProcess(ctx context.Context, req backend.CreateRequest) (backend.ProcessHandle, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}
	f.requests = append(f.requests, req)
	h := newFakeHostHandle(len(f.handles)+1, req)
	h.startErr = f.startErr
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeHost) AttachToProcess(ctx context.Context, id int) (backend.ProcessHandle, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for _, h := range f.handles {
		if h.id == id && h.persist {
			return h, nil
		}
	}
	return nil, nil
}

func (f *fakeHost) GetShellEnvironment(ctx context.Context) (map[string]string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.shellEnv, nil
}

func (f *fakeHost) GetLatency(ctx context.Context) ([]terminal.LatencyInfo, error) {
	return nil, nil
}

// The host never observes itself, so these never fire
func (f *fakeHost) OnPtyHostUnresponsive(listener func()) event.Disposable {
	return event.ToDisposable(func() {})
}

func (f *fakeHost) OnPtyHostResponsive(listener func()) event.Disposable {
	return event.ToDisposable(func() {})
}

func (f *fakeHost) OnPtyHostRestart(listener func()) event.Disposable {
	return event.ToDisposable(func() {})
}

func (f *fakeHost) set(fn func(f *fakeHost)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	fn(f)
}

func (f *fakeHost) request(i int) backend.CreateRequest {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.requests[i]
}

func (f *fakeHost) handle(i int) *fakeHostHandle {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.handles[i]
}

func (f *fakeHost) handleCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.handles)
}

// testHost is a pty host served over an in-memory connection
type testHost struct {
	host    *fakeHost
	handler *ServerHandler
	client  *Backend
	// failCalls makes the next n unary calls fail at the transport
	failCalls atomic.Int32
	// unreachable fails every unary call while set
	unreachable atomic.Bool
}

func newTestHost(t *testing.T, res *resolver.Resolver, configure func(o *ClientOptions)) *testHost {
	t.Helper()

	th := &testHost{host: newFakeHost()}
	th.handler = NewServerHandler(th.host, res, logging.NewNopLogger())

	server := grpc.NewServer(grpc.UnaryInterceptor(th.intercept))
	RegisterGRPCServerHandler(server, th.handler)

	listener := bufconn.Listen(1 << 20)
	go func() {
		_ = server.Serve(listener)
	}()

	options := ClientOptions{
		Authority: testAuthority,
		Heartbeat: monitoring.HeartbeatConfig{
			Interval:          time.Hour,
			Timeout:           time.Second,
			UnresponsiveAfter: 2,
		},
		EnvironmentRetry: RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxRetries:      3,
		},
	}
	if configure != nil {
		configure(&options)
	}

	client, err := Dial("bufnet", options, logging.NewNopLogger(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}))
	require.NoError(t, err)
	th.client = client

	t.Cleanup(func() {
		_ = client.Close()
		server.Stop()
	})
	return th
}

func (th *testHost) intercept(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if th.unreachable.Load() {
		return nil, status.Error(codes.Unavailable, "pty host unreachable")
	}
	for {
		n := th.failCalls.Load()
		if n <= 0 {
			break
		}
		if th.failCalls.CompareAndSwap(n, n-1) {
			return nil, status.Error(codes.Unavailable, "transient failure")
		}
	}
	return handler(ctx, req)
}

func (th *testHost) create(t *testing.T, req backend.CreateRequest) (backend.ProcessHandle, *handleEvents) {
	t.Helper()
	h, err := th.client.CreateProcess(context.Background(), req)
	require.NoError(t, err)
	events := collectEvents(h)
	require.NoError(t, h.Start(context.Background()))
	return h, events
}

func shellRequest() backend.CreateRequest {
	return backend.CreateRequest{
		Config: terminal.LaunchConfig{Executable: "/bin/sh"},
		Cwd:    "/work",
		Cols:   80,
		Rows:   24,
		Env:    map[string]string{"PATH": "/usr/bin"},
	}
}

// handleEvents records what a client-side handle emits
type handleEvents struct {
	mutex sync.Mutex
	ready []terminal.ReadyEvent
	data  []string
	props []terminal.ProcessProperty
	exits []*int
}

func collectEvents(h backend.ProcessHandle) *handleEvents {
	e := &handleEvents{}
	h.OnProcessReady(func(r terminal.ReadyEvent) {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.ready = append(e.ready, r)
	})
	h.OnProcessData(func(data string) {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.data = append(e.data, data)
	})
	h.OnDidChangeProperty(func(p terminal.ProcessProperty) {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.props = append(e.props, p)
	})
	h.OnProcessExit(func(code *int) {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.exits = append(e.exits, code)
	})
	return e
}

func (e *handleEvents) readyCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.ready)
}

func (e *handleEvents) readySnapshot() []terminal.ReadyEvent {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]terminal.ReadyEvent(nil), e.ready...)
}

func (e *handleEvents) dataSnapshot() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]string(nil), e.data...)
}

func (e *handleEvents) propsSnapshot() []terminal.ProcessProperty {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]terminal.ProcessProperty(nil), e.props...)
}

func (e *handleEvents) exitSnapshot() []*int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]*int(nil), e.exits...)
}
