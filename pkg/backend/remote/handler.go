package remote

import (
	"context"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/envcollection"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/resolver"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// HostBackend is what a pty host serves. localpty.Backend is one.
type HostBackend interface {
	backend.ProcessBackend
	InstanceID() string
	Processes() []terminal.PersistentProcessInfo
}

// ServerHandler serves a host backend to remote clients. Requests that leave
// cwd and environment to the host are resolved here with the host's resolver.
type ServerHandler struct {
	backend  HostBackend
	resolver *resolver.Resolver
	logger   logging.Logger

	nextHandle atomic.Uint64
	handles    cmap.ConcurrentMap[uint64, *hostedHandle]
}

// hostedHandle is a handle owned by a remote client.
type hostedHandle struct {
	backend.ProcessHandle
	started atomic.Bool
}

var _ ptyHostService = (*ServerHandler)(nil)

func NewServerHandler(hostBackend HostBackend, res *resolver.Resolver, logger logging.Logger) *ServerHandler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if res == nil {
		res = resolver.New(resolver.Options{}, logger)
	}
	return &ServerHandler{
		backend:  hostBackend,
		resolver: res,
		logger:   logger,
		handles: cmap.NewWithCustomShardingFunction[uint64, *hostedHandle](func(key uint64) uint32 {
			return uint32(key)
		}),
	}
}

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler *ServerHandler) {
	grpcServerRegistrar.RegisterService(&serviceDesc, handler)
}

// HandleCount is the number of handles clients currently own.
func (h *ServerHandler) HandleCount() int {
	return h.handles.Count()
}

func (h *ServerHandler) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req invokeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := h.dispatch(ctx, req)
	if err != nil {
		h.logger.Debugf("Invoke failed, method: %s, error: %v", req.Method, err)
	}

	resp, err := responseFor(result, err)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (h *ServerHandler) dispatch(ctx context.Context, req invokeRequest) (interface{}, error) {
	switch req.Method {
	case methodHeartbeat:
		return heartbeatResult{InstanceID: h.backend.InstanceID()}, nil

	case methodCreateProcess:
		var create backend.CreateRequest
		if err := decodeArgs(req.Args, &create); err != nil {
			return nil, err
		}
		h.resolveRequest(ctx, &create)
		handle, err := h.backend.CreateProcess(ctx, create)
		if err != nil {
			return nil, err
		}
		return h.register(handle), nil

	case methodAttachToProcess:
		var args attachArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		handle, err := h.backend.AttachToProcess(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		if handle == nil {
			return handleResult{Found: false}, nil
		}
		return h.register(handle), nil

	case methodListProcesses:
		return processesResult{Processes: h.backend.Processes()}, nil

	case methodShellEnvironment:
		env, err := h.backend.GetShellEnvironment(ctx)
		if err != nil {
			return nil, err
		}
		return shellEnvironmentResult{Env: env}, nil

	case methodRefreshProperty:
		return h.refreshProperty(ctx, req.Args)
	}

	return nil, h.dispatchHandle(ctx, req)
}

// dispatchHandle serves the methods addressed to one process handle.
func (h *ServerHandler) dispatchHandle(ctx context.Context, req invokeRequest) error {
	var target handleArgs
	if err := decodeArgs(req.Args, &target); err != nil {
		return err
	}
	handle, ok := h.handles.Get(target.Handle)
	if !ok {
		return errors.NewNotFoundError("unknown process handle", nil).
			WithContext("handle", target.Handle).
			WithContext("method", req.Method)
	}

	switch req.Method {
	case methodStart:
		handle.started.Store(true)
		return handle.Start(ctx)
	case methodInput, methodProcessBinary:
		var args inputArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return err
		}
		if req.Method == methodProcessBinary {
			return handle.ProcessBinary(binaryString(args.Binary))
		}
		return handle.Input(args.Data)
	case methodResize:
		var args resizeArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return err
		}
		return handle.Resize(args.Cols, args.Rows)
	case methodShutdown:
		var args shutdownArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return err
		}
		if !handle.started.Load() {
			// An unstarted process never reports an exit
			h.handles.Remove(target.Handle)
		}
		return handle.Shutdown(args.Immediate)
	case methodDetach:
		var args detachArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return err
		}
		h.handles.Remove(target.Handle)
		return handle.Detach(args.ForcePersist)
	case methodSendSignal:
		var args signalArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return err
		}
		return handle.SendSignal(args.Signal)
	case methodClearBuffer:
		return handle.ClearBuffer()
	case methodSetUnicodeVersion:
		var args unicodeArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return err
		}
		return handle.SetUnicodeVersion(args.Version)
	case methodAcknowledgeData:
		var args ackArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return err
		}
		return handle.AcknowledgeDataEvent(args.CharCount)
	case methodUpdateProperty:
		var args propertyArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return err
		}
		prop, err := terminal.UnmarshalProperty(args.Property)
		if err != nil {
			return errors.NewValidationError("malformed process property", err)
		}
		return handle.UpdateProperty(ctx, prop)
	}

	return errors.NewUnsupportedError("unknown pty host method", nil).WithContext("method", req.Method)
}

// refreshProperty is the one handle method with a result
func (h *ServerHandler) refreshProperty(ctx context.Context, raw []byte) (interface{}, error) {
	var args refreshArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	handle, ok := h.handles.Get(args.Handle)
	if !ok {
		return nil, errors.NewNotFoundError("unknown process handle", nil).WithContext("handle", args.Handle)
	}
	prop, err := handle.RefreshProperty(ctx, args.Kind)
	if err != nil {
		return nil, err
	}
	encoded, err := terminal.MarshalProperty(prop)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode process property", err)
	}
	return propertyResult{Property: encoded}, nil
}

func (h *ServerHandler) register(handle backend.ProcessHandle) handleResult {
	key := h.nextHandle.Add(1)
	h.handles.Set(key, &hostedHandle{ProcessHandle: handle})
	handle.OnProcessExit(func(*int) {
		h.handles.Remove(key)
	})

	h.logger.Debugf("Process handle registered, handle: %d, id: %d", key, handle.ID())
	return handleResult{
		Handle:        key,
		ID:            handle.ID(),
		ShouldPersist: handle.ShouldPersist(),
		Found:         true,
	}
}

// resolveRequest fills in cwd and environment when the client left them to the host
func (h *ServerHandler) resolveRequest(ctx context.Context, req *backend.CreateRequest) {
	if req.Env != nil {
		return
	}

	config := req.Config
	config.Cwd = req.Cwd

	var base map[string]string
	if config.UseShellEnvironment {
		env, err := h.backend.GetShellEnvironment(ctx)
		if err != nil {
			h.logger.Warnf("Shell environment unavailable, using inherited, error: %v", err)
		} else {
			base = env
		}
	}

	var merged *envcollection.Merged
	if snapshot := req.Options.EnvironmentCollection; snapshot != nil && !config.StrictEnv {
		merged = snapshot.Merged()
	}

	req.Cwd = h.resolver.ResolveCwd(config)
	req.Env = h.resolver.ResolveEnvironment(config, base, merged)
	req.Options.EnvironmentCollection = nil
}

func (h *ServerHandler) Events(in *structpb.Struct, stream grpc.ServerStream) error {
	var args handleArgs
	if err := fromStruct(in, &args); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	handle, ok := h.handles.Get(args.Handle)
	if !ok {
		return status.Error(codes.NotFound, "unknown process handle")
	}

	sender := newEventSender(stream)
	listeners := event.NewDisposableStore()
	defer listeners.Dispose()
	defer sender.close()

	listeners.Add(handle.OnProcessReady(func(e terminal.ReadyEvent) {
		sender.send(eventMessage{Type: eventReady, Ready: &e})
	}))
	listeners.Add(handle.OnProcessData(func(data string) {
		sender.send(eventMessage{Type: eventData, Data: data})
	}))
	listeners.Add(handle.OnDidChangeProperty(func(prop terminal.ProcessProperty) {
		encoded, err := terminal.MarshalProperty(prop)
		if err != nil {
			h.logger.Warnf("Dropping unencodable property, handle: %d, error: %v", args.Handle, err)
			return
		}
		sender.send(eventMessage{Type: eventProperty, Property: encoded})
	}))
	listeners.Add(handle.OnProcessExit(func(code *int) {
		sender.send(eventMessage{Type: eventExit, Code: code})
		sender.finish()
	}))

	// Acknowledged before the client starts the process, so no event is missed
	if err := sender.send(eventMessage{Type: eventSubscribed}); err != nil {
		return err
	}

	select {
	case <-sender.done:
		return nil
	case <-stream.Context().Done():
		h.logger.Debugf("Event stream closed by client, handle: %d", args.Handle)
		return nil
	}
}

// eventSender serializes sends on one stream and stops them once the handler returns.
type eventSender struct {
	mutex    sync.Mutex
	stream   grpc.ServerStream
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func newEventSender(stream grpc.ServerStream) *eventSender {
	return &eventSender{
		stream: stream,
		done:   make(chan struct{}),
	}
}

func (s *eventSender) send(msg eventMessage) error {
	out, err := toStruct(msg)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return errors.NewDisposedError("event stream closed", nil)
	}
	if err := s.stream.SendMsg(out); err != nil {
		s.finish()
		return errors.NewNetworkError("failed to send process event", err)
	}
	return nil
}

func (s *eventSender) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *eventSender) close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
}

// binaryString maps each byte to one character, the form ProcessBinary expects.
func binaryString(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
