package remote

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// remoteHandle forwards handle calls to the host and replays the host's
// event stream on local emitters.
type remoteHandle struct {
	backend       *Backend
	key           uint64
	id            int
	shouldPersist bool

	ready    *event.Emitter[terminal.ReadyEvent]
	exit     *event.Emitter[*int]
	data     *event.Emitter[string]
	property *event.Emitter[terminal.ProcessProperty]

	started atomic.Bool
	exited  atomic.Bool

	mutex        sync.Mutex
	cancelStream context.CancelFunc
}

var _ backend.ProcessHandle = (*remoteHandle)(nil)

func newRemoteHandle(b *Backend, result handleResult) *remoteHandle {
	return &remoteHandle{
		backend:       b,
		key:           result.Handle,
		id:            result.ID,
		shouldPersist: result.ShouldPersist,
		ready:         event.NewEmitter[terminal.ReadyEvent](),
		exit:          event.NewEmitter[*int](),
		data:          event.NewEmitter[string](),
		property:      event.NewEmitter[terminal.ProcessProperty](),
	}
}

func (h *remoteHandle) ID() int {
	return h.id
}

func (h *remoteHandle) ShouldPersist() bool {
	return h.shouldPersist
}

func (h *remoteHandle) OnProcessReady(listener func(terminal.ReadyEvent)) event.Disposable {
	return h.ready.Subscribe(listener)
}

func (h *remoteHandle) OnProcessExit(listener func(code *int)) event.Disposable {
	return h.exit.Subscribe(listener)
}

func (h *remoteHandle) OnProcessData(listener func(data string)) event.Disposable {
	return h.data.Subscribe(listener)
}

func (h *remoteHandle) OnDidChangeProperty(listener func(terminal.ProcessProperty)) event.Disposable {
	return h.property.Subscribe(listener)
}

// Start subscribes to the host's events before starting the process there.
func (h *remoteHandle) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.NewConflictError("handle already started", nil).WithContext("id", h.id)
	}
	if err := h.subscribe(); err != nil {
		return err
	}
	if err := h.backend.invoke(ctx, methodStart, handleArgs{Handle: h.key}, nil); err != nil {
		h.closeStream()
		return err
	}
	return nil
}

func (h *remoteHandle) subscribe() error {
	ctx, cancel := context.WithCancel(h.backend.ctx)
	stream, err := h.backend.conn.NewStream(ctx, &serviceDesc.Streams[0], eventsMethod)
	if err != nil {
		cancel()
		return h.backend.transportError(methodStart, err)
	}

	in, err := toStruct(handleArgs{Handle: h.key})
	if err != nil {
		cancel()
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		cancel()
		return h.backend.transportError(methodStart, err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return h.backend.transportError(methodStart, err)
	}

	first := new(structpb.Struct)
	if err := stream.RecvMsg(first); err != nil {
		cancel()
		return h.backend.transportError(methodStart, err)
	}
	var msg eventMessage
	if err := fromStruct(first, &msg); err != nil || msg.Type != eventSubscribed {
		cancel()
		return errors.NewValidationError("unexpected first process event", err).WithContext("id", h.id)
	}

	h.mutex.Lock()
	h.cancelStream = cancel
	h.mutex.Unlock()

	go h.receive(stream.RecvMsg, cancel)
	return nil
}

func (h *remoteHandle) receive(recv func(m interface{}) error, cancel context.CancelFunc) {
	defer cancel()

	for {
		in := new(structpb.Struct)
		if err := recv(in); err != nil {
			if err != io.EOF && !h.exited.Load() && h.backend.ctx.Err() == nil {
				h.backend.logger.Debugf("Process event stream ended, id: %d, error: %v", h.id, err)
			}
			return
		}

		var msg eventMessage
		if err := fromStruct(in, &msg); err != nil {
			h.backend.logger.Warnf("Dropping malformed process event, id: %d, error: %v", h.id, err)
			continue
		}

		switch msg.Type {
		case eventReady:
			if msg.Ready != nil {
				h.ready.Fire(*msg.Ready)
			}
		case eventData:
			h.data.Fire(msg.Data)
		case eventProperty:
			prop, err := terminal.UnmarshalProperty(msg.Property)
			if err != nil {
				h.backend.logger.Warnf("Dropping malformed process property, id: %d, error: %v", h.id, err)
				continue
			}
			h.property.Fire(prop)
		case eventExit:
			h.exited.Store(true)
			h.exit.Fire(msg.Code)
			return
		}
	}
}

func (h *remoteHandle) closeStream() {
	h.mutex.Lock()
	cancel := h.cancelStream
	h.cancelStream = nil
	h.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (h *remoteHandle) Input(data string) error {
	return h.backend.call(methodInput, inputArgs{Handle: h.key, Data: data}, nil)
}

func (h *remoteHandle) ProcessBinary(data string) error {
	b := make([]byte, 0, len(data))
	for _, r := range data {
		b = append(b, byte(r))
	}
	return h.backend.call(methodProcessBinary, inputArgs{Handle: h.key, Binary: b}, nil)
}

func (h *remoteHandle) Resize(cols, rows int) error {
	return h.backend.call(methodResize, resizeArgs{Handle: h.key, Cols: cols, Rows: rows}, nil)
}

// Shutdown leaves the stream open so the exit still arrives.
func (h *remoteHandle) Shutdown(immediate bool) error {
	return h.backend.call(methodShutdown, shutdownArgs{Handle: h.key, Immediate: immediate}, nil)
}

func (h *remoteHandle) Detach(forcePersist bool) error {
	defer h.closeStream()
	return h.backend.call(methodDetach, detachArgs{Handle: h.key, ForcePersist: forcePersist}, nil)
}

func (h *remoteHandle) SendSignal(signal string) error {
	return h.backend.call(methodSendSignal, signalArgs{Handle: h.key, Signal: signal}, nil)
}

func (h *remoteHandle) ClearBuffer() error {
	return h.backend.call(methodClearBuffer, handleArgs{Handle: h.key}, nil)
}

func (h *remoteHandle) SetUnicodeVersion(version string) error {
	return h.backend.call(methodSetUnicodeVersion, unicodeArgs{Handle: h.key, Version: version}, nil)
}

func (h *remoteHandle) AcknowledgeDataEvent(charCount int) error {
	return h.backend.call(methodAcknowledgeData, ackArgs{Handle: h.key, CharCount: charCount}, nil)
}

func (h *remoteHandle) RefreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error) {
	var result propertyResult
	if err := h.backend.invoke(ctx, methodRefreshProperty, refreshArgs{Handle: h.key, Kind: kind}, &result); err != nil {
		return nil, err
	}
	prop, err := terminal.UnmarshalProperty(result.Property)
	if err != nil {
		return nil, errors.NewValidationError("malformed process property", err).WithContext("kind", kind)
	}
	return prop, nil
}

func (h *remoteHandle) UpdateProperty(ctx context.Context, prop terminal.ProcessProperty) error {
	if prop == nil {
		return errors.NewValidationError("property is required", nil)
	}
	encoded, err := terminal.MarshalProperty(prop)
	if err != nil {
		return errors.NewValidationError("unencodable process property", err)
	}
	return h.backend.invoke(ctx, methodUpdateProperty, propertyArgs{Handle: h.key, Property: encoded}, nil)
}
