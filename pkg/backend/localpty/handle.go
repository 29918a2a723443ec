package localpty

import (
	"context"
	"sync/atomic"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// ptyHandle is one owner's view of a pty process. Only the current owner
// receives events; a handle replaced by a later attach goes quiet.
type ptyHandle struct {
	process  *ptyProcess
	attached bool
	started  atomic.Bool

	ready    *event.Emitter[terminal.ReadyEvent]
	exit     *event.Emitter[*int]
	data     *event.Emitter[string]
	property *event.Emitter[terminal.ProcessProperty]
}

var _ backend.ProcessHandle = (*ptyHandle)(nil)

func newPtyHandle(p *ptyProcess, attached bool) *ptyHandle {
	return &ptyHandle{
		process:  p,
		attached: attached,
		ready:    event.NewEmitter[terminal.ReadyEvent](),
		exit:     event.NewEmitter[*int](),
		data:     event.NewEmitter[string](),
		property: event.NewEmitter[terminal.ProcessProperty](),
	}
}

func (h *ptyHandle) ID() int {
	return h.process.id
}

func (h *ptyHandle) ShouldPersist() bool {
	return h.process.req.ShouldPersist
}

func (h *ptyHandle) OnProcessReady(listener func(terminal.ReadyEvent)) event.Disposable {
	return h.ready.Subscribe(listener)
}

func (h *ptyHandle) OnProcessExit(listener func(code *int)) event.Disposable {
	return h.exit.Subscribe(listener)
}

func (h *ptyHandle) OnProcessData(listener func(data string)) event.Disposable {
	return h.data.Subscribe(listener)
}

func (h *ptyHandle) OnDidChangeProperty(listener func(terminal.ProcessProperty)) event.Disposable {
	return h.property.Subscribe(listener)
}

func (h *ptyHandle) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.NewConflictError("handle already started", nil).WithContext("id", h.process.id)
	}
	if h.attached {
		return h.process.attach(h)
	}
	return h.process.start(ctx, h)
}

func (h *ptyHandle) Input(data string) error {
	return h.process.write([]byte(data))
}

// ProcessBinary writes data whose characters each carry one byte.
func (h *ptyHandle) ProcessBinary(data string) error {
	b := make([]byte, 0, len(data))
	for _, r := range data {
		b = append(b, byte(r))
	}
	return h.process.write(b)
}

func (h *ptyHandle) Resize(cols, rows int) error {
	return h.process.resize(cols, rows)
}

func (h *ptyHandle) Shutdown(immediate bool) error {
	return h.process.shutdown(immediate)
}

func (h *ptyHandle) Detach(forcePersist bool) error {
	return h.process.detach(h, forcePersist)
}

func (h *ptyHandle) SendSignal(signal string) error {
	return h.process.sendSignal(signal)
}

func (h *ptyHandle) ClearBuffer() error {
	h.process.replay.Clear()
	return nil
}

func (h *ptyHandle) SetUnicodeVersion(version string) error {
	p := h.process
	p.mu.Lock()
	p.unicodeVersion = version
	p.mu.Unlock()
	return nil
}

func (h *ptyHandle) AcknowledgeDataEvent(charCount int) error {
	h.process.acknowledge(h, charCount)
	return nil
}

func (h *ptyHandle) RefreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error) {
	return h.process.refreshProperty(ctx, kind)
}

func (h *ptyHandle) UpdateProperty(ctx context.Context, prop terminal.ProcessProperty) error {
	if prop == nil {
		return errors.NewValidationError("property is required", nil)
	}
	return h.process.updateProperty(prop)
}
