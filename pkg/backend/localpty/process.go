package localpty

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	gops "github.com/shirou/gopsutil/v3/process"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/process"
	"github.com/core-tools/hsu-terminal/pkg/seamless"
	"github.com/core-tools/hsu-terminal/pkg/terminal"
	"github.com/core-tools/hsu-terminal/pkg/timer"
)

type processPhase int

const (
	phaseCreated processPhase = iota
	phaseStarting
	phaseRunning
	phaseExited
)

const readBufferSize = 32 * 1024

// ptyProcess is one shell and its pty. It outlives its handles: a detached
// persistent process keeps running and recording until a new handle attaches.
type ptyProcess struct {
	backend    *Backend
	id         int
	req        backend.CreateRequest
	executable string
	logger     logging.Logger

	// deliverMu serializes delivery to the owner so attach replay and live
	// output never interleave
	deliverMu sync.Mutex

	mu                     sync.Mutex
	cond                   *sync.Cond
	phase                  processPhase
	closed                 bool
	cmd                    *exec.Cmd
	pty                    *os.File
	pid                    int
	owner                  *ptyHandle
	replay                 *seamless.Recorder
	unacked                int
	paused                 bool
	cols                   int
	rows                   int
	title                  string
	cwd                    string
	shellType              string
	unicodeVersion         string
	hasChildren            bool
	overrideDimensions     *terminal.Dimensions
	failedShellIntegration bool
	exitCode               *int

	childCheck *timer.Debouncer
	readDone   chan struct{}
	done       chan struct{}
}

func newPtyProcess(b *Backend, id int, req backend.CreateRequest) *ptyProcess {
	executable := req.Config.Executable
	if executable == "" {
		executable = defaultShell()
	}
	shellType := strings.TrimSuffix(filepath.Base(executable), filepath.Ext(executable))

	p := &ptyProcess{
		backend:        b,
		id:             id,
		req:            req,
		executable:     executable,
		logger:         logging.WithPrefix(b.logger, "pty-"+strconv.Itoa(id)),
		replay:         seamless.NewRecorder(b.options.ReplayBufferBytes),
		cols:           req.Cols,
		rows:           req.Rows,
		title:          shellType,
		cwd:            req.Cwd,
		shellType:      shellType,
		unicodeVersion: req.UnicodeVersion,
		childCheck:     timer.NewDebouncer(b.options.ChildProcessPollDelay),
		readDone:       make(chan struct{}),
		done:           make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *ptyProcess) newHandle(attached bool) *ptyHandle {
	return newPtyHandle(p, attached)
}

func (p *ptyProcess) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == phaseRunning
}

func (p *ptyProcess) persistentInfo() (terminal.PersistentProcessInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != phaseRunning || !p.req.ShouldPersist {
		return terminal.PersistentProcessInfo{}, false
	}
	return terminal.PersistentProcessInfo{ID: p.id, Pid: p.pid, Cwd: p.cwd, Title: p.title}, true
}

func (p *ptyProcess) start(ctx context.Context, h *ptyHandle) error {
	p.mu.Lock()
	if p.phase != phaseCreated {
		p.mu.Unlock()
		return errors.NewConflictError("pty process already started", nil).WithContext("id", p.id)
	}
	p.phase = phaseStarting
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		p.markExited()
		return errors.NewCancelledError("pty process start cancelled", err).WithContext("id", p.id)
	}

	cmd, err := process.NewShellCmd(process.ShellCommand{
		Executable: p.executable,
		Args:       p.req.Config.Args,
		Cwd:        p.req.Cwd,
		Env:        p.req.Env,
	}, strconv.Itoa(p.id), p.logger)
	if err != nil {
		p.markExited()
		return &terminal.LaunchError{Message: err.Error()}
	}

	f, err := startPty(cmd, p.req.Cols, p.req.Rows)
	if err != nil {
		p.markExited()
		p.logger.Errorf("Failed to start shell, executable: %s, error: %v", p.executable, err)
		return &terminal.LaunchError{Message: "failed to start " + p.executable + ": " + err.Error()}
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pty = f
	p.pid = cmd.Process.Pid
	p.phase = phaseRunning
	p.owner = h
	ready := terminal.ReadyEvent{Pid: p.pid, Cwd: p.cwd, Name: p.title}
	p.mu.Unlock()

	p.backend.register(p)
	p.logger.Infof("Shell started, pid: %d, executable: %s, cwd: %s", ready.Pid, p.executable, ready.Cwd)

	p.deliverMu.Lock()
	h.ready.Fire(ready)
	h.property.Fire(terminal.ShellTypeProperty{ShellType: p.shellType})
	h.property.Fire(terminal.TitleProperty{Title: ready.Name, Source: "process"})
	p.deliverMu.Unlock()

	go p.readLoop()
	go p.waitLoop()
	return nil
}

// attach makes h the owner of a running process and replays its buffered
// output to it before any live output.
func (p *ptyProcess) attach(h *ptyHandle) error {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if p.phase != phaseRunning {
		p.mu.Unlock()
		return errors.NewNotFoundError("pty process is no longer running", nil).WithContext("id", p.id)
	}
	p.owner = h
	p.resetFlowControlLocked()
	ready := terminal.ReadyEvent{Pid: p.pid, Cwd: p.cwd, Name: p.title}
	replay := p.replay.Replay()
	title, shellType, cwd := p.title, p.shellType, p.cwd
	p.mu.Unlock()

	p.logger.Infof("Handle attached, pid: %d, replay bytes: %d", ready.Pid, len(replay))

	h.ready.Fire(ready)
	h.property.Fire(terminal.ShellTypeProperty{ShellType: shellType})
	h.property.Fire(terminal.TitleProperty{Title: title, Source: "process"})
	h.property.Fire(terminal.CwdProperty{Cwd: cwd})
	if replay != "" {
		h.data.Fire(replay)
	}
	return nil
}

func (p *ptyProcess) readLoop() {
	defer close(p.readDone)

	buf := make([]byte, readBufferSize)
	var pending []byte

	for {
		if !p.waitForCredit() {
			return
		}

		n, err := p.pty.Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			var complete []byte
			complete, pending = splitIncompleteUTF8(chunk)
			if len(complete) > 0 {
				p.deliverData(string(complete))
			}
			pending = append([]byte(nil), pending...)
		}
		if err != nil {
			if len(pending) > 0 {
				p.deliverData(string(pending))
			}
			return
		}
	}
}

// waitForCredit blocks while flow control has paused the producer. It
// returns false once the process is closing.
func (p *ptyProcess) waitForCredit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.paused && !p.closed {
		p.cond.Wait()
	}
	return !p.closed
}

func (p *ptyProcess) deliverData(data string) {
	p.mu.Lock()
	p.replay.HandleData(data)
	owner := p.owner
	if owner != nil && p.req.Options.FlowControl {
		p.unacked += utf8.RuneCountInString(data)
		if !p.paused && p.unacked > terminal.HighWatermarkChars {
			p.paused = true
			p.backend.options.Metrics.ProducerPaused()
			p.logger.Debugf("Flow control paused, unacknowledged: %d", p.unacked)
		}
	}
	p.mu.Unlock()

	if owner == nil {
		return
	}

	p.deliverMu.Lock()
	owner.data.Fire(data)
	p.deliverMu.Unlock()
}

func (p *ptyProcess) acknowledge(h *ptyHandle, charCount int) {
	if charCount <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owner != h {
		return
	}
	p.unacked -= charCount
	if p.unacked < 0 {
		p.unacked = 0
	}
	if p.paused && p.unacked < terminal.LowWatermarkChars {
		p.paused = false
		p.backend.options.Metrics.ProducerResumed()
		p.cond.Broadcast()
		p.logger.Debugf("Flow control resumed, unacknowledged: %d", p.unacked)
	}
}

func (p *ptyProcess) resetFlowControlLocked() {
	p.unacked = 0
	if p.paused {
		p.paused = false
		p.backend.options.Metrics.ProducerResumed()
		p.cond.Broadcast()
	}
}

func (p *ptyProcess) waitLoop() {
	waitErr := p.cmd.Wait()
	code := exitCodeOf(p.cmd.ProcessState)

	t := time.NewTimer(p.backend.options.ExitFlushTimeout)
	select {
	case <-p.readDone:
	case <-t.C:
	}
	t.Stop()

	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	_ = p.pty.Close()
	<-p.readDone

	p.mu.Lock()
	p.phase = phaseExited
	p.exitCode = code
	owner := p.owner
	p.resetFlowControlLocked()
	p.mu.Unlock()

	p.childCheck.Dispose()
	p.backend.unregister(p)
	p.replay.Release()

	if code != nil {
		p.logger.Infof("Shell exited, pid: %d, code: %d", p.pid, *code)
	} else {
		p.logger.Infof("Shell exited, pid: %d, error: %v", p.pid, waitErr)
	}

	p.deliverMu.Lock()
	if owner != nil {
		owner.exit.Fire(code)
	}
	p.deliverMu.Unlock()

	close(p.done)
}

func (p *ptyProcess) markExited() {
	p.mu.Lock()
	p.phase = phaseExited
	p.mu.Unlock()
	p.replay.Release()
}

func (p *ptyProcess) shutdown(immediate bool) error {
	p.mu.Lock()
	phase := p.phase
	pid := p.pid
	if phase == phaseCreated {
		p.phase = phaseExited
	}
	p.mu.Unlock()

	if phase != phaseRunning {
		return nil
	}

	grace := p.backend.options.ShutdownGrace
	if immediate {
		grace = 0
	}
	p.logger.Debugf("Shutting down shell, pid: %d, immediate: %t", pid, immediate)

	go func() {
		if err := process.Terminate(pid, p.done, grace); err != nil {
			p.logger.Warnf("Failed to terminate shell, pid: %d, error: %v", pid, err)
		}
	}()
	return nil
}

func (p *ptyProcess) detach(h *ptyHandle, forcePersist bool) error {
	p.mu.Lock()
	if p.owner == h {
		p.owner = nil
		p.resetFlowControlLocked()
	}
	persist := p.req.ShouldPersist || forcePersist
	p.mu.Unlock()

	if persist {
		p.logger.Debugf("Handle detached, process keeps running")
		return nil
	}
	return p.shutdown(false)
}

// livePty returns the pty of a running process, or a broken-pipe error.
func (p *ptyProcess) livePty() (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != phaseRunning || p.closed {
		return nil, errors.NewBrokenPipeError("pty process is not running", nil).WithContext("id", p.id)
	}
	return p.pty, nil
}

func (p *ptyProcess) write(data []byte) error {
	f, err := p.livePty()
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		if errors.IsBrokenPipe(err) {
			return errors.NewBrokenPipeError("pty write failed", err).WithContext("id", p.id)
		}
		return errors.NewIOError("pty write failed", err).WithContext("id", p.id)
	}

	p.childCheck.Trigger(p.checkChildProcesses)
	return nil
}

func (p *ptyProcess) resize(cols, rows int) error {
	if err := process.ValidateDimensions(cols, rows); err != nil {
		return err
	}

	f, err := p.livePty()
	if err != nil {
		return err
	}

	if err := setPtySize(f, cols, rows); err != nil {
		if errors.IsBrokenPipe(err) {
			return errors.NewBrokenPipeError("pty resize failed", err).WithContext("id", p.id)
		}
		return errors.NewIOError("pty resize failed", err).WithContext("id", p.id)
	}

	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	return nil
}

func (p *ptyProcess) sendSignal(name string) error {
	sig, err := process.SignalByName(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	running := p.phase == phaseRunning
	cmd := p.cmd
	p.mu.Unlock()

	if !running {
		return errors.NewBrokenPipeError("pty process is not running", nil).WithContext("id", p.id)
	}
	if err := cmd.Process.Signal(sig); err != nil {
		return errors.NewProcessError("failed to send signal", err).WithContext("signal", name)
	}
	return nil
}

func (p *ptyProcess) checkChildProcesses() {
	p.mu.Lock()
	pid := p.pid
	running := p.phase == phaseRunning
	p.mu.Unlock()

	if !running {
		return
	}

	has := hasChildProcesses(context.Background(), pid)

	p.mu.Lock()
	changed := has != p.hasChildren
	p.hasChildren = has
	owner := p.owner
	p.mu.Unlock()

	if changed && owner != nil {
		p.deliverMu.Lock()
		owner.property.Fire(terminal.HasChildProcessesProperty{HasChildProcesses: has})
		p.deliverMu.Unlock()
	}
}

func (p *ptyProcess) refreshProperty(ctx context.Context, kind terminal.PropertyKind) (terminal.ProcessProperty, error) {
	p.mu.Lock()
	running := p.phase == phaseRunning
	pid := p.pid
	f := p.pty
	p.mu.Unlock()

	switch kind {
	case terminal.PropertyInitialCwd:
		return terminal.InitialCwdProperty{Cwd: p.req.Cwd}, nil
	case terminal.PropertyShellType:
		return terminal.ShellTypeProperty{ShellType: p.shellType}, nil
	case terminal.PropertyOverrideDimensions:
		p.mu.Lock()
		defer p.mu.Unlock()
		return terminal.OverrideDimensionsProperty{Dimensions: p.overrideDimensions}, nil
	case terminal.PropertyFailedShellIntegrationActivation:
		p.mu.Lock()
		defer p.mu.Unlock()
		return terminal.FailedShellIntegrationActivationProperty{Failed: p.failedShellIntegration}, nil
	case terminal.PropertyResolvedShellLaunchConfig:
		return terminal.ResolvedShellLaunchConfigProperty{Config: p.req.Config.Clone()}, nil
	}

	if !running {
		return nil, errors.NewNotReadyError("pty process is not running", nil).WithContext("property", string(kind))
	}

	switch kind {
	case terminal.PropertyCwd:
		cwd := p.currentCwd(ctx, pid)
		return terminal.CwdProperty{Cwd: cwd}, nil
	case terminal.PropertyTitle:
		title := p.foregroundTitle(ctx, f)
		return terminal.TitleProperty{Title: title, Source: "process"}, nil
	case terminal.PropertyHasChildProcesses:
		has := hasChildProcesses(ctx, pid)
		p.mu.Lock()
		p.hasChildren = has
		p.mu.Unlock()
		return terminal.HasChildProcessesProperty{HasChildProcesses: has}, nil
	}

	return nil, errors.NewUnsupportedError("property cannot be refreshed", nil).WithContext("property", string(kind))
}

func (p *ptyProcess) updateProperty(prop terminal.ProcessProperty) error {
	p.mu.Lock()
	switch v := prop.(type) {
	case terminal.OverrideDimensionsProperty:
		p.overrideDimensions = v.Dimensions
	case terminal.FailedShellIntegrationActivationProperty:
		p.failedShellIntegration = v.Failed
	case terminal.TitleProperty:
		p.title = v.Title
	default:
		p.mu.Unlock()
		return errors.NewUnsupportedError("property cannot be updated", nil).WithContext("property", string(prop.Kind()))
	}
	owner := p.owner
	p.mu.Unlock()

	if owner != nil {
		p.deliverMu.Lock()
		owner.property.Fire(prop)
		p.deliverMu.Unlock()
	}
	return nil
}

func (p *ptyProcess) currentCwd(ctx context.Context, pid int) string {
	proc, err := gops.NewProcessWithContext(ctx, int32(pid))
	if err == nil {
		if cwd, err := proc.CwdWithContext(ctx); err == nil && cwd != "" {
			p.mu.Lock()
			p.cwd = cwd
			p.mu.Unlock()
			return cwd
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// foregroundTitle names the process group in the foreground of the pty,
// falling back to the shell's own name.
func (p *ptyProcess) foregroundTitle(ctx context.Context, f *os.File) string {
	title := p.shellType
	if pgid, err := foregroundProcessGroup(f); err == nil && pgid > 0 {
		if proc, err := gops.NewProcessWithContext(ctx, int32(pgid)); err == nil {
			if name, err := proc.NameWithContext(ctx); err == nil && name != "" {
				title = name
			}
		}
	}

	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
	return title
}

func hasChildProcesses(ctx context.Context, pid int) bool {
	proc, err := gops.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return false
	}
	return len(children) > 0
}
