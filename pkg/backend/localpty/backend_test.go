//go:build !windows

package localpty

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/core-tools/hsu-terminal/pkg/backend"
	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/terminal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// collector records everything a handle emits.
type collector struct {
	mu     sync.Mutex
	ready  []terminal.ReadyEvent
	data   strings.Builder
	chars  int
	exited bool
	code   *int
	props  []terminal.ProcessProperty
}

func collect(h backend.ProcessHandle) *collector {
	c := &collector{}
	h.OnProcessReady(func(e terminal.ReadyEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.ready = append(c.ready, e)
	})
	h.OnProcessData(func(data string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.data.WriteString(data)
		c.chars += utf8.RuneCountInString(data)
	})
	h.OnProcessExit(func(code *int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.exited = true
		c.code = code
	})
	h.OnDidChangeProperty(func(p terminal.ProcessProperty) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.props = append(c.props, p)
	})
	return c
}

func (c *collector) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.String()
}

func (c *collector) charCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars
}

func (c *collector) exitCode() (bool, *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited, c.code
}

func newTestBackend(t *testing.T) *Backend {
	b := NewBackend(Options{ShutdownGrace: 200 * time.Millisecond}, logging.NewNopLogger())
	t.Cleanup(b.Dispose)
	return b
}

func shellRequest(t *testing.T, script string) backend.CreateRequest {
	return backend.CreateRequest{
		Config: terminal.LaunchConfig{Executable: "/bin/sh", Args: []string{"-c", script}},
		Cwd:    t.TempDir(),
		Cols:   80,
		Rows:   24,
		Env:    map[string]string{"PATH": "/usr/bin:/bin", "TERM": "dumb"},
	}
}

func TestBackend_RunsShellToCompletion(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.CreateProcess(context.Background(), shellRequest(t, "echo hello; exit 3"))
	require.NoError(t, err)
	c := collect(h)
	require.NoError(t, h.Start(context.Background()))

	require.Eventually(t, func() bool {
		exited, _ := c.exitCode()
		return exited
	}, waitFor, 10*time.Millisecond)

	assert.Contains(t, c.output(), "hello", "output is flushed before exit")
	_, code := c.exitCode()
	require.NotNil(t, code)
	assert.Equal(t, 3, *code)

	c.mu.Lock()
	require.Len(t, c.ready, 1)
	assert.Greater(t, c.ready[0].Pid, 0)
	c.mu.Unlock()

	assert.Equal(t, 0, b.ProcessCount())
}

func TestBackend_InputIsEchoed(t *testing.T) {
	b := newTestBackend(t)

	req := shellRequest(t, "")
	req.Config = terminal.LaunchConfig{Executable: "cat"}
	h, err := b.CreateProcess(context.Background(), req)
	require.NoError(t, err)
	c := collect(h)
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, h.Input("ping\n"))
	require.Eventually(t, func() bool {
		return strings.Count(c.output(), "ping") >= 1
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, h.Resize(100, 40))
	require.NoError(t, h.Shutdown(true))
	require.Eventually(t, func() bool {
		exited, _ := c.exitCode()
		return exited
	}, waitFor, 10*time.Millisecond)

	err = h.Resize(80, 24)
	assert.True(t, errors.IsBrokenPipe(err), "resize after exit is a broken pipe")
	assert.True(t, errors.IsBrokenPipe(h.Input("late")))
}

func TestBackend_LaunchErrorForMissingExecutable(t *testing.T) {
	b := newTestBackend(t)

	req := shellRequest(t, "")
	req.Config = terminal.LaunchConfig{Executable: "/definitely/not/a/shell"}
	h, err := b.CreateProcess(context.Background(), req)
	require.NoError(t, err)

	err = h.Start(context.Background())
	var launchErr *terminal.LaunchError
	assert.ErrorAs(t, err, &launchErr)

	err = h.Start(context.Background())
	assert.True(t, errors.IsConflictError(err), "a handle starts once")
}

func TestBackend_CreateRejectsBadDimensions(t *testing.T) {
	b := newTestBackend(t)

	req := shellRequest(t, "true")
	req.Cols = 0
	_, err := b.CreateProcess(context.Background(), req)
	assert.True(t, errors.IsValidationError(err))
}

func TestBackend_PersistentProcessReplaysOnAttach(t *testing.T) {
	b := newTestBackend(t)

	req := shellRequest(t, "echo first; sleep 30")
	req.ShouldPersist = true
	h, err := b.CreateProcess(context.Background(), req)
	require.NoError(t, err)
	first := collect(h)
	require.NoError(t, h.Start(context.Background()))

	require.Eventually(t, func() bool {
		return strings.Contains(first.output(), "first")
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, h.Detach(false))

	infos := b.Processes()
	require.Len(t, infos, 1)
	assert.Equal(t, h.ID(), infos[0].ID)

	attached, err := b.AttachToProcess(context.Background(), h.ID())
	require.NoError(t, err)
	require.NotNil(t, attached)
	second := collect(attached)
	require.NoError(t, attached.Start(context.Background()))

	assert.Contains(t, second.output(), "first", "buffered output is replayed to the new owner")
	second.mu.Lock()
	assert.Len(t, second.ready, 1)
	second.mu.Unlock()

	require.NoError(t, attached.Shutdown(true))
	require.Eventually(t, func() bool {
		exited, _ := second.exitCode()
		return exited
	}, waitFor, 10*time.Millisecond)

	exited, _ := first.exitCode()
	assert.False(t, exited, "a replaced handle receives no further events")
}

func TestBackend_DetachShutsDownNonPersistent(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.CreateProcess(context.Background(), shellRequest(t, "sleep 30"))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	require.Equal(t, 1, b.ProcessCount())

	require.NoError(t, h.Detach(false))
	require.Eventually(t, func() bool {
		return b.ProcessCount() == 0
	}, waitFor, 10*time.Millisecond)
}

func TestBackend_AttachToMissingProcess(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.AttachToProcess(context.Background(), 4242)
	assert.NoError(t, err)
	assert.Nil(t, h)
}

func TestBackend_FlowControlPausesProducer(t *testing.T) {
	b := newTestBackend(t)

	req := shellRequest(t, "while :; do echo 0123456789012345678901234567890123456789; done")
	req.Options.FlowControl = true
	h, err := b.CreateProcess(context.Background(), req)
	require.NoError(t, err)
	c := collect(h)
	require.NoError(t, h.Start(context.Background()))

	require.Eventually(t, func() bool {
		return c.charCount() > terminal.HighWatermarkChars
	}, waitFor, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	paused := c.charCount()
	assert.Less(t, paused, terminal.HighWatermarkChars+2*readBufferSize, "reading stops above the high watermark")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, paused, c.charCount(), "no output while paused")

	require.NoError(t, h.AcknowledgeDataEvent(paused))
	require.Eventually(t, func() bool {
		return c.charCount() > paused
	}, waitFor, 10*time.Millisecond, "acknowledging resumes the producer")

	require.NoError(t, h.Shutdown(true))
}

func TestBackend_RefreshProperties(t *testing.T) {
	b := newTestBackend(t)

	req := shellRequest(t, "sleep 30")
	h, err := b.CreateProcess(context.Background(), req)
	require.NoError(t, err)

	_, err = h.RefreshProperty(context.Background(), terminal.PropertyCwd)
	assert.True(t, errors.IsNotReadyError(err), "cwd needs a running process")

	require.NoError(t, h.Start(context.Background()))
	defer func() { _ = h.Shutdown(true) }()

	prop, err := h.RefreshProperty(context.Background(), terminal.PropertyInitialCwd)
	require.NoError(t, err)
	assert.Equal(t, terminal.InitialCwdProperty{Cwd: req.Cwd}, prop)

	prop, err = h.RefreshProperty(context.Background(), terminal.PropertyShellType)
	require.NoError(t, err)
	assert.Equal(t, terminal.ShellTypeProperty{ShellType: "sh"}, prop)

	dims := &terminal.Dimensions{Cols: 10, Rows: 5}
	require.NoError(t, h.UpdateProperty(context.Background(), terminal.OverrideDimensionsProperty{Dimensions: dims}))
	prop, err = h.RefreshProperty(context.Background(), terminal.PropertyOverrideDimensions)
	require.NoError(t, err)
	assert.Equal(t, terminal.OverrideDimensionsProperty{Dimensions: dims}, prop)

	err = h.UpdateProperty(context.Background(), terminal.CwdProperty{Cwd: "/"})
	assert.True(t, errors.IsUnsupportedError(err))
}

func TestBackend_DisposeRejectsCreate(t *testing.T) {
	b := NewBackend(Options{}, logging.NewNopLogger())
	b.Dispose()

	_, err := b.CreateProcess(context.Background(), shellRequest(t, "true"))
	assert.True(t, errors.IsDisposedError(err))
}
