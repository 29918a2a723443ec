package seamless

import (
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/timer"
)

const (
	DefaultSwapTimeout    = 3000 * time.Millisecond
	DefaultRecordDuration = 10 * time.Second
)

// Process is the part of a process handle the filter needs.
type Process interface {
	OnProcessData(listener func(data string)) event.Disposable
	Shutdown(immediate bool) error
}

// SwapResult says how a relaunch swap resolved.
type SwapResult string

const (
	SwapIdentical SwapResult = "identical"
	SwapReset     SwapResult = "reset"
	SwapDiscarded SwapResult = "discarded"
)

type Options struct {
	// SwapTimeout forces a pending swap even if the new process stays silent
	SwapTimeout time.Duration
	// RecordDuration stops recording a freshly started process after this long; 0 records until replaced
	RecordDuration    time.Duration
	MaxRecordingBytes int
	// OnSwap observes swap outcomes, e.g. for metrics
	OnSwap func(SwapResult)
}

func (o *Options) setDefaults() {
	if o.SwapTimeout <= 0 {
		o.SwapTimeout = DefaultSwapTimeout
	}
	if o.RecordDuration < 0 {
		o.RecordDuration = 0
	}
	if o.MaxRecordingBytes <= 0 {
		o.MaxRecordingBytes = DefaultMaxRecordingBytes
	}
}

// Filter sits between the active process and the display. When a process is replaced
// it records the new output in the background and only repaints, with a full reset,
// if that output differs from what the previous process printed.
type Filter struct {
	mutex  sync.Mutex
	seq    *event.Sequencer
	emit   func(data string)
	logger logging.Logger
	opts   Options

	active     Process
	activeSub  event.Disposable
	generation uint64
	live       bool
	recording  *Recorder

	first  *Recorder
	second *Recorder

	disabled bool
	disposed bool

	swapTimer   *timer.Timer
	recordTimer *timer.Timer
}

// NewFilter delivers output through emit, ordered by seq. emit never runs with the filter lock held.
func NewFilter(seq *event.Sequencer, emit func(data string), logger logging.Logger, opts Options) *Filter {
	if seq == nil {
		seq = event.NewSequencer()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	opts.setDefaults()

	return &Filter{
		seq:         seq,
		emit:        emit,
		logger:      logger,
		opts:        opts,
		swapTimer:   timer.New(),
		recordTimer: timer.New(),
	}
}

// NewProcess makes process the active one and shuts down the previous one.
// It must be called before the process is started.
func (f *Filter) NewProcess(process Process, reset bool) {
	f.mutex.Lock()
	if f.disposed {
		f.mutex.Unlock()
		return
	}

	previous := f.active
	previousSub := f.activeSub
	f.active = process
	f.activeSub = nil
	f.generation++
	generation := f.generation

	if f.first == nil || !reset || f.disabled {
		// Nothing to compare against, or the caller wants plain output
		f.releaseLocked(f.first)
		f.releaseLocked(f.second)
		f.second = nil
		f.first = NewRecorder(f.opts.MaxRecordingBytes)
		f.recording = f.first

		if f.disabled && reset {
			f.enqueueLocked(ansi.ResetInitialState)
		}
		f.live = true
		f.disabled = false
		f.scheduleRecordStopLocked()
	} else {
		// Resolve an older relaunch first so at most two recordings exist
		if f.second != nil {
			f.swapLocked()
		}

		f.swapTimer.Schedule(f.opts.SwapTimeout, f.TriggerSwap)
		f.recordTimer.Cancel()

		f.live = false
		f.second = NewRecorder(f.opts.MaxRecordingBytes)
		f.recording = f.second
	}
	f.mutex.Unlock()

	if previousSub != nil {
		previousSub.Dispose()
	}
	if previous != nil && previous != process {
		if err := previous.Shutdown(false); err != nil {
			f.logger.Debugf("Shutdown of replaced process failed, error: %v", err)
		}
	}

	sub := process.OnProcessData(func(data string) {
		f.handleData(generation, data)
	})

	f.mutex.Lock()
	if f.generation == generation && !f.disposed {
		f.activeSub = sub
		sub = nil
	}
	f.mutex.Unlock()
	if sub != nil {
		sub.Dispose()
	}

	f.seq.Drain()
}

func (f *Filter) handleData(generation uint64, data string) {
	f.mutex.Lock()
	if f.generation != generation || f.disposed {
		f.mutex.Unlock()
		return
	}
	if f.recording != nil {
		f.recording.HandleData(data)
	}
	if f.live {
		f.enqueueLocked(data)
	}
	f.mutex.Unlock()

	f.seq.Drain()
}

// DisableSeamlessRelaunch is called on user input. Output is never suppressed again until the
// next plain launch, and a pending swap resolves now.
func (f *Filter) DisableSeamlessRelaunch() {
	f.mutex.Lock()
	f.disabled = true
	f.stopRecordingLocked()
	f.swapLocked()
	f.mutex.Unlock()

	f.seq.Drain()
}

// TriggerSwap resolves a pending relaunch, if any.
func (f *Filter) TriggerSwap() {
	f.mutex.Lock()
	f.swapLocked()
	f.mutex.Unlock()

	f.seq.Drain()
}

// Disabled reports whether user input has disabled seamless relaunch.
func (f *Filter) Disabled() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.disabled
}

// Recording reports how many recordings are held (0, 1 or 2).
func (f *Filter) Recording() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	n := 0
	if f.first != nil {
		n++
	}
	if f.second != nil {
		n++
	}
	return n
}

// SwapPending reports whether a relaunch is waiting to be resolved.
func (f *Filter) SwapPending() bool {
	return f.swapTimer.Pending()
}

// Detach stops following the active process without shutting it down. A pending
// swap resolves first so no recorded output is lost.
func (f *Filter) Detach() {
	f.mutex.Lock()
	if f.disposed {
		f.mutex.Unlock()
		return
	}
	if f.second != nil {
		f.swapLocked()
	}
	sub := f.activeSub
	f.activeSub = nil
	f.active = nil
	f.generation++
	f.mutex.Unlock()

	if sub != nil {
		sub.Dispose()
	}
	f.seq.Drain()
}

func (f *Filter) Dispose() {
	f.mutex.Lock()
	if f.disposed {
		f.mutex.Unlock()
		return
	}
	f.disposed = true
	f.swapTimer.Cancel()
	f.recordTimer.Cancel()
	sub := f.activeSub
	f.activeSub = nil
	f.active = nil
	f.releaseLocked(f.first)
	f.releaseLocked(f.second)
	f.first, f.second, f.recording = nil, nil, nil
	f.mutex.Unlock()

	if sub != nil {
		sub.Dispose()
	}
}

func (f *Filter) swapLocked() {
	f.swapTimer.Cancel()

	if f.first == nil {
		return
	}

	// No relaunch happened while recording, nothing to compare
	if f.second == nil {
		f.releaseLocked(f.first)
		f.first = nil
		f.notifySwap(SwapDiscarded)
		return
	}

	firstData := f.first.Replay()
	secondData := f.second.Replay()

	result := SwapIdentical
	if firstData == secondData {
		f.logger.Debugf("Seamless terminal relaunch, identical content")
	} else {
		f.logger.Debugf("Seamless terminal relaunch, resetting content, bytes: %d", len(secondData))
		// Reset and replay in one write so the repaint lands in a single frame
		f.enqueueLocked(ansi.ResetInitialState + secondData)
		result = SwapReset
	}

	f.live = true

	f.releaseLocked(f.first)
	f.first = f.second
	f.second = nil
	f.scheduleRecordStopLocked()
	f.notifySwap(result)
}

func (f *Filter) stopRecordingLocked() {
	// A swap is coming, keep both recordings for it
	if f.swapTimer.Pending() {
		return
	}
	f.recordTimer.Cancel()
	f.releaseLocked(f.first)
	f.releaseLocked(f.second)
	f.first, f.second = nil, nil
}

func (f *Filter) scheduleRecordStopLocked() {
	if f.opts.RecordDuration <= 0 {
		return
	}
	f.recordTimer.Schedule(f.opts.RecordDuration, func() {
		f.mutex.Lock()
		f.stopRecordingLocked()
		f.mutex.Unlock()
	})
}

func (f *Filter) releaseLocked(r *Recorder) {
	if r == nil {
		return
	}
	if f.recording == r {
		f.recording = nil
	}
	r.Release()
}

func (f *Filter) enqueueLocked(data string) {
	if f.emit == nil || data == "" {
		return
	}
	emit := f.emit
	f.seq.Enqueue(func() { emit(data) })
}

func (f *Filter) notifySwap(result SwapResult) {
	if f.opts.OnSwap != nil {
		onSwap := f.opts.OnSwap
		f.seq.Enqueue(func() { onSwap(result) })
	}
}
