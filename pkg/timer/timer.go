package timer

import (
	"sync"
	"time"
)

// Timer runs one callback after a delay. Scheduling again replaces the pending callback,
// and a cancelled callback never runs even if its underlying timer already fired.
type Timer struct {
	mutex      sync.Mutex
	underlying *time.Timer
	generation uint64
	pending    bool
}

func New() *Timer {
	return &Timer{}
}

func (t *Timer) Schedule(delay time.Duration, fn func()) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.stopLocked()
	t.generation++
	generation := t.generation
	t.pending = true

	t.underlying = time.AfterFunc(delay, func() {
		t.mutex.Lock()
		if !t.pending || t.generation != generation {
			t.mutex.Unlock()
			return
		}
		t.pending = false
		t.underlying = nil
		t.mutex.Unlock()

		fn()
	})
}

// Cancel reports whether a pending callback was cancelled.
func (t *Timer) Cancel() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	wasPending := t.pending
	t.stopLocked()
	return wasPending
}

func (t *Timer) Pending() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.pending
}

// Dispose is Cancel for use with a disposable store.
func (t *Timer) Dispose() {
	t.Cancel()
}

func (t *Timer) stopLocked() {
	if t.underlying != nil {
		t.underlying.Stop()
		t.underlying = nil
	}
	t.pending = false
	t.generation++
}

// Debouncer coalesces bursts of triggers into one call after a quiet period.
// A zero delay calls through synchronously.
type Debouncer struct {
	delay time.Duration
	timer *Timer
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, timer: New()}
}

func (d *Debouncer) Trigger(fn func()) {
	if d.delay <= 0 {
		fn()
		return
	}
	d.timer.Schedule(d.delay, fn)
}

func (d *Debouncer) Dispose() {
	d.timer.Cancel()
}
