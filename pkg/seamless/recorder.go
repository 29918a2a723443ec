package seamless

import (
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// DefaultMaxRecordingBytes bounds a single recording.
const DefaultMaxRecordingBytes = 10 * 1024 * 1024

// Segment is one recorded chunk of output.
type Segment struct {
	Offset int
	Length int
	At     time.Time
}

// Recorder is an append-only log of process output backed by a pooled buffer.
// Once it exceeds its bound the oldest segments are dropped.
type Recorder struct {
	mutex    sync.Mutex
	buffer   *bytebufferpool.ByteBuffer
	segments []Segment
	maxBytes int
	dropped  int
	now      func() time.Time
}

func NewRecorder(maxBytes int) *Recorder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRecordingBytes
	}
	return &Recorder{
		buffer:   bytebufferpool.Get(),
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

func (r *Recorder) HandleData(data string) {
	if data == "" {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.buffer == nil {
		return
	}

	r.segments = append(r.segments, Segment{Offset: r.buffer.Len(), Length: len(data), At: r.now()})
	_, _ = r.buffer.WriteString(data)

	if r.buffer.Len() > r.maxBytes {
		r.trimLocked()
	}
}

// trimLocked drops whole leading segments until the log fits, keeping at least the newest one.
func (r *Recorder) trimLocked() {
	excess := r.buffer.Len() - r.maxBytes
	drop := 0
	removed := 0
	for drop < len(r.segments)-1 && removed < excess {
		removed += r.segments[drop].Length
		drop++
	}
	if drop == 0 {
		return
	}

	retained := bytebufferpool.Get()
	_, _ = retained.Write(r.buffer.B[removed:])
	bytebufferpool.Put(r.buffer)
	r.buffer = retained

	r.segments = append(r.segments[:0:0], r.segments[drop:]...)
	for i := range r.segments {
		r.segments[i].Offset -= removed
	}
	r.dropped += drop
}

// Replay returns everything recorded, concatenated.
func (r *Recorder) Replay() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.buffer == nil {
		return ""
	}
	return r.buffer.String()
}

// Segments returns a copy of the segment index.
func (r *Recorder) Segments() []Segment {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Segment(nil), r.segments...)
}

func (r *Recorder) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.buffer == nil {
		return 0
	}
	return r.buffer.Len()
}

// Dropped counts segments discarded to stay within the bound.
func (r *Recorder) Dropped() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.dropped
}

// Clear empties the log but keeps it usable.
func (r *Recorder) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.buffer != nil {
		r.buffer.Reset()
	}
	r.segments = nil
}

// Release returns the buffer to the pool. The recorder ignores data afterwards.
func (r *Recorder) Release() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.buffer != nil {
		bytebufferpool.Put(r.buffer)
		r.buffer = nil
	}
	r.segments = nil
}
