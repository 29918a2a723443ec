package event

import "sync"

// Sequencer delivers queued callbacks one at a time in enqueue order.
//
// Producers enqueue while holding their own locks, release them, then call Drain.
// Whichever goroutine finds the queue idle runs callbacks until it is empty, so a
// callback may enqueue more work, or call back into its producer, without deadlocking.
type Sequencer struct {
	mutex    sync.Mutex
	queue    []func()
	draining bool
}

func NewSequencer() *Sequencer {
	return &Sequencer{}
}

func (s *Sequencer) Enqueue(fn func()) {
	if fn == nil {
		return
	}
	s.mutex.Lock()
	s.queue = append(s.queue, fn)
	s.mutex.Unlock()
}

// Drain runs pending callbacks unless another goroutine is already doing so.
func (s *Sequencer) Drain() {
	s.mutex.Lock()
	if s.draining {
		s.mutex.Unlock()
		return
	}
	s.draining = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mutex.Unlock()

		next()

		s.mutex.Lock()
	}

	s.draining = false
	s.mutex.Unlock()
}

// Run enqueues fn and drains.
func (s *Sequencer) Run(fn func()) {
	s.Enqueue(fn)
	s.Drain()
}
