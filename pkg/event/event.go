package event

import "sync"

// Disposable releases a subscription or resource. Dispose is idempotent.
type Disposable interface {
	Dispose()
}

// funcDisposable runs fn at most once. Handles are pointers so they can be
// compared by identity.
type funcDisposable struct {
	once sync.Once
	fn   func()
}

func (d *funcDisposable) Dispose() {
	if d.fn != nil {
		d.once.Do(d.fn)
	}
}

// ToDisposable wraps fn so repeated Dispose calls run it once.
func ToDisposable(fn func()) Disposable {
	return &funcDisposable{fn: fn}
}

// None is a Disposable that does nothing.
var None Disposable = &funcDisposable{}

type listenerEntry[T any] struct {
	id       uint64
	listener func(T)
}

// Emitter delivers values of T to listeners in subscription order.
// Listeners run on the goroutine that calls Fire, outside the emitter lock.
type Emitter[T any] struct {
	mutex     sync.Mutex
	listeners []listenerEntry[T]
	nextID    uint64
	disposed  bool
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// Subscribe registers listener until the returned handle is disposed.
func (e *Emitter[T]) Subscribe(listener func(T)) Disposable {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.disposed || listener == nil {
		return None
	}

	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listenerEntry[T]{id: id, listener: listener})

	return ToDisposable(func() { e.remove(id) })
}

// Once registers listener for the next value only.
func (e *Emitter[T]) Once(listener func(T)) Disposable {
	var (
		once  sync.Once
		mutex sync.Mutex
		sub   Disposable
	)

	mutex.Lock()
	defer mutex.Unlock()

	sub = e.Subscribe(func(value T) {
		once.Do(func() {
			mutex.Lock()
			self := sub
			mutex.Unlock()

			self.Dispose()
			listener(value)
		})
	})
	return sub
}

func (e *Emitter[T]) remove(id uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for i, entry := range e.listeners {
		if entry.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Fire delivers value to a snapshot of the current listeners.
func (e *Emitter[T]) Fire(value T) {
	e.mutex.Lock()
	snapshot := make([]listenerEntry[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mutex.Unlock()

	for _, entry := range snapshot {
		entry.listener(value)
	}
}

// ListenerCount is mainly useful in tests.
func (e *Emitter[T]) ListenerCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.listeners)
}

// Clear drops every listener but keeps the emitter usable.
func (e *Emitter[T]) Clear() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.listeners = nil
}

// Dispose drops every listener and rejects new ones.
func (e *Emitter[T]) Dispose() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.listeners = nil
	e.disposed = true
}

// DisposableStore owns a set of disposables and releases them together, newest first.
type DisposableStore struct {
	mutex    sync.Mutex
	items    []Disposable
	disposed bool
}

func NewDisposableStore() *DisposableStore {
	return &DisposableStore{}
}

// Add takes ownership of d. Adding to a disposed store disposes d immediately.
func (s *DisposableStore) Add(d Disposable) Disposable {
	if d == nil {
		return None
	}

	s.mutex.Lock()
	if s.disposed {
		s.mutex.Unlock()
		d.Dispose()
		return d
	}
	s.items = append(s.items, d)
	s.mutex.Unlock()
	return d
}

// Delete disposes d and forgets it.
func (s *DisposableStore) Delete(d Disposable) {
	s.mutex.Lock()
	for i, item := range s.items {
		if item == d {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			break
		}
	}
	s.mutex.Unlock()
	d.Dispose()
}

// Clear disposes everything but keeps the store usable.
func (s *DisposableStore) Clear() {
	s.mutex.Lock()
	items := s.items
	s.items = nil
	s.mutex.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].Dispose()
	}
}

func (s *DisposableStore) Dispose() {
	s.mutex.Lock()
	s.disposed = true
	s.mutex.Unlock()
	s.Clear()
}

func (s *DisposableStore) IsDisposed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.disposed
}
