package envcollection

import (
	"sync"
	"time"

	"github.com/core-tools/hsu-terminal/pkg/errors"
	"github.com/core-tools/hsu-terminal/pkg/event"
	"github.com/core-tools/hsu-terminal/pkg/logging"
	"github.com/core-tools/hsu-terminal/pkg/timer"
)

// Tracker is the authoritative set of contributions for one process host.
// Controllers read Merged snapshots and listen for changes; only contributors mutate it.
type Tracker struct {
	mutex       sync.Mutex
	order       []string
	collections map[string]Collection
	merged      *Merged

	onDidChange *event.Emitter[*Merged]
	debouncer   *timer.Debouncer
	logger      logging.Logger
}

// NewTracker notifies listeners after notifyDelay of quiet, or immediately when it is zero.
func NewTracker(notifyDelay time.Duration, logger logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Tracker{
		collections: make(map[string]Collection),
		merged:      Empty(),
		onDidChange: event.NewEmitter[*Merged](),
		debouncer:   timer.NewDebouncer(notifyDelay),
		logger:      logger,
	}
}

// Set replaces the collection of contributorID. A new contributor is ordered after existing ones.
func (t *Tracker) Set(contributorID string, collection Collection) error {
	if contributorID == "" {
		return errors.NewValidationError("contributor ID cannot be empty", nil)
	}
	if err := ValidateCollection(collection); err != nil {
		return errors.NewValidationError("invalid environment collection", err).WithContext("contributor", contributorID)
	}

	t.mutex.Lock()
	if _, exists := t.collections[contributorID]; !exists {
		t.order = append(t.order, contributorID)
	}
	t.collections[contributorID] = collection
	t.remergeLocked()
	t.mutex.Unlock()

	t.logger.Debugf("Environment collection set, contributor: %s, mutators: %d", contributorID, len(collection.Mutators))
	t.notify()
	return nil
}

// Delete removes a contributor. Deleting an unknown contributor is a no-op.
func (t *Tracker) Delete(contributorID string) {
	t.mutex.Lock()
	if _, exists := t.collections[contributorID]; !exists {
		t.mutex.Unlock()
		return
	}
	delete(t.collections, contributorID)
	for i, id := range t.order {
		if id == contributorID {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	t.remergeLocked()
	t.mutex.Unlock()

	t.logger.Debugf("Environment collection deleted, contributor: %s", contributorID)
	t.notify()
}

// Merged returns the current merge. The value is immutable.
func (t *Tracker) Merged() *Merged {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.merged
}

func (t *Tracker) OnDidChangeCollections(listener func(*Merged)) event.Disposable {
	return t.onDidChange.Subscribe(listener)
}

func (t *Tracker) Dispose() {
	t.debouncer.Dispose()
	t.onDidChange.Dispose()
}

func (t *Tracker) remergeLocked() {
	contributions := make([]Contribution, 0, len(t.order))
	for _, id := range t.order {
		contributions = append(contributions, Contribution{ContributorID: id, Collection: t.collections[id]})
	}
	t.merged = Merge(contributions)
}

func (t *Tracker) notify() {
	t.debouncer.Trigger(func() {
		t.onDidChange.Fire(t.Merged())
	})
}
