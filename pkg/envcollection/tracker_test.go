package envcollection

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-terminal/pkg/logging"
)

func TestTracker_SetThenInverseRestoresNoDiff(t *testing.T) {
	tracker := NewTracker(0, logging.NewNopLogger())
	require.NoError(t, tracker.Set("base", Collection{Mutators: []Mutator{{Variable: "A", Value: "1", Type: MutatorReplace}}}))

	cached := tracker.Merged()

	var latest *Merged
	tracker.OnDidChangeCollections(func(m *Merged) { latest = m })

	require.NoError(t, tracker.Set("ext", Collection{Mutators: []Mutator{{Variable: "PATH", Value: "/x", Type: MutatorAppend}}}))
	require.NotNil(t, latest)
	assert.NotNil(t, cached.Diff(latest, nil))

	tracker.Delete("ext")
	assert.Nil(t, cached.Diff(latest, nil))
}

func TestTracker_KeepsRegistrationOrderOnUpdate(t *testing.T) {
	tracker := NewTracker(0, nil)
	require.NoError(t, tracker.Set("first", Collection{Mutators: []Mutator{{Variable: "V", Value: "a", Type: MutatorAppend}}}))
	require.NoError(t, tracker.Set("second", Collection{Mutators: []Mutator{{Variable: "V", Value: "b", Type: MutatorAppend}}}))
	require.NoError(t, tracker.Set("first", Collection{Mutators: []Mutator{{Variable: "V", Value: "A", Type: MutatorAppend}}}))

	env := map[string]string{}
	tracker.Merged().ApplyToProcessEnvironment(env, nil, nil)
	assert.Equal(t, "Ab", env["V"])
}

func TestTracker_RejectsInvalid(t *testing.T) {
	tracker := NewTracker(0, nil)
	assert.Error(t, tracker.Set("", Collection{}))
	assert.Error(t, tracker.Set("x", Collection{Mutators: []Mutator{{Variable: "", Type: MutatorReplace}}}))
}

func TestTracker_DebouncedNotification(t *testing.T) {
	tracker := NewTracker(20*time.Millisecond, nil)
	defer tracker.Dispose()

	var notifications atomic.Int32
	tracker.OnDidChangeCollections(func(*Merged) { notifications.Add(1) })

	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.Set("ext", Collection{Mutators: []Mutator{{Variable: "A", Value: "x", Type: MutatorReplace}}}))
	}

	assert.Eventually(t, func() bool { return notifications.Load() == 1 }, time.Second, 5*time.Millisecond)
}
