package storage

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionTracker(t *testing.T) {
	type change struct{ from, to ConnectionState }
	var changes []change
	tr := NewConnectionTracker(func(from, to ConnectionState, _ error) {
		changes = append(changes, change{from, to})
	})

	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.Ready())

	assert.True(t, tr.Transition(StateConnecting, StateDisconnected, StateClosed))
	assert.False(t, tr.Transition(StateConnecting, StateDisconnected, StateClosed), "already connecting")

	prev := tr.Set(StateConnected, nil)
	assert.Equal(t, StateConnecting, prev)
	assert.True(t, tr.Ready())

	boom := errors.New("connection reset")
	tr.Set(StateError, boom)
	assert.Equal(t, StateError, tr.State())
	assert.ErrorIs(t, tr.LastError(), boom)

	// Same-state sets do not notify.
	tr.Set(StateError, boom)

	tr.Set(StateClosed, nil)

	assert.Equal(t, []change{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateError},
		{StateError, StateClosed},
	}, changes)
}

func TestConnectionTracker_CallbackMayReadState(t *testing.T) {
	var tr *ConnectionTracker
	var seen ConnectionState
	tr = NewConnectionTracker(func(_, _ ConnectionState, _ error) {
		// Runs outside the lock, so reading back must not deadlock.
		seen = tr.State()
	})

	tr.Set(StateConnected, nil)
	assert.Equal(t, StateConnected, seen)
}

func TestConnectionTracker_ConcurrentTransition(t *testing.T) {
	tr := NewConnectionTracker(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Transition(StateConnecting, StateDisconnected) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
}
