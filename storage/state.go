package storage

import (
	"sync"
	"time"
)

// ConnectionState is the backend connection state.
//
//	disconnected -> connecting -> connected <-> error
//	any -> closed (Disconnect); closed -> connecting (reconnect)
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
	StateClosed       ConnectionState = "closed"
)

// ConnectionTracker holds the connection state behind a single mutex.
// All transitions go through it; nothing else writes the state.
type ConnectionTracker struct {
	mu        sync.RWMutex
	state     ConnectionState
	lastErr   error
	changedAt time.Time
	onChange  func(from, to ConnectionState, err error)
}

// NewConnectionTracker returns a tracker in StateDisconnected. onChange, if
// non-nil, is called after each actual state change, outside the lock.
func NewConnectionTracker(onChange func(from, to ConnectionState, err error)) *ConnectionTracker {
	return &ConnectionTracker{
		state:     StateDisconnected,
		changedAt: time.Now(),
		onChange:  onChange,
	}
}

// State returns the current state.
func (t *ConnectionTracker) State() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Ready reports whether commands can be issued.
func (t *ConnectionTracker) Ready() bool {
	return t.State() == StateConnected
}

// LastError returns the error recorded by the most recent transition to StateError.
func (t *ConnectionTracker) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// ChangedAt returns when the state last changed.
func (t *ConnectionTracker) ChangedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changedAt
}

// Set moves to state to and returns the previous state.
func (t *ConnectionTracker) Set(to ConnectionState, err error) ConnectionState {
	t.mu.Lock()
	from := t.state
	changed := t.apply(to, err)
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(from, to, err)
	}
	return from
}

// Transition moves to state to only if the current state is one of from.
// It reports whether the transition happened.
func (t *ConnectionTracker) Transition(to ConnectionState, from ...ConnectionState) bool {
	t.mu.Lock()
	prev := t.state
	ok := false
	for _, f := range from {
		if prev == f {
			ok = true
			break
		}
	}
	changed := false
	if ok {
		changed = t.apply(to, nil)
	}
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(prev, to, nil)
	}
	return ok
}

// apply must be called with mu held.
func (t *ConnectionTracker) apply(to ConnectionState, err error) bool {
	if to == StateError {
		t.lastErr = err
	}
	if t.state == to {
		return false
	}
	t.state = to
	t.changedAt = time.Now()
	return true
}
