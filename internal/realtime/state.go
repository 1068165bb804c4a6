package realtime

import (
	"slices"
	"sync"
)

type stateListener struct {
	fn func(StateChange)
}

// StateTracker holds a connection state and fans changes out to listeners.
// Listeners run on the goroutine that changed the state, after the lock is
// released, so they may call back into the connection.
type StateTracker struct {
	mu        sync.Mutex
	state     ConnectionState
	listeners []*stateListener
}

func NewStateTracker() *StateTracker {
	return &StateTracker{state: StateInitialized}
}

func (t *StateTracker) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *StateTracker) OnStateChange(fn func(StateChange)) Subscription {
	l := &stateListener{fn: fn}

	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()

	return SubscriptionFunc(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.listeners = slices.DeleteFunc(t.listeners, func(x *stateListener) bool { return x == l })
	})
}

// Set moves to next and reports whether anything changed. Closed is final.
// Setting the current state again only notifies when a reason is given, so
// repeated failures stay visible.
func (t *StateTracker) Set(next ConnectionState, reason error) bool {
	t.mu.Lock()
	prev := t.state
	if prev == StateClosed || (prev == next && reason == nil) {
		t.mu.Unlock()
		return false
	}
	t.state = next
	listeners := slices.Clone(t.listeners)
	if next == StateClosed {
		t.listeners = nil
	}
	t.mu.Unlock()

	change := StateChange{Previous: prev, Current: next, Reason: reason}
	for _, l := range listeners {
		l.fn(change)
	}
	return true
}
