package transport

import (
	"sync"
	"time"
)

// State is the connection state of the socket adapter.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Transition records one state change. The log is bounded; old entries are
// discarded first.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

const maxTransitionLog = 64

// stateLog tracks the current state plus a bounded transition history.
type stateLog struct {
	mu      sync.Mutex
	state   State
	history []Transition
	subs    []func(State)
}

func (l *stateLog) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// set transitions to next and notifies subscribers outside the lock.
// Setting the current state again is a no-op.
func (l *stateLog) set(next State, reason string) {
	l.mu.Lock()
	if l.state == next {
		l.mu.Unlock()
		return
	}
	tr := Transition{From: l.state, To: next, At: time.Now(), Reason: reason}
	l.state = next
	l.history = append(l.history, tr)
	if len(l.history) > maxTransitionLog {
		l.history = l.history[len(l.history)-maxTransitionLog:]
	}
	subs := append([]func(State){}, l.subs...)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
}

func (l *stateLog) subscribe(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *stateLog) transitions() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition{}, l.history...)
}
