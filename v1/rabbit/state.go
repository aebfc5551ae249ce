package rabbit

import "sync"

// ConnectionState is the lifecycle state of a Manager.
type ConnectionState int

const (
	// Disconnected means no connection exists and no attempt is running.
	Disconnected ConnectionState = iota

	// Connecting means a dial or channel setup is in progress.
	Connecting

	// Ready means a connection and a confirm-mode channel are open.
	Ready

	// Degraded means the connection or channel was lost and recovery is pending.
	Degraded

	// Closing is terminal and entered on an explicit Close.
	Closing
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// validTransition reports whether the Manager may move from one state to another.
func validTransition(from, to ConnectionState) bool {
	if from == Closing {
		return false
	}
	switch to {
	case Closing:
		return true
	case Connecting:
		return from == Disconnected || from == Degraded
	case Ready:
		return from == Connecting
	case Disconnected:
		return from == Connecting
	case Degraded:
		return from == Ready
	}
	return false
}

// stateSignal publishes the current state to any number of readers.
// There is exactly one writer, the owning Manager. Readers take a snapshot with
// load and block on the returned channel, which is closed on the next change.
type stateSignal struct {
	mu      sync.RWMutex
	state   ConnectionState
	changed chan struct{}
}

func newStateSignal() *stateSignal {
	return &stateSignal{
		state:   Disconnected,
		changed: make(chan struct{}),
	}
}

// load returns the current state and a channel closed on the next change.
func (s *stateSignal) load() (ConnectionState, <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.changed
}

// store moves to next and wakes all waiters. Invalid transitions are refused.
func (s *stateSignal) store(next ConnectionState) (ConnectionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if !validTransition(prev, next) {
		return prev, false
	}
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	return prev, true
}

// broadcast wakes all waiters without changing the state. Used when the
// Manager records a terminal error while staying Disconnected.
func (s *stateSignal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.changed)
	s.changed = make(chan struct{})
}
