package rosbridge

import (
	"fmt"
	"sync"
)

// ConnectionStateKind enumerates the positions of the connection state
// machine.
type ConnectionStateKind int

const (
	StateDisconnected ConnectionStateKind = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// ConnectionState is the current position of the connection state machine.
// Attempt is meaningful only for StateReconnecting, Message only for
// StateFailed. Exactly one state is current at any time; it is owned by the
// client and read-only to callers.
type ConnectionState struct {
	Kind    ConnectionStateKind
	Attempt uint
	Message string
}

func (state ConnectionState) String() string {
	switch state.Kind {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return fmt.Sprintf("reconnecting(%d)", state.Attempt)
	case StateFailed:
		return fmt.Sprintf("failed: %s", state.Message)
	}
	return "unknown"
}

// stateCell holds the observable connection state. Handlers run synchronously
// on the mutating path, so an observer always sees Reconnecting(n) before the
// corresponding backoff timer is armed and Connected only after registry
// replay has completed.
type stateCell struct {
	lock     sync.Mutex
	current  ConnectionState
	handlers []func(ConnectionState)
}

func (cell *stateCell) get() ConnectionState {
	cell.lock.Lock()
	defer cell.lock.Unlock()
	return cell.current
}

func (cell *stateCell) set(state ConnectionState) {
	cell.lock.Lock()
	if cell.current == state {
		cell.lock.Unlock()
		return
	}
	cell.current = state
	handlers := make([]func(ConnectionState), len(cell.handlers))
	copy(handlers, cell.handlers)
	cell.lock.Unlock()

	for _, handler := range handlers {
		handler(state)
	}
}

func (cell *stateCell) watch(handler func(ConnectionState)) {
	cell.lock.Lock()
	cell.handlers = append(cell.handlers, handler)
	cell.lock.Unlock()
}
