package hub

import (
	"encoding/json"
	"fmt"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is delivered on a subscription. It is one of Message or StateChange.
type Event interface {
	isEvent()
}

// Message is an inbound invocation from the hub.
type Message struct {
	Target  string
	ID      string
	Payload json.RawMessage
}

// StateChange reports a connection state transition. Err is set when the
// transition was caused by a failure.
type StateChange struct {
	State State
	Err   error
}

func (Message) isEvent()     {}
func (StateChange) isEvent() {}
