package session

import "fmt"

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Interrupted
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Interrupted:
		return "interrupted"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Change describes a state transition. Changes are delivered through the
// inbound queue in the order they happen, interleaved with messages.
type Change struct {
	Previous State
	State    State
	// SessionPresent reports whether the broker resumed a persistent session
	// on connect. It is meaningful only when State is Connected.
	SessionPresent bool
	// Err is the cause of an interruption, if known.
	Err error
}

// Resumed reports a reconnection after an interruption.
func (c Change) Resumed() bool {
	return c.State == Connected && c.Previous == Reconnecting
}

// Online reports any transition into Connected, initial or resumed.
func (c Change) Online() bool {
	return c.State == Connected
}

func (c Change) String() string {
	return fmt.Sprintf("%s->%s", c.Previous, c.State)
}
