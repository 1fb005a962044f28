package connection

import (
	"errors"
	"fmt"
)

// State is where the connection lifecycle currently is.
type State int

const (
	StateInitial             State = iota // created, Start not called yet
	StateConnecting                       // a session is dialing the selected endpoint
	StateConnected                        // session open, messages flowing
	StatePinging                          // probing endpoints for one that is alive
	StateDisconnectedForever              // terminal, nothing leaves this state
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StatePinging:
		return "PINGING"
	case StateDisconnectedForever:
		return "DISCONNECTED_FOREVER"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is an input to the state machine.
type Event int

const (
	EventStart Event = iota
	EventConnectSucceeded
	EventConnectTimedOut
	EventConnectionError
	EventConnectionClosed
	EventProbeSucceeded
	EventFatal // unrecoverable, legal from every state
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "START"
	case EventConnectSucceeded:
		return "CONNECTION_SUCCEEDED"
	case EventConnectTimedOut:
		return "CONNECTION_TIMED_OUT"
	case EventConnectionError:
		return "CONNECTION_ERROR"
	case EventConnectionClosed:
		return "CONNECTION_CLOSED"
	case EventProbeSucceeded:
		return "PROBE_SUCCEEDED"
	case EventFatal:
		return "FATAL_ERROR"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

var ErrIllegalTransition = errors.New("unsupported state transition")

// TransitionError reports an event the current state has no transition for.
// It always means a bug in whatever produced the event.
type TransitionError struct {
	State State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: state %v, event %v", ErrIllegalTransition, e.State, e.Event)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// transitions is the whole table. EventFatal and the terminal state are
// handled before the table is consulted.
var transitions = map[State]map[Event]State{
	StateInitial: {
		EventStart: StateConnecting,
	},
	StateConnecting: {
		EventConnectSucceeded: StateConnected,
		EventConnectTimedOut:  StatePinging,
		EventConnectionError:  StatePinging,
		EventConnectionClosed: StatePinging,
	},
	StateConnected: {
		EventConnectionError:  StatePinging,
		EventConnectionClosed: StatePinging,
	},
	StatePinging: {
		EventProbeSucceeded: StateConnecting,
	},
}

// next looks up where event leads from state.
func next(state State, event Event) (State, error) {
	if event == EventFatal {
		return StateDisconnectedForever, nil
	}
	to, ok := transitions[state][event]
	if !ok {
		return state, &TransitionError{State: state, Event: event}
	}
	return to, nil
}
