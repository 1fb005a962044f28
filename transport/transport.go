package transport

import (
	"errors"
	"time"

	"github.com/risa-org/streamlink/endpoint"
)

// ErrTransportClosed is returned when you try to send on a session that is not open.
var ErrTransportClosed = errors.New("transport closed")

// Signal is one of the terminal outcomes of a session attempt.
// A session fires at most one of these in its lifetime, except that
// Succeeded may be followed by one of Closed or Errored.
type Signal int

const (
	SignalSucceeded Signal = iota // connection is open, messages may flow
	SignalClosed                  // remote or local side closed cleanly
	SignalErrored                 // dial or connection failed
	SignalTimedOut                // still opening when the connect timeout elapsed
)

func (s Signal) String() string {
	switch s {
	case SignalSucceeded:
		return "succeeded"
	case SignalClosed:
		return "closed"
	case SignalErrored:
		return "errored"
	case SignalTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Handler receives everything a session produces.
// Calls for one session are never concurrent with each other,
// and OnMessage is called in wire order.
type Handler interface {
	OnSignal(sig Signal, err error)
	OnMessage(payload []byte)
}

// Session is one live transport attempt against one endpoint.
// It is never reused: after any terminal signal the owner closes it and dials a new one.
type Session interface {
	// ID identifies this attempt in logs.
	ID() string

	// Send writes payload as one binary message.
	// Returns ErrTransportClosed if the session is not open.
	Send(payload []byte) error

	// Close tears the session down and suppresses any terminal signal not
	// yet fired. A signal or message already on its way to the handler may
	// still arrive; owners discard those by identity. Safe to call multiple times.
	Close() error
}

// Dialer starts sessions.
// Dial must return immediately: the connection is opened in the background and
// its outcome reported through h. Dial must never call h from the calling goroutine.
type Dialer interface {
	Dial(ep endpoint.Endpoint, connectTimeout time.Duration, h Handler) Session
}
