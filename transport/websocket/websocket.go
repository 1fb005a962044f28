package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/observability"
	"github.com/risa-org/streamlink/transport"
)

// DefaultConnectTimeout bounds how long a session may stay opening.
const DefaultConnectTimeout = time.Second

// DefaultReadLimit is generous because forward messages can carry whole datasets.
const DefaultReadLimit int64 = 200 << 20

// Dialer opens sessions against an endpoint's stream path.
type Dialer struct {
	Path      string // defaults to endpoint.StreamPath
	ReadLimit int64  // defaults to DefaultReadLimit
	Options   *websocket.DialOptions
	Logger    *zerolog.Logger
}

func NewDialer() *Dialer {
	return &Dialer{Path: endpoint.StreamPath, ReadLimit: DefaultReadLimit}
}

// Dial starts connecting in the background and returns the session immediately.
func (d *Dialer) Dial(ep endpoint.Endpoint, connectTimeout time.Duration, h transport.Handler) transport.Session {
	path := d.Path
	if path == "" {
		path = endpoint.StreamPath
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}

	var logger zerolog.Logger
	if d.Logger != nil {
		logger = *d.Logger
	} else {
		logger = observability.Component("transport")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		url:       ep.WebSocketURL(path),
		handler:   h,
		readLimit: readLimit,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.log = logger.With().Str("session", s.id).Str("url", s.url).Logger()

	s.mu.Lock()
	s.timer = time.AfterFunc(connectTimeout, s.onTimeout)
	s.mu.Unlock()

	s.log.Debug().Dur("timeout", connectTimeout).Msg("dialing")
	go s.run(d.Options)
	return s
}

type sessionState int

const (
	stateOpening sessionState = iota
	stateOpen
	stateDead
)

// Session is one websocket connection attempt.
//
// Every terminal outcome (dial failure, timeout, close, read error, local Close)
// competes to move the state to dead under mu; only the winner reports to the
// handler, so late close/error events after a timeout are dropped here.
type Session struct {
	id        string
	url       string
	handler   transport.Handler
	readLimit int64
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state sessionState
	conn  *websocket.Conn
	timer *time.Timer

	closeOnce sync.Once
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return transport.ErrTransportClosed
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Write(s.ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateDead
		conn := s.conn
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "closed")
		}
		s.log.Debug().Msg("session closed")
	})
	return err
}

func (s *Session) run(opts *websocket.DialOptions) {
	conn, _, err := websocket.Dial(s.ctx, s.url, opts)

	s.mu.Lock()
	if s.state != stateOpening {
		// timed out or closed while dialing; whoever moved us on already reported
		s.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	s.timer.Stop()
	if err != nil {
		s.state = stateDead
		s.mu.Unlock()
		s.log.Debug().Err(err).Msg("dial failed")
		s.handler.OnSignal(transport.SignalErrored, err)
		return
	}
	s.state = stateOpen
	s.conn = conn
	s.mu.Unlock()

	conn.SetReadLimit(s.readLimit)
	s.log.Debug().Msg("session open")
	s.handler.OnSignal(transport.SignalSucceeded, nil)
	s.readLoop(conn)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			s.finish(conn, err)
			return
		}
		s.handler.OnMessage(data)
	}
}

// finish reports why an open connection ended, unless Close got there first.
func (s *Session) finish(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return
	}
	s.state = stateDead
	s.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.log.Debug().Msg("remote closed")
		s.handler.OnSignal(transport.SignalClosed, nil)
	default:
		s.log.Debug().Err(err).Msg("connection failed")
		s.handler.OnSignal(transport.SignalErrored, err)
	}
}

// onTimeout runs on the timer goroutine. Stopping a timer does not stop a
// callback that already started, so the state check is what makes it safe.
func (s *Session) onTimeout() {
	s.mu.Lock()
	if s.state != stateOpening {
		s.mu.Unlock()
		s.log.Debug().Msg("connect timeout fired after session moved on")
		return
	}
	s.state = stateDead
	s.mu.Unlock()

	s.cancel()
	s.log.Debug().Msg("connect timed out")
	s.handler.OnSignal(transport.SignalTimedOut, nil)
}
