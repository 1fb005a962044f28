package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/observability"
	"github.com/risa-org/streamlink/probe"
	"github.com/risa-org/streamlink/transport"
)

const (
	DefaultConnectTimeout = time.Second
	DefaultPingInterval   = 500 * time.Millisecond
)

var (
	ErrNoEndpoints   = errors.New("no endpoints configured")
	ErrSessionExists = errors.New("session already exists")
	ErrClosed        = errors.New("connection closed")
)

// StateFunc is told about every transition. errMsg is only set when
// entering StateDisconnectedForever. It runs with the machine locked, so it
// must not call back into the Machine.
type StateFunc func(state State, errMsg string)

// MessageFunc receives raw inbound payloads from the live session in wire order.
type MessageFunc func(payload []byte)

// Prober picks a live endpoint. probe.Prober satisfies it.
type Prober interface {
	Probe(ctx context.Context, endpoints []endpoint.Endpoint, interval time.Duration, onRetry probe.RetryFunc) (int, error)
}

type Config struct {
	Endpoints      []endpoint.Endpoint // tried round-robin, order preserved
	ConnectTimeout time.Duration
	PingInterval   time.Duration
}

type Options struct {
	Dialer        transport.Dialer
	Prober        Prober
	OnStateChange StateFunc
	OnRetry       probe.RetryFunc
	OnMessage     MessageFunc
	Logger        *zerolog.Logger
}

// Machine owns the connection lifecycle.
//
// Every event goes through step with mu held, so transitions never interleave.
// Sessions and probe runs report back tagged with the token they were started
// under; anything carrying a token other than the current one is stale and dropped.
type Machine struct {
	cfg  Config
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	state  State
	index  int    // endpoint the next CONNECTING dials
	errMsg string // set on entering the terminal state

	session      transport.Session
	sessionToken string

	probeToken  string
	probeCancel context.CancelFunc
}

func New(cfg Config, opts Options) (*Machine, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if opts.Dialer == nil || opts.Prober == nil {
		return nil, errors.New("connection: dialer and prober are required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	cfg.Endpoints = append([]endpoint.Endpoint(nil), cfg.Endpoints...)

	m := &Machine{cfg: cfg, opts: opts, state: StateInitial}
	if opts.Logger != nil {
		m.log = *opts.Logger
	} else {
		m.log = observability.Component("connection")
	}
	return m, nil
}

// Start leaves INITIAL and dials the first endpoint.
func (m *Machine) Start() error {
	return m.Signal(EventStart, "")
}

// Signal feeds one event to the machine. detail is only used by EventFatal.
// An event the current state has no transition for returns a *TransitionError.
// Events reaching the terminal state are logged and ignored.
func (m *Machine) Signal(event Event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step(event, detail)
}

// Fatal moves the machine to DISCONNECTED_FOREVER with msg for the user.
func (m *Machine) Fatal(msg string) {
	m.Signal(EventFatal, msg)
}

// Close tears everything down. The machine cannot be restarted.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnectedForever {
		return nil
	}
	return m.step(EventFatal, ErrClosed.Error())
}

// Send writes payload on the live session. With no live session the payload
// is dropped: there is no outbound queue.
func (m *Machine) Send(payload []byte) {
	m.mu.Lock()
	s := m.session
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || s == nil {
		m.log.Debug().Int("bytes", len(payload)).Msg("dropping outbound message, not connected")
		return
	}
	if err := s.Send(payload); err != nil {
		m.log.Debug().Err(err).Msg("outbound message dropped")
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ErrorMessage is the message given when the machine went DISCONNECTED_FOREVER.
func (m *Machine) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// Endpoint returns the endpoint we're connected to, if we are connected.
func (m *Machine) Endpoint() (endpoint.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return endpoint.Endpoint{}, false
	}
	return m.cfg.Endpoints[m.index], true
}

// step must be called with mu held.
func (m *Machine) step(event Event, detail string) error {
	m.log.Debug().Stringer("state", m.state).Stringer("event", event).Msg("step")

	if m.state == StateDisconnectedForever {
		m.log.Warn().Stringer("event", event).Msg("discarding event while disconnected forever")
		return nil
	}

	to, err := next(m.state, event)
	if err != nil {
		m.log.Error().Err(err).Msg("illegal transition")
		return err
	}
	m.enter(to, detail)
	return nil
}

// enter switches state, reports it, then runs the entry action for the new state.
func (m *Machine) enter(to State, detail string) {
	from := m.state
	m.state = to
	if to == StateDisconnectedForever {
		m.errMsg = detail
	}
	m.log.Info().Stringer("from", from).Stringer("to", to).Msg("new state")
	observability.RecordTransition(from.String(), to.String())

	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(to, m.errMsg)
	}

	if from == StatePinging {
		m.cancelProbe()
	}
	switch to {
	case StateConnecting:
		m.connect()
	case StatePinging:
		m.teardownSession()
		m.startProbe()
	case StateDisconnectedForever:
		if detail != "" && detail != ErrClosed.Error() {
			m.log.Error().Str("reason", detail).Msg("fatal connection error")
		}
		m.teardownSession()
		m.cancelProbe()
	}
}

func (m *Machine) connect() {
	if m.session != nil {
		// both paths into CONNECTING tear the old session down first
		m.enter(StateDisconnectedForever, ErrSessionExists.Error())
		return
	}

	token := uuid.NewString()
	m.sessionToken = token
	ep := m.cfg.Endpoints[m.index]
	m.session = m.opts.Dialer.Dial(ep, m.cfg.ConnectTimeout, &sessionHandler{m: m, token: token})
	m.log.Debug().Str("endpoint", ep.String()).Str("session", m.session.ID()).Msg("session created")
}

// teardownSession closes the current session, if any, and forgets its token
// so anything it still reports is treated as stale.
func (m *Machine) teardownSession() {
	m.sessionToken = ""
	if m.session == nil {
		return
	}
	s := m.session
	m.session = nil
	if err := s.Close(); err != nil {
		m.log.Debug().Err(err).Str("session", s.ID()).Msg("session close")
	}
}

func (m *Machine) startProbe() {
	ctx, cancel := context.WithCancel(context.Background())
	token := uuid.NewString()
	m.probeToken = token
	m.probeCancel = cancel
	go m.runProbe(ctx, token)
}

func (m *Machine) cancelProbe() {
	m.probeToken = ""
	if m.probeCancel != nil {
		m.probeCancel()
		m.probeCancel = nil
	}
}

func (m *Machine) runProbe(ctx context.Context, token string) {
	onRetry := func(attempts int, explanation string) {
		if ctx.Err() == nil && m.opts.OnRetry != nil {
			m.opts.OnRetry(attempts, explanation)
		}
	}
	idx, err := m.opts.Prober.Probe(ctx, m.cfg.Endpoints, m.cfg.PingInterval, onRetry)

	m.mu.Lock()
	defer m.mu.Unlock()
	if token != m.probeToken {
		m.log.Debug().Msg("discarding result of superseded probe")
		return
	}
	m.cancelProbe()

	if err != nil {
		m.step(EventFatal, fmt.Sprintf("endpoint probe failed: %v", err))
		return
	}
	m.index = idx
	m.mustStep(EventProbeSucceeded)
}

// mustStep is for events produced inside this package. An illegal transition
// there is a bug in a transport or the prober, so it panics.
func (m *Machine) mustStep(event Event) {
	if err := m.step(event, ""); err != nil {
		panic(err)
	}
}

func (m *Machine) handleSignal(token string, sig transport.Signal, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token != m.sessionToken {
		m.log.Debug().Stringer("signal", sig).Msg("discarding signal from stale session")
		return
	}

	var event Event
	switch sig {
	case transport.SignalSucceeded:
		event = EventConnectSucceeded
	case transport.SignalClosed:
		event = EventConnectionClosed
	case transport.SignalErrored:
		m.log.Debug().Err(err).Msg("session error")
		event = EventConnectionError
	case transport.SignalTimedOut:
		event = EventConnectTimedOut
	default:
		m.step(EventFatal, fmt.Sprintf("unknown transport signal %d", sig))
		return
	}
	m.mustStep(event)
}

func (m *Machine) handleMessage(token string, payload []byte) {
	m.mu.Lock()
	current := token == m.sessionToken && m.state == StateConnected
	m.mu.Unlock()

	if !current {
		m.log.Debug().Msg("discarding message from stale session")
		return
	}
	if m.opts.OnMessage != nil {
		m.opts.OnMessage(payload)
	}
}

// sessionHandler ties a session's callbacks to the token it was dialed under.
type sessionHandler struct {
	m     *Machine
	token string
}

func (h *sessionHandler) OnSignal(sig transport.Signal, err error) {
	h.m.handleSignal(h.token, sig, err)
}

func (h *sessionHandler) OnMessage(payload []byte) {
	h.m.handleMessage(h.token, payload)
}
