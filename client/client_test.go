package client

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/streamlink/config"
	"github.com/risa-org/streamlink/connection"
	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/message"
	"github.com/risa-org/streamlink/probe"
	"github.com/risa-org/streamlink/transport"
)

// -------------------------------------------------------
// fakes
// -------------------------------------------------------

// openSession succeeds as soon as it is dialed and lets the test inject
// inbound payloads.
type openSession struct {
	id      string
	handler transport.Handler

	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func (s *openSession) ID() string { return s.id }

func (s *openSession) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrTransportClosed
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *openSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *openSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type openDialer struct {
	mu       sync.Mutex
	sessions []*openSession
}

func (d *openDialer) Dial(ep endpoint.Endpoint, _ time.Duration, h transport.Handler) transport.Session {
	d.mu.Lock()
	s := &openSession{id: ep.Host, handler: h}
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	go h.OnSignal(transport.SignalSucceeded, nil)
	return s
}

func (d *openDialer) last() *openSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type alwaysOK struct{}

func (alwaysOK) Check(context.Context, endpoint.Endpoint, time.Duration) probe.Result {
	return probe.Result{Outcome: probe.OutcomeOK, Status: 200}
}

type received struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (r *received) add(m *message.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *received) hashes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Hash)
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Endpoints = []endpoint.Endpoint{{Host: "primary", Port: 8501}}
	return cfg
}

func startClient(t *testing.T, cfg config.Config) (*Client, *openDialer, *received) {
	t.Helper()
	nop := zerolog.Nop()
	dialer := &openDialer{}
	got := &received{}
	c, err := New(context.Background(), cfg, Options{
		OnMessage: got.add,
		Dialer:    dialer,
		Checker:   alwaysOK{},
		Logger:    &nop,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "connected", func() bool { return c.State() == connection.StateConnected })
	return c, dialer, got
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func payload(t *testing.T, hash string) []byte {
	t.Helper()
	b, err := json.Marshal(message.Message{Hash: hash, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// -------------------------------------------------------
// tests
// -------------------------------------------------------

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), config.Default(), Options{})
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	c, dialer, got := startClient(t, testConfig())

	s := dialer.last()
	for _, h := range []string{"a", "b", "c", "d"} {
		s.handler.OnMessage(payload(t, h))
	}
	waitFor(t, "four messages", func() bool { return len(got.hashes()) == 4 })

	if strings.Join(got.hashes(), "") != "abcd" {
		t.Errorf("expected abcd, got %v", got.hashes())
	}
	if ep, ok := c.Endpoint(); !ok || ep.Host != "primary" {
		t.Errorf("expected connected endpoint primary, got %v %v", ep, ok)
	}
}

func TestSendReachesSession(t *testing.T) {
	c, dialer, _ := startClient(t, testConfig())

	c.Send([]byte("back channel"))
	if dialer.last().sentCount() != 1 {
		t.Errorf("expected one outbound message")
	}
}

func TestUndecodableMessageIsFatal(t *testing.T) {
	c, dialer, _ := startClient(t, testConfig())

	dialer.last().handler.OnMessage([]byte("garbage"))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	if c.State() != connection.StateDisconnectedForever {
		t.Errorf("expected DISCONNECTED_FOREVER, got %v", c.State())
	}
	if !strings.HasPrefix(c.Err(), "Failed to process a websocket message (") {
		t.Errorf("unexpected error message %q", c.Err())
	}
}

func TestReferenceWithoutCachedMessageFetchesFromEndpoint(t *testing.T) {
	// nothing listens on the endpoint, so the fetch fails and the client stops
	cfg := testConfig()
	cfg.Endpoints = []endpoint.Endpoint{{Host: "127.0.0.1", Port: 1}}
	c, dialer, _ := startClient(t, cfg)

	b, _ := json.Marshal(message.Message{RefHash: "nowhere"})
	dialer.last().handler.OnMessage(b)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	if !strings.Contains(c.Err(), "fetching referenced message failed") {
		t.Errorf("unexpected error message %q", c.Err())
	}
}

func TestCloseIsFinal(t *testing.T) {
	c, dialer, _ := startClient(t, testConfig())

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if c.Err() != connection.ErrClosed.Error() {
		t.Errorf("unexpected error message %q", c.Err())
	}
	if _, ok := c.Endpoint(); ok {
		t.Error("expected no endpoint after Close")
	}
	c.Send([]byte("dropped"))
	if dialer.last().sentCount() != 0 {
		t.Error("send after close reached the session")
	}
}

func TestSQLiteBackend(t *testing.T) {
	cfg := testConfig()
	cfg.CacheBackend = config.BackendSQLite
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.db")

	c, dialer, got := startClient(t, cfg)

	cacheable, _ := json.Marshal(message.Message{
		Hash:     "h1",
		Metadata: message.Metadata{Cacheable: true},
		Payload:  json.RawMessage(`"stored"`),
	})
	ref, _ := json.Marshal(message.Message{Hash: "r1", RefHash: "h1"})

	s := dialer.last()
	s.handler.OnMessage(cacheable)
	waitFor(t, "cacheable message", func() bool { return len(got.hashes()) == 1 })
	s.handler.OnMessage(ref)
	waitFor(t, "two messages", func() bool { return len(got.hashes()) == 2 })

	got.mu.Lock()
	second := got.msgs[1]
	got.mu.Unlock()
	if string(second.Payload) != `"stored"` {
		t.Errorf("expected reference resolved from the sqlite cache, got %s", second.Payload)
	}
	if err := c.OnRunCompleted(-1); err != nil {
		t.Errorf("run completed: %v", err)
	}
}
