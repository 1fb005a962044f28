package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/message"
	"github.com/risa-org/streamlink/observability"
)

const (
	// DefaultSubscriberBuffer is how many messages may queue for one slow
	// subscriber before it is disconnected.
	DefaultSubscriberBuffer = 256

	writeTimeout = 5 * time.Second
)

var ErrUnhashed = errors.New("message has no hash")

// InboundFunc receives whatever a client sends up its stream.
type InboundFunc func(payload []byte)

type Config struct {
	// AllowedOrigins lists the origins allowed to talk to the server.
	// Empty allows any origin. Requests from other origins get 403.
	AllowedOrigins   []string
	SubscriberBuffer int
	OnInbound        InboundFunc
	Codec            message.Codec
	Logger           *zerolog.Logger
}

// Server is a minimal stream server. It broadcasts published messages to
// every websocket subscriber, serves remembered messages by hash and
// reports liveness on the health path.
type Server struct {
	engine    *gin.Engine
	codec     message.Codec
	onInbound InboundFunc
	buffer    int
	log       zerolog.Logger

	mu          sync.Mutex
	healthy     bool
	subscribers map[*subscriber]struct{}
	messages    map[string][]byte
}

type subscriber struct {
	out chan []byte
}

func New(cfg Config) (*Server, error) {
	corsCfg := cors.Config{
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	if err := corsCfg.Validate(); err != nil {
		return nil, fmt.Errorf("cors config: %w", err)
	}

	s := &Server{
		codec:       cfg.Codec,
		onInbound:   cfg.OnInbound,
		buffer:      cfg.SubscriberBuffer,
		healthy:     true,
		subscribers: make(map[*subscriber]struct{}),
		messages:    make(map[string][]byte),
	}
	if s.codec == nil {
		s.codec = message.JSONCodec{}
	}
	if s.buffer <= 0 {
		s.buffer = DefaultSubscriberBuffer
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = observability.Component("server")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetrics())
	r.Use(cors.New(corsCfg))
	s.registerRoutes(r)
	s.engine = r
	return s, nil
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/"+endpoint.HealthPath, s.handleHealth)
	r.GET("/"+endpoint.StreamPath, s.handleStream)
	r.GET("/"+endpoint.MessagePath, s.handleMessage)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetHealthy flips the health path between 200 and 503.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	s.healthy = healthy
	s.mu.Unlock()
}

// Remember makes msg available on the message path by its hash.
func (s *Server) Remember(msg *message.Message) error {
	if msg.Hash == "" {
		return ErrUnhashed
	}
	b, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Hash, err)
	}
	s.mu.Lock()
	s.messages[msg.Hash] = b
	s.mu.Unlock()
	return nil
}

// Publish encodes msg and sends it to every current subscriber.
func (s *Server) Publish(msg *message.Message) error {
	b, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	s.PublishRaw(b)
	return nil
}

// PublishRaw sends payload as is. Subscribers that cannot keep up are dropped.
func (s *Server) PublishRaw(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub.out <- payload:
		default:
			s.log.Warn().Msg("subscriber too slow, disconnecting")
			s.dropLocked(sub)
		}
	}
}

// Subscribers counts attached stream clients.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// CloseStreams disconnects every subscriber with a going-away close.
// The server keeps accepting new ones.
func (s *Server) CloseStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		s.dropLocked(sub)
	}
}

func (s *Server) dropLocked(sub *subscriber) {
	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	close(sub.out)
	observability.RecordSubscribers(len(s.subscribers))
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()

	if !healthy {
		c.String(http.StatusServiceUnavailable, "unhealthy")
		return
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleMessage(c *gin.Context) {
	hash := c.Query("hash")
	if hash == "" {
		c.String(http.StatusBadRequest, "missing hash")
		return
	}
	s.mu.Lock()
	b, ok := s.messages[hash]
	s.mu.Unlock()
	if !ok {
		c.String(http.StatusNotFound, "unknown message")
		return
	}
	c.Data(http.StatusOK, "application/json", b)
}

func (s *Server) handleStream(c *gin.Context) {
	// the cors middleware has already rejected disallowed origins
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}

	sub := &subscriber{out: make(chan []byte, s.buffer)}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	observability.RecordSubscribers(len(s.subscribers))
	s.mu.Unlock()
	s.log.Debug().Str("remote", c.Request.RemoteAddr).Msg("subscriber attached")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.writeLoop(ctx, cancel, conn, sub)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if s.onInbound != nil {
			s.onInbound(data)
		}
	}

	s.mu.Lock()
	s.dropLocked(sub)
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	s.log.Debug().Str("remote", c.Request.RemoteAddr).Msg("subscriber detached")
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-sub.out:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				cancel()
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, b)
			wcancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("write to subscriber failed")
				cancel()
				return
			}
		}
	}
}
