package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/risa-org/streamlink/cache"
	"github.com/risa-org/streamlink/config"
	"github.com/risa-org/streamlink/connection"
	"github.com/risa-org/streamlink/dispatch"
	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/message"
	"github.com/risa-org/streamlink/observability"
	"github.com/risa-org/streamlink/probe"
	"github.com/risa-org/streamlink/store/memory"
	"github.com/risa-org/streamlink/store/sqlite"
	"github.com/risa-org/streamlink/transport"
	"github.com/risa-org/streamlink/transport/websocket"
)

// MessageFunc receives resolved messages in the order they arrived.
// It runs with the dispatcher locked and must not block for long.
type MessageFunc func(msg *message.Message)

// Options customises a Client. Zero values select the production pieces:
// the websocket dialer, the HTTP liveness checker and the store named by
// the config's cache backend.
type Options struct {
	OnMessage     MessageFunc
	OnStateChange connection.StateFunc
	OnRetry       probe.RetryFunc

	Dialer  transport.Dialer
	Checker probe.Checker
	Store   cache.Store
	Codec   message.Codec
	Logger  *zerolog.Logger
}

// Client keeps one ordered stream of messages flowing from whichever
// configured endpoint is alive.
type Client struct {
	cfg config.Config
	log zerolog.Logger

	machine    *connection.Machine
	dispatcher *dispatch.Dispatcher
	cache      *cache.Cache
	storeClose io.Closer

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// New builds a client from cfg. Nothing is dialed until Start.
func New(ctx context.Context, cfg config.Config, opts Options) (*Client, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, done: make(chan struct{})}
	if opts.Logger != nil {
		c.log = *opts.Logger
	} else {
		c.log = observability.Component("client")
	}

	store := opts.Store
	if store == nil {
		var err error
		store, c.storeClose, err = openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	c.cache = cache.New(store, c.endpoint, cache.Options{Codec: opts.Codec, Logger: opts.Logger})

	deliver := func(msg *message.Message) {
		if opts.OnMessage != nil {
			opts.OnMessage(msg)
		}
	}
	c.dispatcher = dispatch.New(c.cache, deliver, dispatch.Options{
		OnError: c.onResolveError,
		Logger:  opts.Logger,
	})

	dialer := opts.Dialer
	if dialer == nil {
		d := websocket.NewDialer()
		d.Logger = opts.Logger
		dialer = d
	}
	checker := opts.Checker
	if checker == nil {
		checker = probe.NewHTTPChecker()
	}
	prober := probe.NewProber(checker, probe.Options{
		CommandLine: cfg.CommandLine,
		Logger:      opts.Logger,
	})

	machine, err := connection.New(connection.Config{
		Endpoints:      cfg.Endpoints,
		ConnectTimeout: cfg.ConnectTimeout,
		PingInterval:   cfg.PingInterval,
	}, connection.Options{
		Dialer: dialer,
		Prober: prober,
		OnStateChange: func(state connection.State, errMsg string) {
			if state == connection.StateDisconnectedForever {
				c.doneOnce.Do(func() { close(c.done) })
			}
			if opts.OnStateChange != nil {
				opts.OnStateChange(state, errMsg)
			}
		},
		OnRetry:   opts.OnRetry,
		OnMessage: func(payload []byte) { c.dispatcher.OnArrival(payload) },
		Logger:    opts.Logger,
	})
	if err != nil {
		c.dispatcher.Close()
		if c.storeClose != nil {
			c.storeClose.Close()
		}
		return nil, err
	}
	c.machine = machine
	return c, nil
}

func openStore(ctx context.Context, cfg config.Config) (cache.Store, io.Closer, error) {
	switch cfg.CacheBackend {
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.CachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open message cache: %w", err)
		}
		return s, s, nil
	default:
		return memory.New(), nil, nil
	}
}

// Start dials the first endpoint.
func (c *Client) Start() error {
	return c.machine.Start()
}

// Send writes payload to the connected endpoint, or drops it when there is none.
func (c *Client) Send(payload []byte) {
	c.machine.Send(payload)
}

// OnRunCompleted marks a run boundary for cache eviction. A negative maxAge
// uses the configured max_message_age.
func (c *Client) OnRunCompleted(maxAge int) error {
	if maxAge < 0 {
		maxAge = c.cfg.MaxMessageAge
	}
	return c.cache.OnRunCompleted(context.Background(), maxAge)
}

func (c *Client) State() connection.State {
	return c.machine.State()
}

// Endpoint is the endpoint currently connected to, if any.
func (c *Client) Endpoint() (endpoint.Endpoint, bool) {
	return c.endpoint()
}

// Done is closed once the client is disconnected for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err explains why the client stopped, empty while it is still running.
func (c *Client) Err() string {
	return c.machine.ErrorMessage()
}

// Close disconnects for good and releases the cache store.
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		if err := c.machine.Close(); err != nil {
			errs = append(errs, err)
		}
		c.dispatcher.Close()
		if c.storeClose != nil {
			if err := c.storeClose.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// endpoint is looked up at fetch time since the machine does not exist yet
// when the cache is built.
func (c *Client) endpoint() (endpoint.Endpoint, bool) {
	if c.machine == nil {
		return endpoint.Endpoint{}, false
	}
	return c.machine.Endpoint()
}

func (c *Client) onResolveError(seq uint64, err error) {
	c.machine.Fatal(fmt.Sprintf("Failed to process a websocket message (%v)", err))
}
