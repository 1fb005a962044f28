package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/message"
	"github.com/risa-org/streamlink/observability"
)

const (
	// DefaultMaxMessageAge is how many completed runs a message survives
	// without being referenced.
	DefaultMaxMessageAge = 2

	defaultFetchTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("no connected endpoint to fetch from")
	ErrFetchFailed  = errors.New("fetching referenced message failed")
)

// Entry is a cached message and the run it was last used in.
type Entry struct {
	Message         *message.Message
	LastAccessedRun int
}

// Store holds entries by hash. store/memory and store/sqlite implement it.
type Store interface {
	Get(ctx context.Context, hash string) (Entry, bool, error)
	Put(ctx context.Context, hash string, e Entry) error
	// EvictBefore drops every entry last accessed before run and returns
	// how many went.
	EvictBefore(ctx context.Context, run int) (int, error)
	Len(ctx context.Context) (int, error)
}

// EndpointFunc reports where referenced payloads can be fetched from.
// connection.Machine.Endpoint satisfies it.
type EndpointFunc func() (endpoint.Endpoint, bool)

type Options struct {
	Client *http.Client
	Codec  message.Codec
	Logger *zerolog.Logger
}

// Cache resolves messages whose payload is only referenced by hash, and
// remembers cacheable messages so later references are served locally.
type Cache struct {
	store    Store
	endpoint EndpointFunc
	client   *http.Client
	codec    message.Codec
	log      zerolog.Logger

	mu       sync.Mutex
	runCount int
}

func New(store Store, ep EndpointFunc, opts Options) *Cache {
	c := &Cache{
		store:    store,
		endpoint: ep,
		client:   opts.Client,
		codec:    opts.Codec,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if c.codec == nil {
		c.codec = message.JSONCodec{}
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	} else {
		c.log = observability.Component("cache")
	}
	return c
}

// ProcessPayload decodes raw and returns the message with its payload
// resolved. References are served from the store when possible and fetched
// from the connected endpoint otherwise. The returned message keeps the
// metadata of the message that arrived.
func (c *Cache) ProcessPayload(ctx context.Context, raw []byte) (*message.Message, error) {
	msg, err := c.codec.Decode(raw)
	if err != nil {
		return nil, err
	}

	if !msg.IsReference() {
		if msg.Metadata.Cacheable {
			if err := c.remember(ctx, msg); err != nil {
				return nil, err
			}
		}
		return msg, nil
	}

	run := c.currentRun()
	entry, ok, err := c.store.Get(ctx, msg.RefHash)
	if err != nil {
		return nil, fmt.Errorf("cache lookup %s: %w", msg.RefHash, err)
	}

	var target *message.Message
	if ok {
		entry.LastAccessedRun = run
		if err := c.store.Put(ctx, msg.RefHash, entry); err != nil {
			return nil, fmt.Errorf("cache touch %s: %w", msg.RefHash, err)
		}
		observability.RecordCacheLookup("hit")
		target = entry.Message
	} else {
		target, err = c.fetch(ctx, msg.RefHash)
		if err != nil {
			observability.RecordCacheLookup("failed")
			return nil, err
		}
		observability.RecordCacheLookup("fetched")
		if target.Metadata.Cacheable {
			if err := c.remember(ctx, target); err != nil {
				return nil, err
			}
		}
	}

	resolved := *target
	resolved.Metadata = msg.Metadata
	return &resolved, nil
}

// OnRunCompleted advances the run count and evicts everything not used in
// the last maxAge runs.
func (c *Cache) OnRunCompleted(ctx context.Context, maxAge int) error {
	if maxAge < 0 {
		maxAge = 0
	}
	c.mu.Lock()
	c.runCount++
	run := c.runCount
	c.mu.Unlock()

	evicted, err := c.store.EvictBefore(ctx, run-maxAge)
	if err != nil {
		return fmt.Errorf("cache eviction: %w", err)
	}
	if evicted > 0 {
		c.log.Debug().Int("evicted", evicted).Int("run", run).Msg("evicted stale messages")
	}
	return nil
}

// RunCount is the number of completed runs seen so far.
func (c *Cache) RunCount() int {
	return c.currentRun()
}

func (c *Cache) currentRun() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCount
}

func (c *Cache) remember(ctx context.Context, msg *message.Message) error {
	if msg.Hash == "" {
		return nil
	}
	e := Entry{Message: msg, LastAccessedRun: c.currentRun()}
	if err := c.store.Put(ctx, msg.Hash, e); err != nil {
		return fmt.Errorf("cache store %s: %w", msg.Hash, err)
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, hash string) (*message.Message, error) {
	ep, ok := c.endpoint()
	if !ok {
		return nil, ErrNotConnected
	}

	target := ep.HTTPURL(endpoint.MessagePath) + "?hash=" + url.QueryEscape(hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrFetchFailed, hash, resp.StatusCode)
	}

	msg, err := c.codec.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if msg.IsReference() {
		return nil, fmt.Errorf("%w: %s resolved to another reference", ErrFetchFailed, hash)
	}
	c.log.Debug().Str("hash", hash).Str("endpoint", ep.String()).Msg("fetched referenced message")
	return msg, nil
}
