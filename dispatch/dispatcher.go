package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/risa-org/streamlink/message"
	"github.com/risa-org/streamlink/observability"
)

// Resolver decodes a raw message and resolves any payload it references.
// cache.Cache satisfies it.
type Resolver interface {
	ProcessPayload(ctx context.Context, raw []byte) (*message.Message, error)
}

// DeliverFunc receives messages strictly in arrival order. It runs with the
// dispatcher locked and must not call back into it.
type DeliverFunc func(msg *message.Message)

// ErrorFunc is told when a message cannot be resolved. That message's slot
// never fills, so nothing after it is released.
type ErrorFunc func(seq uint64, err error)

type Options struct {
	OnError ErrorFunc
	Logger  *zerolog.Logger
}

// Dispatcher hands messages to the application in the order they arrived,
// although each one is resolved on its own goroutine and they can finish in
// any order.
//
// Every arrival gets the next sequence number. A resolved message waits in
// slots until everything before it has been released, so one slow early
// message holds back all later ones.
type Dispatcher struct {
	resolver Resolver
	deliver  DeliverFunc
	onError  ErrorFunc
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	nextSeq     uint64                      // assigned to the next arrival
	nextRelease uint64                      // the only seq allowed out next
	slots       map[uint64]*message.Message // resolved, not yet released
}

func New(resolver Resolver, deliver DeliverFunc, opts Options) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		resolver: resolver,
		deliver:  deliver,
		onError:  opts.OnError,
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[uint64]*message.Message),
	}
	if opts.Logger != nil {
		d.log = *opts.Logger
	} else {
		d.log = observability.Component("dispatch")
	}
	return d
}

// OnArrival must be called once per inbound message, in wire order.
// It returns the sequence number the message was given.
func (d *Dispatcher) OnArrival(raw []byte) uint64 {
	d.mu.Lock()
	seq := d.nextSeq
	d.nextSeq++
	d.mu.Unlock()

	d.wg.Add(1)
	go d.resolve(seq, raw)
	return seq
}

func (d *Dispatcher) resolve(seq uint64, raw []byte) {
	defer d.wg.Done()

	msg, err := d.resolver.ProcessPayload(d.ctx, raw)
	if err != nil {
		if d.ctx.Err() != nil {
			return
		}
		d.log.Error().Err(err).Uint64("seq", seq).Msg("message resolution failed")
		if d.onError != nil {
			d.onError(seq, err)
		}
		return
	}
	d.store(seq, msg)
}

// store fills seq's slot and releases every consecutive resolved slot from
// the cursor onwards.
func (d *Dispatcher) store(seq uint64, msg *message.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		return
	}
	if _, dup := d.slots[seq]; dup || seq < d.nextRelease {
		d.log.Error().Uint64("seq", seq).Msg("slot filled twice")
		return
	}
	d.slots[seq] = msg

	released := 0
	for {
		next, ok := d.slots[d.nextRelease]
		if !ok {
			break
		}
		delete(d.slots, d.nextRelease)
		d.nextRelease++
		released++
		d.deliver(next)
	}
	if released == 0 {
		d.log.Debug().Uint64("seq", seq).Uint64("waiting_for", d.nextRelease).Msg("holding message")
	}
	observability.RecordDispatch(released, len(d.slots))
}

// Cursor is the sequence number of the last released message, -1 before the first.
func (d *Dispatcher) Cursor() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(d.nextRelease) - 1
}

// Buffered counts resolved messages held back by an earlier unresolved one.
func (d *Dispatcher) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// Arrived counts messages handed to OnArrival.
func (d *Dispatcher) Arrived() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextSeq
}

// Close abandons outstanding resolutions and waits for their goroutines.
// Nothing is delivered after Close returns.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
