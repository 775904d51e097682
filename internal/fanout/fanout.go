// Package fanout routes normalized events to per-consumer buffered streams.
package fanout

import (
	"sync"

	"github.com/google/uuid"

	"github.com/finbranch/hyperfeed/config"
	"github.com/finbranch/hyperfeed/errs"
	"github.com/finbranch/hyperfeed/internal/observability"
	"github.com/finbranch/hyperfeed/internal/schema"
)

// Options configure one consumer stream.
type Options struct {
	BufferSize        int
	OverflowPolicy    config.OverflowPolicy
	IncludeHeartbeats bool
}

func (o Options) normalize() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.OverflowPolicy == "" {
		o.OverflowPolicy = config.OverflowDropOldest
	}
	return o
}

// Consumer is one caller-facing output stream. Events are read from C; the
// channel closes on detach, terminal failure, or distributor shutdown, after
// which Err reports the terminal condition if any.
type Consumer struct {
	id   uuid.UUID
	key  schema.SubscriptionKey
	opts Options

	ch chan *schema.Event

	mu     sync.Mutex
	err    error
	closed bool
}

// ID returns the consumer's unique identity.
func (c *Consumer) ID() uuid.UUID {
	return c.id
}

// Key returns the (channel, symbol) pair the consumer subscribed to.
func (c *Consumer) Key() schema.SubscriptionKey {
	return c.key
}

// C returns the consumer's event stream.
func (c *Consumer) C() <-chan *schema.Event {
	return c.ch
}

// Err reports why the stream ended, or nil for an orderly detach.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Distributor fans events out to every live consumer of their
// (channel, symbol). Delivery never blocks: each consumer owns a bounded
// buffer with an overflow policy, so a slow reader cannot stall the
// pipeline or its peers.
type Distributor struct {
	mu        sync.RWMutex
	consumers map[schema.SubscriptionKey]map[uuid.UUID]*Consumer
	all       map[uuid.UUID]*Consumer
	shutdown  bool
}

// New creates an empty distributor.
func New() *Distributor {
	return &Distributor{
		consumers: make(map[schema.SubscriptionKey]map[uuid.UUID]*Consumer),
		all:       make(map[uuid.UUID]*Consumer),
		shutdown:  false,
	}
}

// Attach registers a new consumer for the key.
func (d *Distributor) Attach(key schema.SubscriptionKey, opts Options) (*Consumer, error) {
	opts = opts.normalize()
	consumer := &Consumer{
		id:     uuid.New(),
		key:    key,
		opts:   opts,
		ch:     make(chan *schema.Event, opts.BufferSize),
		mu:     sync.Mutex{},
		err:    nil,
		closed: false,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return nil, errs.New("fanout/attach", errs.CodeUnavailable,
			errs.WithMessage("distributor is shut down"))
	}
	byID, ok := d.consumers[key]
	if !ok {
		byID = make(map[uuid.UUID]*Consumer)
		d.consumers[key] = byID
	}
	byID[consumer.id] = consumer
	d.all[consumer.id] = consumer
	return consumer, nil
}

// Detach removes the consumer and closes its stream. Detaching is effective
// immediately for future delivery; an in-flight fan-out step may still land
// in the buffer.
func (d *Distributor) Detach(consumer *Consumer) {
	if consumer == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(consumer, nil)
}

// Publish routes the event to every consumer of its (channel, symbol).
// Error events without a symbol are broadcast to all consumers.
func (d *Distributor) Publish(evt *schema.Event) {
	if evt == nil {
		return
	}
	if evt.Type == schema.EventTypeError && evt.Symbol == "" {
		d.Broadcast(evt)
		return
	}
	key := schema.SubscriptionKey{Channel: evt.Channel, Symbol: evt.Symbol}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, consumer := range d.consumers[key] {
		d.offer(consumer, evt)
	}
}

// Broadcast delivers the event to every live consumer regardless of key.
func (d *Distributor) Broadcast(evt *schema.Event) {
	if evt == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, consumer := range d.all {
		d.offer(consumer, evt)
	}
}

// BroadcastHeartbeat delivers a liveness event to consumers that opted in.
func (d *Distributor) BroadcastHeartbeat(evt *schema.Event) {
	if evt == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, consumer := range d.all {
		if consumer.opts.IncludeHeartbeats {
			d.offer(consumer, evt)
		}
	}
}

// Fail delivers a terminal error event to every consumer of the key and
// closes their streams. Other keys are unaffected.
func (d *Distributor) Fail(key schema.SubscriptionKey, evt *schema.Event, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, consumer := range d.consumers[key] {
		if evt != nil {
			d.forceOffer(consumer, evt)
		}
		d.removeLocked(consumer, cause)
	}
}

// Shutdown broadcasts the final event and closes every consumer stream.
func (d *Distributor) Shutdown(final *schema.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return
	}
	d.shutdown = true
	for _, consumer := range d.all {
		if final != nil {
			d.forceOffer(consumer, final)
		}
		d.removeLocked(consumer, nil)
	}
}

// ConsumerCount reports live consumers for a key.
func (d *Distributor) ConsumerCount(key schema.SubscriptionKey) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.consumers[key])
}

// offer applies the consumer's overflow policy. Callers hold at least the
// read lock, which excludes concurrent close.
func (d *Distributor) offer(consumer *Consumer, evt *schema.Event) {
	consumer.mu.Lock()
	if consumer.closed {
		consumer.mu.Unlock()
		return
	}
	delivered := d.tryDeliver(consumer, evt)
	consumer.mu.Unlock()

	if delivered {
		return
	}
	if consumer.opts.OverflowPolicy == config.OverflowError {
		// The buffer stayed full: the stream terminates per policy.
		overflow := errs.New("fanout/deliver", errs.CodeUnavailable,
			errs.WithMessage("consumer buffer overflow"),
			errs.WithSubscription(string(consumer.key.Channel), consumer.key.Symbol))
		consumer.mu.Lock()
		if !consumer.closed {
			consumer.closed = true
			consumer.err = overflow
			close(consumer.ch)
		}
		consumer.mu.Unlock()
		// Callers hold the read lock; index removal needs the write lock.
		go func() {
			d.mu.Lock()
			d.detachIndexOnly(consumer)
			d.mu.Unlock()
		}()
	}
}

// tryDeliver attempts one delivery under the consumer lock, honouring the
// drop policies. It reports false only when the event was not enqueued and
// the policy is error.
func (d *Distributor) tryDeliver(consumer *Consumer, evt *schema.Event) bool {
	clone := evt.Clone()
	select {
	case consumer.ch <- clone:
		return true
	default:
	}

	switch consumer.opts.OverflowPolicy {
	case config.OverflowDropNewest:
		d.countDrop(consumer)
		return true
	case config.OverflowDropOldest:
		select {
		case <-consumer.ch:
			d.countDrop(consumer)
		default:
		}
		select {
		case consumer.ch <- clone:
		default:
		}
		return true
	case config.OverflowError:
		return false
	default:
		return true
	}
}

// forceOfferLocked delivers a terminal event, evicting the oldest buffered
// event if needed so the final signal is never lost.
func (d *Distributor) forceOffer(consumer *Consumer, evt *schema.Event) {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if consumer.closed {
		return
	}
	clone := evt.Clone()
	select {
	case consumer.ch <- clone:
		return
	default:
	}
	select {
	case <-consumer.ch:
	default:
	}
	select {
	case consumer.ch <- clone:
	default:
	}
}

func (d *Distributor) removeLocked(consumer *Consumer, cause error) {
	if byID, ok := d.consumers[consumer.key]; ok {
		delete(byID, consumer.id)
		if len(byID) == 0 {
			delete(d.consumers, consumer.key)
		}
	}
	delete(d.all, consumer.id)

	consumer.mu.Lock()
	if !consumer.closed {
		consumer.closed = true
		consumer.err = cause
		close(consumer.ch)
	}
	consumer.mu.Unlock()
}

// detachIndexOnly removes an already-closed consumer from the routing maps.
func (d *Distributor) detachIndexOnly(consumer *Consumer) {
	if byID, ok := d.consumers[consumer.key]; ok {
		delete(byID, consumer.id)
		if len(byID) == 0 {
			delete(d.consumers, consumer.key)
		}
	}
	delete(d.all, consumer.id)
}

func (d *Distributor) countDrop(consumer *Consumer) {
	observability.Telemetry().IncCounter("hyperfeed_consumer_drops_total", 1, map[string]string{
		"channel": string(consumer.key.Channel),
		"policy":  string(consumer.opts.OverflowPolicy),
	})
}
