// Package feed is the public entry point for consuming normalized
// Hyperliquid market data. A Client owns one supervised connection and fans
// events out to any number of independent streams.
package feed

import (
	"context"
	"sync"

	"github.com/finbranch/hyperfeed/config"
	"github.com/finbranch/hyperfeed/errs"
	"github.com/finbranch/hyperfeed/internal/fanout"
	"github.com/finbranch/hyperfeed/internal/normalizer"
	"github.com/finbranch/hyperfeed/internal/numeric"
	"github.com/finbranch/hyperfeed/internal/registry"
	"github.com/finbranch/hyperfeed/internal/schema"
	"github.com/finbranch/hyperfeed/internal/supervisor"
	"github.com/finbranch/hyperfeed/internal/transport"
)

// Option customises a Client at construction time.
type Option func(*Client)

// WithTransport overrides the websocket transport, primarily for tests.
func WithTransport(tr transport.Transport) Option {
	return func(c *Client) {
		c.transport = tr
	}
}

// WithoutMonotonicGate disables the per-symbol ordering gate for venues
// whose replay behaviour is expected by the caller.
func WithoutMonotonicGate() Option {
	return func(c *Client) {
		c.normOpts = append(c.normOpts, normalizer.WithoutMonotonicGate())
	}
}

// Client multiplexes one venue connection across independent subscribers.
type Client struct {
	cfg       config.Settings
	transport transport.Transport
	normOpts  []normalizer.Option

	reg  *registry.Registry
	dist *fanout.Distributor
	sup  *supervisor.Supervisor

	mu     sync.Mutex
	closed bool
}

// New validates the configuration and starts the connection supervisor. The
// client keeps reconnecting in the background until Close is called.
func New(cfg config.Settings, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.transport == nil {
		c.transport = transport.NewWebsocket(cfg.Endpoint, cfg.HandshakeTimeout, cfg.Subscribe.ControlInterval)
	}
	if len(cfg.Assets) > 0 {
		meta := make(map[string]int32, len(cfg.Assets))
		for _, asset := range cfg.Assets {
			meta[asset.Symbol] = numeric.ScaleFromStep(asset.SizeStep)
		}
		c.normOpts = append(c.normOpts, normalizer.WithSizeDecimals(meta))
	}
	c.reg = registry.New()
	c.dist = fanout.New()
	c.sup = supervisor.New(cfg, c.transport, c.reg, normalizer.New(cfg.Venue, c.normOpts...), c.dist)
	c.sup.Start(context.Background())
	return c, nil
}

// StreamConfig tunes one subscription stream. Zero values fall back to the
// client-wide consumer defaults.
type StreamConfig struct {
	// BufferSize bounds the stream's event buffer.
	BufferSize int
	// OverflowPolicy selects what happens when the buffer is full.
	OverflowPolicy config.OverflowPolicy
	// IncludeHeartbeats opts the stream into venue liveness events.
	IncludeHeartbeats bool
}

// Stream is one caller's view of a subscription. Closing it releases the
// claim; the venue subscription ends once the last stream for the key closes.
type Stream struct {
	client   *Client
	handle   *registry.Handle
	consumer *fanout.Consumer
	once     sync.Once
}

// Events returns the stream's event channel. It closes on Stream.Close,
// client shutdown, or a terminal subscription failure.
func (s *Stream) Events() <-chan *schema.Event {
	return s.consumer.C()
}

// Err reports why the stream ended, or nil after an orderly close.
func (s *Stream) Err() error {
	return s.consumer.Err()
}

// Close releases the subscription claim and ends the stream. Closing twice
// is a no-op.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.handle.Release()
		s.client.dist.Detach(s.consumer)
		s.client.sup.Nudge()
	})
}

// Subscribe opens a stream for the (channel, symbol) pair. Concurrent
// subscribers to the same pair share one venue subscription but receive
// independent copies of every event.
func (c *Client) Subscribe(ctx context.Context, channel schema.Channel, symbol string, sc StreamConfig) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("feed/subscribe", errs.CodeInvalid, errs.WithCause(err))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.New("feed/subscribe", errs.CodeUnavailable,
			errs.WithMessage("client is closed"))
	}
	c.mu.Unlock()

	key := schema.SubscriptionKey{Channel: channel, Symbol: symbol}
	handle, err := c.reg.Register(key)
	if err != nil {
		return nil, err
	}

	opts := fanout.Options{
		BufferSize:        sc.BufferSize,
		OverflowPolicy:    sc.OverflowPolicy,
		IncludeHeartbeats: sc.IncludeHeartbeats,
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = c.cfg.Consumer.BufferSize
	}
	if opts.OverflowPolicy == "" {
		opts.OverflowPolicy = c.cfg.Consumer.OverflowPolicy
	}
	consumer, err := c.dist.Attach(key, opts)
	if err != nil {
		handle.Release()
		return nil, err
	}

	c.sup.Nudge()
	return &Stream{client: c, handle: handle, consumer: consumer}, nil
}

// State reports the current connection state.
func (c *Client) State() schema.ConnectionState {
	return c.sup.State()
}

// Close disconnects from the venue and closes every open stream with a final
// disconnected status event. Close blocks until the supervisor has exited.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.sup.Stop()
}
