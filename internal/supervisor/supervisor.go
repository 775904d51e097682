// Package supervisor owns the connection lifecycle: dialing, resubscribing,
// liveness, and reconnect backoff.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/finbranch/hyperfeed/config"
	"github.com/finbranch/hyperfeed/errs"
	"github.com/finbranch/hyperfeed/internal/fanout"
	"github.com/finbranch/hyperfeed/internal/normalizer"
	"github.com/finbranch/hyperfeed/internal/observability"
	"github.com/finbranch/hyperfeed/internal/registry"
	"github.com/finbranch/hyperfeed/internal/schema"
	"github.com/finbranch/hyperfeed/internal/transport"
)

// Supervisor drives exactly one live connection at a time. It resubscribes
// the registry's desired set after every (re)connect, publishes normalized
// events to the distributor, and reconnects with jittered exponential backoff
// when the transport fails or the venue goes silent.
type Supervisor struct {
	cfg  config.Settings
	tr   transport.Transport
	reg  *registry.Registry
	norm *normalizer.Normalizer
	dist *fanout.Distributor

	// wake nudges the session loop to reconcile after registry changes.
	wake chan struct{}

	mu    sync.Mutex
	state schema.ConnectionState

	wg        *conc.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires a supervisor over its collaborators. Start must be called before
// events flow.
func New(cfg config.Settings, tr transport.Transport, reg *registry.Registry, norm *normalizer.Normalizer, dist *fanout.Distributor) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		tr:    tr,
		reg:   reg,
		norm:  norm,
		dist:  dist,
		wake:  make(chan struct{}, 1),
		state: schema.StateDisconnected,
		wg:    conc.NewWaitGroup(),
	}
}

// Start launches the connection loop. Calling Start twice is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() { s.run(runCtx) })
	})
}

// Stop tears the connection down and blocks until the loop has exited. Every
// consumer stream is closed with a final disconnected status event.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Nudge asks the session loop to reconcile subscriptions with the registry.
// Safe to call at any time, including while disconnected.
func (s *Supervisor) Nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// State reports the current connection state.
func (s *Supervisor) State() schema.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Backoff.MinDelay
	bo.MaxInterval = s.cfg.Backoff.MaxDelay
	bo.RandomizationFactor = s.cfg.Backoff.JitterFraction
	bo.Reset()

	for ctx.Err() == nil {
		s.setState(schema.StateConnecting, "dialing")
		conn, err := s.tr.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			observability.Log().Warn("dial failed", observability.F("error", err))
			s.setState(schema.StateBackoff, "dial failed")
			if !s.sleep(ctx, bo) {
				break
			}
			continue
		}
		observability.Telemetry().IncCounter("hyperfeed_connects_total", 1, nil)

		connectedAt := time.Now()
		reason := s.session(ctx, conn)
		_ = conn.Close(reason)
		if ctx.Err() != nil {
			break
		}

		observability.Log().Warn("session ended",
			observability.F("reason", reason),
			observability.F("uptime", time.Since(connectedAt).String()))
		if time.Since(connectedAt) >= s.cfg.Backoff.StabilityThreshold {
			bo.Reset()
		}
		s.setState(schema.StateBackoff, reason)
		if !s.sleep(ctx, bo) {
			break
		}
	}

	s.recordState(schema.StateDisconnected)
	s.dist.Shutdown(s.statusEvent(schema.StateDisconnected, "shutdown"))
}

// sleep waits for the next backoff delay. It reports false when the context
// ended first.
func (s *Supervisor) sleep(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	delay := bo.NextBackOff()
	if delay <= 0 {
		delay = s.cfg.Backoff.MaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// session runs one connection to completion and returns the reason it ended.
func (s *Supervisor) session(ctx context.Context, conn transport.Conn) string {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(schema.StateSubscribing, "requesting desired set")

	// A fresh connection has no venue-side subscriptions, so released
	// entries are pruned without wire traffic.
	s.reg.Prune()
	s.reg.ResetAcks()
	sent := make(map[schema.SubscriptionKey]struct{})
	if err := s.reconcile(sctx, conn, sent); err != nil {
		return err.Error()
	}

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	reader := conc.NewWaitGroup()
	defer func() {
		// Unblock the pending Read before waiting for the goroutine.
		cancel()
		reader.Wait()
	}()
	reader.Go(func() {
		for {
			payload, err := conn.Read(sctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- payload:
			case <-sctx.Done():
				return
			}
		}
	})

	ping := time.NewTicker(s.cfg.Heartbeat.Interval)
	defer ping.Stop()
	ackTimer := time.NewTimer(s.cfg.Subscribe.AckWindow)
	defer ackTimer.Stop()

	lastMsg := time.Now()
	for {
		select {
		case <-sctx.Done():
			return "shutdown"

		case err := <-readErr:
			observability.Telemetry().IncCounter("hyperfeed_disconnects_total", 1, nil)
			return err.Error()

		case payload := <-frames:
			lastMsg = time.Now()
			if s.handleFrame(sctx, conn, payload, sent) {
				ackTimer.Reset(s.cfg.Subscribe.AckWindow)
			}

		case <-ping.C:
			if time.Since(lastMsg) > s.cfg.Heartbeat.Timeout {
				observability.Telemetry().IncCounter("hyperfeed_heartbeat_timeouts_total", 1, nil)
				return "heartbeat timeout"
			}
			if err := conn.Send(sctx, transport.EncodePing()); err != nil {
				return err.Error()
			}

		case <-ackTimer.C:
			if s.expireAcks(sctx, conn, sent) {
				ackTimer.Reset(s.cfg.Subscribe.AckWindow)
			}

		case <-s.wake:
			if err := s.reconcile(sctx, conn, sent); err != nil {
				return err.Error()
			}
			ackTimer.Reset(s.cfg.Subscribe.AckWindow)
		}
	}
}

// reconcile sends unsubscribes for pruned entries and subscribes for active
// entries not yet requested on this connection. Send failures end the session.
func (s *Supervisor) reconcile(ctx context.Context, conn transport.Conn, sent map[schema.SubscriptionKey]struct{}) error {
	for _, key := range s.reg.Prune() {
		if _, ok := sent[key]; !ok {
			continue
		}
		delete(sent, key)
		payload, err := transport.EncodeUnsubscribe(key)
		if err != nil {
			continue
		}
		if err := conn.Send(ctx, payload); err != nil {
			return err
		}
	}
	for _, sub := range s.reg.Snapshot() {
		if sub.Desired != registry.DesiredActive {
			continue
		}
		if _, ok := sent[sub.Key]; ok {
			continue
		}
		payload, err := transport.EncodeSubscribe(sub.Key)
		if err != nil {
			continue
		}
		if err := conn.Send(ctx, payload); err != nil {
			return err
		}
		sent[sub.Key] = struct{}{}
	}
	return nil
}

// handleFrame parses one frame and applies its acks and events. It reports
// whether a subscribe was resent, so the caller re-arms the ack window.
func (s *Supervisor) handleFrame(ctx context.Context, conn transport.Conn, payload []byte, sent map[schema.SubscriptionKey]struct{}) bool {
	now := time.Now().UTC()
	result, err := s.norm.Parse(payload, now)
	if err != nil {
		// Malformed frames are skipped; the connection itself is healthy.
		observability.Log().Warn("frame rejected", observability.F("error", err))
		observability.Telemetry().IncCounter("hyperfeed_frames_rejected_total", 1, nil)
		return false
	}

	if result.Pong {
		s.dist.BroadcastHeartbeat(&schema.Event{
			Venue:    s.cfg.Venue,
			Channel:  schema.ChannelHeartbeat,
			Type:     schema.EventTypeHeartbeat,
			IngestTS: now,
			Payload:  schema.HeartbeatPayload{ObservedAt: now},
		})
	}
	resent := false
	for _, ack := range result.Acks {
		if ack.OK {
			s.reg.MarkConfirmed(ack.Key)
			s.maybeStreaming()
			continue
		}
		s.failSubscription(ctx, conn, ack.Key, ack.Reason, sent)
		resent = true
	}
	for _, evt := range result.Events {
		s.dist.Publish(evt)
	}
	if len(result.Events) > 0 {
		s.maybeStreaming()
	}
	return resent
}

// maybeStreaming enters the streaming state once no active subscription is
// still awaiting acknowledgement. Entries that exhausted their retries have
// been dropped by then, so they never hold the transition hostage.
func (s *Supervisor) maybeStreaming() {
	for _, sub := range s.reg.Snapshot() {
		if sub.Desired == registry.DesiredActive && sub.Ack == registry.AckRequested {
			return
		}
	}
	s.setState(schema.StateStreaming, "desired set settled")
}

// failSubscription records a venue rejection or ack timeout. Within the retry
// limit the subscribe request is resent; beyond it the key is dropped and its
// consumers receive a terminal error.
func (s *Supervisor) failSubscription(ctx context.Context, conn transport.Conn, key schema.SubscriptionKey, reason string, sent map[schema.SubscriptionKey]struct{}) {
	retries := s.reg.MarkFailed(key, reason)
	if retries == 0 {
		// Unknown key, likely dropped concurrently.
		return
	}
	if retries > s.cfg.Subscribe.RetryLimit {
		s.reg.Drop(key)
		delete(sent, key)
		observability.Telemetry().IncCounter("hyperfeed_subscriptions_failed_total", 1, map[string]string{
			"channel": string(key.Channel),
		})
		cause := errs.New("supervisor/subscribe", errs.CodeSubscription,
			errs.WithMessage(reason),
			errs.WithVenue(s.cfg.Venue),
			errs.WithSubscription(string(key.Channel), key.Symbol))
		observability.Log().Error("subscription abandoned", observability.F("error", cause))
		s.dist.Fail(key, &schema.Event{
			Venue:    s.cfg.Venue,
			Channel:  key.Channel,
			Symbol:   key.Symbol,
			Type:     schema.EventTypeError,
			IngestTS: time.Now().UTC(),
			Payload:  schema.ErrorPayload{Code: errs.CodeSubscription, Message: reason, Terminal: true},
		}, cause)
		s.maybeStreaming()
		return
	}

	observability.Log().Warn("subscription retry",
		observability.F("channel", string(key.Channel)),
		observability.F("symbol", key.Symbol),
		observability.F("attempt", retries))
	payload, err := transport.EncodeSubscribe(key)
	if err != nil {
		return
	}
	if conn.Send(ctx, payload) == nil {
		// Back to requested so the next ack window can expire this attempt
		// too, instead of leaving the entry parked in failed.
		s.reg.MarkRequested(key)
	}
}

// expireAcks fails every entry still unconfirmed after the ack window. It
// reports whether any entry remains awaiting acknowledgement.
func (s *Supervisor) expireAcks(ctx context.Context, conn transport.Conn, sent map[schema.SubscriptionKey]struct{}) bool {
	for _, sub := range s.reg.Snapshot() {
		if sub.Desired == registry.DesiredActive && sub.Ack == registry.AckRequested {
			s.failSubscription(ctx, conn, sub.Key, "acknowledgement window elapsed", sent)
		}
	}
	for _, sub := range s.reg.Snapshot() {
		if sub.Desired == registry.DesiredActive && sub.Ack == registry.AckRequested {
			return true
		}
	}
	return false
}

func (s *Supervisor) setState(state schema.ConnectionState, reason string) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	observability.Log().Info("connection state",
		observability.F("state", string(state)),
		observability.F("reason", reason))
	observability.Telemetry().SetGauge("hyperfeed_connection_state", stateGauge(state), nil)
	s.dist.Broadcast(s.statusEvent(state, reason))
}

// recordState stores the state without broadcasting; used on shutdown where
// the distributor emits the final event itself.
func (s *Supervisor) recordState(state schema.ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) statusEvent(state schema.ConnectionState, reason string) *schema.Event {
	return &schema.Event{
		Venue:    s.cfg.Venue,
		Type:     schema.EventTypeStatus,
		IngestTS: time.Now().UTC(),
		Payload:  schema.StatusPayload{State: state, Reason: reason},
	}
}

func stateGauge(state schema.ConnectionState) float64 {
	switch state {
	case schema.StateStreaming:
		return 2
	case schema.StateSubscribing, schema.StateConnecting:
		return 1
	default:
		return 0
	}
}
