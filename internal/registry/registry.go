// Package registry tracks the desired subscription set and its acknowledgement state.
package registry

import (
	"sort"
	"sync"

	"github.com/finbranch/hyperfeed/errs"
	"github.com/finbranch/hyperfeed/internal/schema"
)

// DesiredState marks whether callers still want a subscription.
type DesiredState string

const (
	// DesiredActive means at least one caller holds the subscription.
	DesiredActive DesiredState = "active"
	// DesiredPendingUnsubscribe means the last caller released it; the
	// entry is removed on the next resubscribe cycle.
	DesiredPendingUnsubscribe DesiredState = "pending_unsubscribe"
)

// AckState tracks venue acknowledgement progress for a subscription.
type AckState string

const (
	// AckRequested means the subscribe request is in flight or queued.
	AckRequested AckState = "requested"
	// AckConfirmed means the venue acknowledged the subscription.
	AckConfirmed AckState = "confirmed"
	// AckFailed means the venue rejected it or the ack window elapsed.
	AckFailed AckState = "failed"
)

// Subscription is a point-in-time view of one registry entry.
type Subscription struct {
	Key      schema.SubscriptionKey
	Desired  DesiredState
	Ack      AckState
	Retries  int
	LastErr  string
	RefCount int
}

// Handle represents one caller's claim on a subscription.
type Handle struct {
	key      schema.SubscriptionKey
	registry *Registry
	once     sync.Once
}

// Key returns the subscription key the handle refers to.
func (h *Handle) Key() schema.SubscriptionKey {
	return h.key
}

// Release drops the caller's claim. Releasing twice is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.registry.release(h.key)
	})
}

type entry struct {
	desired DesiredState
	ack     AckState
	retries int
	lastErr string
	refs    int
}

// Registry is a concurrency-safe refcounted map of desired subscriptions.
// Snapshot is a consistent point-in-time read even while register/release
// calls proceed concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries map[schema.SubscriptionKey]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[schema.SubscriptionKey]*entry)}
}

// Register claims a subscription for a caller, creating it when absent.
// Registering is idempotent per caller count: an existing entry has its
// reference count incremented and its desired state forced back to active.
func (r *Registry) Register(key schema.SubscriptionKey) (*Handle, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if key.Channel == schema.ChannelHeartbeat {
		return nil, errs.New("registry/register", errs.CodeInvalid,
			errs.WithMessage("heartbeat is not a subscribable channel"),
			errs.WithSubscription(string(key.Channel), key.Symbol))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{desired: DesiredActive, ack: AckRequested, retries: 0, lastErr: "", refs: 0}
		r.entries[key] = e
	}
	e.refs++
	if e.desired != DesiredActive {
		// Revived before the unsubscribe cycle ran; request it again.
		e.desired = DesiredActive
		e.ack = AckRequested
		e.retries = 0
		e.lastErr = ""
	}
	return &Handle{key: key, registry: r}, nil
}

func (r *Registry) release(key schema.SubscriptionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.refs = 0
		e.desired = DesiredPendingUnsubscribe
	}
}

// Snapshot returns the current state of every entry, sorted by key for
// deterministic reconciliation order.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.entries))
	for key, e := range r.entries {
		out = append(out, Subscription{
			Key:      key,
			Desired:  e.desired,
			Ack:      e.ack,
			Retries:  e.retries,
			LastErr:  e.lastErr,
			RefCount: e.refs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// ResetAcks moves every active entry back to requested. The supervisor calls
// this when a fresh connection is about to resubscribe the desired set.
func (r *Registry) ResetAcks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.desired == DesiredActive {
			e.ack = AckRequested
			e.lastErr = ""
		}
	}
}

// MarkConfirmed transitions the entry to confirmed and clears its retry count.
func (r *Registry) MarkConfirmed(key schema.SubscriptionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.ack = AckConfirmed
		e.retries = 0
		e.lastErr = ""
	}
}

// MarkRequested rewinds the entry to requested, keeping its retry count.
// The supervisor calls this after resending a subscribe so the next ack
// window can expire it again.
func (r *Registry) MarkRequested(key schema.SubscriptionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.desired == DesiredActive {
		e.ack = AckRequested
	}
}

// MarkFailed transitions the entry to failed, recording the reason and
// incrementing its retry count. It returns the updated retry count.
func (r *Registry) MarkFailed(key schema.SubscriptionKey, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return 0
	}
	e.ack = AckFailed
	e.retries++
	e.lastErr = reason
	return e.retries
}

// Prune removes entries whose last claim was released and returns their keys
// so the supervisor can send unsubscribe requests. Entries revived between
// release and prune are kept.
func (r *Registry) Prune() []schema.SubscriptionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []schema.SubscriptionKey
	for key, e := range r.entries {
		if e.desired == DesiredPendingUnsubscribe && e.refs == 0 {
			delete(r.entries, key)
			removed = append(removed, key)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].String() < removed[j].String()
	})
	return removed
}

// Drop removes an entry outright, regardless of claims. Used when retries
// are exhausted and the failure becomes permanent.
func (r *Registry) Drop(key schema.SubscriptionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Len reports the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
