package registry

import (
	"sync"
	"testing"

	"github.com/finbranch/hyperfeed/internal/schema"
)

func key(ch schema.Channel, sym string) schema.SubscriptionKey {
	return schema.SubscriptionKey{Channel: ch, Symbol: sym}
}

func TestRegisterIsRefCounted(t *testing.T) {
	r := New()
	k := key(schema.ChannelTrade, "ETH")

	first, err := r.Register(k)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	second, err := r.Register(k)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].RefCount != 2 {
		t.Fatalf("expected one entry with two claims, got %+v", snap)
	}

	// Releasing one claim must not affect the other.
	first.Release()
	snap = r.Snapshot()
	if snap[0].Desired != DesiredActive || snap[0].RefCount != 1 {
		t.Fatalf("entry should stay active after partial release: %+v", snap[0])
	}

	second.Release()
	snap = r.Snapshot()
	if snap[0].Desired != DesiredPendingUnsubscribe {
		t.Fatalf("entry should be pending unsubscribe: %+v", snap[0])
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := New()
	k := key(schema.ChannelTrade, "ETH")
	first, _ := r.Register(k)
	second, _ := r.Register(k)

	first.Release()
	first.Release() // double release must not steal the second claim

	if snap := r.Snapshot(); snap[0].Desired != DesiredActive {
		t.Fatalf("double release dropped a live claim: %+v", snap[0])
	}
	second.Release()
}

func TestRegisterRejectsInvalidKeys(t *testing.T) {
	r := New()
	if _, err := r.Register(key(schema.ChannelHeartbeat, "BTC")); err == nil {
		t.Fatalf("heartbeat channel must not be registrable")
	}
	if _, err := r.Register(key(schema.ChannelTrade, "")); err == nil {
		t.Fatalf("empty symbol must be rejected")
	}
	if _, err := r.Register(key("candles", "BTC")); err == nil {
		t.Fatalf("unknown channel must be rejected")
	}
}

func TestPruneRemovesReleasedEntriesOnly(t *testing.T) {
	r := New()
	keep, _ := r.Register(key(schema.ChannelTrade, "ETH"))
	gone, _ := r.Register(key(schema.ChannelBookDelta, "BTC"))
	gone.Release()

	removed := r.Prune()
	if len(removed) != 1 || removed[0].Symbol != "BTC" {
		t.Fatalf("unexpected pruned keys: %+v", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one surviving entry, got %d", r.Len())
	}
	keep.Release()
}

func TestRegisterRevivesPendingEntry(t *testing.T) {
	r := New()
	h, _ := r.Register(key(schema.ChannelTrade, "ETH"))
	h.Release()

	// Re-registered before the next prune cycle: entry survives.
	revived, _ := r.Register(key(schema.ChannelTrade, "ETH"))
	if removed := r.Prune(); len(removed) != 0 {
		t.Fatalf("revived entry must not be pruned: %+v", removed)
	}
	snap := r.Snapshot()
	if snap[0].Desired != DesiredActive || snap[0].Ack != AckRequested {
		t.Fatalf("revived entry state: %+v", snap[0])
	}
	revived.Release()
}

func TestAckTransitions(t *testing.T) {
	r := New()
	k := key(schema.ChannelBookDelta, "ETH")
	h, _ := r.Register(k)
	defer h.Release()

	if retries := r.MarkFailed(k, "rejected"); retries != 1 {
		t.Fatalf("first failure should report 1 retry, got %d", retries)
	}
	if retries := r.MarkFailed(k, "rejected again"); retries != 2 {
		t.Fatalf("second failure should report 2 retries, got %d", retries)
	}
	snap := r.Snapshot()
	if snap[0].Ack != AckFailed || snap[0].LastErr != "rejected again" {
		t.Fatalf("failed state not recorded: %+v", snap[0])
	}

	r.MarkConfirmed(k)
	snap = r.Snapshot()
	if snap[0].Ack != AckConfirmed || snap[0].Retries != 0 {
		t.Fatalf("confirmation should clear retries: %+v", snap[0])
	}

	r.ResetAcks()
	if snap := r.Snapshot(); snap[0].Ack != AckRequested {
		t.Fatalf("reset should rewind to requested: %+v", snap[0])
	}
}

func TestMarkRequestedKeepsRetries(t *testing.T) {
	r := New()
	k := key(schema.ChannelTrade, "ETH")
	h, _ := r.Register(k)
	defer h.Release()

	r.MarkFailed(k, "no acknowledgement")
	r.MarkRequested(k)

	snap := r.Snapshot()
	if snap[0].Ack != AckRequested {
		t.Fatalf("entry should await the next ack window: %+v", snap[0])
	}
	if snap[0].Retries != 1 {
		t.Fatalf("rewinding must not reset the retry count: %+v", snap[0])
	}
	if retries := r.MarkFailed(k, "still silent"); retries != 2 {
		t.Fatalf("retries should accumulate across windows, got %d", retries)
	}
}

func TestSnapshotIsConsistentUnderConcurrency(t *testing.T) {
	r := New()
	symbols := []string{"BTC", "ETH", "SOL", "DOGE"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h, err := r.Register(key(schema.ChannelTrade, sym))
				if err != nil {
					t.Errorf("Register(%s) error = %v", sym, err)
					return
				}
				_ = r.Snapshot()
				h.Release()
			}
		}(sym)
	}
	wg.Wait()

	for _, sub := range r.Snapshot() {
		if sub.Desired != DesiredPendingUnsubscribe {
			t.Fatalf("all claims released, entry still active: %+v", sub)
		}
	}
}
