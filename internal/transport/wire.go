package transport

import (
	json "github.com/goccy/go-json"

	"github.com/finbranch/hyperfeed/errs"
	"github.com/finbranch/hyperfeed/internal/schema"
)

// Request is an outbound control message.
type Request struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// Subscription is the wire form of one (channel, symbol) subscription.
type Subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

// SubscriptionFor maps a canonical key to its wire form.
func SubscriptionFor(key schema.SubscriptionKey) (Subscription, error) {
	wire := key.Channel.WireType()
	if wire == "" || key.Channel == schema.ChannelHeartbeat {
		return Subscription{}, errs.New("transport/wire", errs.CodeInvalid,
			errs.WithMessage("channel has no wire subscription"),
			errs.WithSubscription(string(key.Channel), key.Symbol))
	}
	return Subscription{Type: wire, Coin: key.Symbol}, nil
}

// EncodeSubscribe builds a subscribe request payload for the key.
func EncodeSubscribe(key schema.SubscriptionKey) ([]byte, error) {
	return encodeControl("subscribe", key)
}

// EncodeUnsubscribe builds an unsubscribe request payload for the key.
func EncodeUnsubscribe(key schema.SubscriptionKey) ([]byte, error) {
	return encodeControl("unsubscribe", key)
}

// EncodePing builds the venue keepalive payload.
func EncodePing() []byte {
	return []byte(`{"method":"ping"}`)
}

func encodeControl(method string, key schema.SubscriptionKey) ([]byte, error) {
	sub, err := SubscriptionFor(key)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(Request{Method: method, Subscription: &sub})
	if err != nil {
		return nil, errs.New("transport/wire", errs.CodeInvalid, errs.WithCause(err))
	}
	return payload, nil
}
