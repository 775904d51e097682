// Package schema defines the canonical event model shared across hyperfeed.
package schema

import (
	"strings"

	"github.com/finbranch/hyperfeed/errs"
)

// Channel names a category of market data a caller can subscribe to.
type Channel string

const (
	// ChannelPerpPrice streams perpetual mark/mid/oracle prices.
	ChannelPerpPrice Channel = "perp_price"
	// ChannelSpotPrice streams spot mid prices.
	ChannelSpotPrice Channel = "spot_price"
	// ChannelTrade streams executed trades.
	ChannelTrade Channel = "trade"
	// ChannelBookDelta streams order book level updates.
	ChannelBookDelta Channel = "book_delta"
	// ChannelHeartbeat carries venue liveness signals; consumed by the
	// supervisor and only surfaced to callers that opt in.
	ChannelHeartbeat Channel = "heartbeat"
)

// WireType returns the venue subscription type for the channel.
func (c Channel) WireType() string {
	switch c {
	case ChannelPerpPrice:
		return "activeAssetCtx"
	case ChannelSpotPrice:
		return "activeSpotAssetCtx"
	case ChannelTrade:
		return "trades"
	case ChannelBookDelta:
		return "l2Book"
	case ChannelHeartbeat:
		return "pong"
	default:
		return ""
	}
}

// ChannelFromWireType resolves a venue channel discriminator to the canonical
// channel. The second return value is false for unknown discriminators.
func ChannelFromWireType(wire string) (Channel, bool) {
	switch wire {
	case "activeAssetCtx":
		return ChannelPerpPrice, true
	case "activeSpotAssetCtx":
		return ChannelSpotPrice, true
	case "trades":
		return ChannelTrade, true
	case "l2Book":
		return ChannelBookDelta, true
	case "pong":
		return ChannelHeartbeat, true
	default:
		return "", false
	}
}

// Validate ensures the channel is a member of the closed set.
func (c Channel) Validate() error {
	switch c {
	case ChannelPerpPrice, ChannelSpotPrice, ChannelTrade, ChannelBookDelta, ChannelHeartbeat:
		return nil
	default:
		return errs.New("schema/channel", errs.CodeInvalid,
			errs.WithMessage("unknown channel "+string(c)))
	}
}

// ValidateSymbol verifies a venue coin identifier. Perp coins are plain names
// ("BTC"); spot pairs use either the "BASE/QUOTE" form or the venue index
// form ("@107").
func ValidateSymbol(symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if strings.ContainsAny(symbol, " \t\r\n") {
		return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol contains whitespace"))
	}
	return nil
}

// SubscriptionKey identifies one desired (channel, symbol) pair.
type SubscriptionKey struct {
	Channel Channel
	Symbol  string
}

// Validate checks both legs of the key.
func (k SubscriptionKey) Validate() error {
	if err := k.Channel.Validate(); err != nil {
		return err
	}
	return ValidateSymbol(k.Symbol)
}

func (k SubscriptionKey) String() string {
	return string(k.Channel) + ":" + k.Symbol
}
