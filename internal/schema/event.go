package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/finbranch/hyperfeed/errs"
)

// EventType tags the variant carried by an Event.
type EventType string

const (
	// EventTypePrice carries a PricePayload.
	EventTypePrice EventType = "price"
	// EventTypeTrade carries a TradePayload.
	EventTypeTrade EventType = "trade"
	// EventTypeBookDelta carries a BookDeltaPayload.
	EventTypeBookDelta EventType = "book_delta"
	// EventTypeStatus carries a StatusPayload describing a connection transition.
	EventTypeStatus EventType = "status"
	// EventTypeHeartbeat carries a HeartbeatPayload liveness signal.
	EventTypeHeartbeat EventType = "heartbeat"
	// EventTypeError carries an ErrorPayload.
	EventTypeError EventType = "error"
)

// ConnectionState enumerates supervisor lifecycle states.
type ConnectionState string

const (
	// StateDisconnected marks a released transport; terminal on shutdown.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting marks an in-flight transport handshake.
	StateConnecting ConnectionState = "connecting"
	// StateSubscribing marks the resubscribe window after a handshake.
	StateSubscribing ConnectionState = "subscribing"
	// StateStreaming marks a live, fully subscribed connection.
	StateStreaming ConnectionState = "streaming"
	// StateBackoff marks the delay between reconnect attempts.
	StateBackoff ConnectionState = "backoff"
)

// Event is the normalized record delivered to consumers.
type Event struct {
	Venue      string    `json:"venue"`
	Channel    Channel   `json:"channel"`
	Symbol     string    `json:"symbol,omitempty"`
	Type       EventType `json:"type"`
	ExchangeTS time.Time `json:"exchange_ts"`
	IngestTS   time.Time `json:"ingest_ts"`
	Payload    any       `json:"payload"`
}

// PricePayload conveys a fixed-precision price observation. BestBid/BestAsk
// are zero when the venue context carries no impact prices (spot).
type PricePayload struct {
	Mid     decimal.Decimal `json:"mid"`
	Mark    decimal.Decimal `json:"mark,omitempty"`
	Oracle  decimal.Decimal `json:"oracle,omitempty"`
	BestBid decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk decimal.Decimal `json:"best_ask,omitempty"`
}

// TradeSide captures the aggressor direction of a trade.
type TradeSide string

const (
	// TradeSideBuy marks a buyer-initiated trade.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell marks a seller-initiated trade.
	TradeSideSell TradeSide = "sell"
)

// TradePayload conveys one executed trade.
type TradePayload struct {
	TradeID uint64          `json:"trade_id"`
	Side    TradeSide       `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

// BookDeltaPayload conveys a two-sided order book update.
type BookDeltaPayload struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// StatusPayload signals a connection state transition to consumers.
type StatusPayload struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// HeartbeatPayload carries a venue liveness observation.
type HeartbeatPayload struct {
	ObservedAt time.Time `json:"observed_at"`
}

// ErrorPayload wraps a classified failure surfaced on a consumer stream.
// Terminal errors end the stream; non-terminal ones report a skipped message.
type ErrorPayload struct {
	Code     errs.Code `json:"code"`
	Message  string    `json:"message"`
	Terminal bool      `json:"terminal"`
}

// Clone returns a shallow copy of the event. Payload values are immutable
// after normalization, so sharing them across consumers is safe; level
// slices are copied because book consumers may retain them.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	dup := *e
	if book, ok := e.Payload.(BookDeltaPayload); ok {
		dup.Payload = BookDeltaPayload{
			Bids: append([]PriceLevel(nil), book.Bids...),
			Asks: append([]PriceLevel(nil), book.Asks...),
		}
	}
	return &dup
}
