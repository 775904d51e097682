package feed

import (
	"github.com/finbranch/hyperfeed/internal/schema"
	"github.com/finbranch/hyperfeed/internal/transport"
)

// The canonical event model lives in an internal package shared by the
// pipeline; these aliases re-export it so callers never import internal
// paths.
type (
	// Event is the normalized record delivered on a Stream.
	Event = schema.Event
	// Channel names a subscribable market-data category.
	Channel = schema.Channel
	// EventType tags the payload variant carried by an Event.
	EventType = schema.EventType
	// ConnectionState enumerates the client's connection lifecycle.
	ConnectionState = schema.ConnectionState
	// TradeSide is the aggressor direction of a trade.
	TradeSide = schema.TradeSide
	// PriceLevel is one order book level.
	PriceLevel = schema.PriceLevel
	// PricePayload carries a price observation.
	PricePayload = schema.PricePayload
	// TradePayload carries one executed trade.
	TradePayload = schema.TradePayload
	// BookDeltaPayload carries a two-sided book update.
	BookDeltaPayload = schema.BookDeltaPayload
	// StatusPayload reports a connection state transition.
	StatusPayload = schema.StatusPayload
	// HeartbeatPayload reports venue liveness.
	HeartbeatPayload = schema.HeartbeatPayload
	// ErrorPayload reports a classified failure on the stream.
	ErrorPayload = schema.ErrorPayload
	// Book is a two-sided order book maintained from BookDelta events.
	Book = schema.Book

	// Transport dials venue connections; implement it to substitute the
	// built-in websocket transport.
	Transport = transport.Transport
	// Conn is one live connection handed out by a Transport.
	Conn = transport.Conn
)

// NewBook creates an empty order book for the symbol. Feed it BookDelta
// payloads from a book stream to keep a local top-of-book view.
func NewBook(symbol string) *Book {
	return schema.NewBook(symbol)
}

const (
	ChannelPerpPrice = schema.ChannelPerpPrice
	ChannelSpotPrice = schema.ChannelSpotPrice
	ChannelTrade     = schema.ChannelTrade
	ChannelBookDelta = schema.ChannelBookDelta

	EventTypePrice     = schema.EventTypePrice
	EventTypeTrade     = schema.EventTypeTrade
	EventTypeBookDelta = schema.EventTypeBookDelta
	EventTypeStatus    = schema.EventTypeStatus
	EventTypeHeartbeat = schema.EventTypeHeartbeat
	EventTypeError     = schema.EventTypeError

	StateDisconnected = schema.StateDisconnected
	StateConnecting   = schema.StateConnecting
	StateSubscribing  = schema.StateSubscribing
	StateStreaming    = schema.StateStreaming
	StateBackoff      = schema.StateBackoff

	TradeSideBuy  = schema.TradeSideBuy
	TradeSideSell = schema.TradeSideSell
)
