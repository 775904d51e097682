package schema

import "github.com/shopspring/decimal"

// PriceLevel describes one order book level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	// Orders is the number of resting orders aggregated into the level.
	Orders int `json:"orders,omitempty"`
}

// Book holds the current two-sided book state for one symbol. Bids are
// ordered best (highest) first, asks best (lowest) first, as delivered by
// the venue.
type Book struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// NewBook creates an empty book for the given symbol.
func NewBook(symbol string) *Book {
	return &Book{Symbol: symbol, Bids: nil, Asks: nil}
}

// Apply replaces the book sides with the levels from a delta event.
func (b *Book) Apply(delta BookDeltaPayload) {
	b.Bids = append(b.Bids[:0], delta.Bids...)
	b.Asks = append(b.Asks[:0], delta.Asks...)
}

// BestBid returns the highest bid level, or false when the side is empty.
func (b *Book) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level, or false when the side is empty.
func (b *Book) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns the midpoint of the best bid and ask, or false when either
// side is empty.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	two := decimal.NewFromInt(2)
	return bid.Price.Add(ask.Price).DivRound(two, 16), true
}
