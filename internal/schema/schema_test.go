package schema

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestChannelWireTypeRoundTrip(t *testing.T) {
	channels := []Channel{ChannelPerpPrice, ChannelSpotPrice, ChannelTrade, ChannelBookDelta}
	for _, ch := range channels {
		wire := ch.WireType()
		if wire == "" {
			t.Fatalf("missing wire type for %s", ch)
		}
		back, ok := ChannelFromWireType(wire)
		if !ok || back != ch {
			t.Fatalf("wire type %q resolved to %q, want %q", wire, back, ch)
		}
	}
	if _, ok := ChannelFromWireType("notifications"); ok {
		t.Fatalf("expected unknown wire type to be rejected")
	}
}

func TestChannelValidateRejectsUnknown(t *testing.T) {
	if err := Channel("candles").Validate(); err == nil {
		t.Fatalf("expected validation failure")
	}
	if err := ChannelTrade.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSymbol(t *testing.T) {
	for _, sym := range []string{"BTC", "@107", "PURR/USDC"} {
		if err := ValidateSymbol(sym); err != nil {
			t.Fatalf("expected %q to validate: %v", sym, err)
		}
	}
	for _, sym := range []string{"", "  ", "BTC USD"} {
		if err := ValidateSymbol(sym); err == nil {
			t.Fatalf("expected %q to be rejected", sym)
		}
	}
}

func TestCloneCopiesBookLevels(t *testing.T) {
	px := decimal.RequireFromString("3230.2")
	evt := &Event{
		Venue:   "hyperliquid",
		Channel: ChannelBookDelta,
		Symbol:  "ETH",
		Type:    EventTypeBookDelta,
		Payload: BookDeltaPayload{
			Bids: []PriceLevel{{Price: px, Size: decimal.NewFromInt(1), Orders: 2}},
			Asks: nil,
		},
	}

	dup := evt.Clone()
	book := dup.Payload.(BookDeltaPayload)
	book.Bids[0].Orders = 99

	original := evt.Payload.(BookDeltaPayload)
	if original.Bids[0].Orders != 2 {
		t.Fatalf("clone shares bid levels with original")
	}
}

func TestBookAccessors(t *testing.T) {
	book := NewBook("ETH")
	if _, ok := book.BestBid(); ok {
		t.Fatalf("empty book should have no best bid")
	}
	if _, ok := book.Mid(); ok {
		t.Fatalf("empty book should have no mid")
	}

	book.Apply(BookDeltaPayload{
		Bids: []PriceLevel{
			{Price: decimal.RequireFromString("99"), Size: decimal.NewFromInt(3)},
			{Price: decimal.RequireFromString("98"), Size: decimal.NewFromInt(5)},
		},
		Asks: []PriceLevel{
			{Price: decimal.RequireFromString("101"), Size: decimal.NewFromInt(1)},
		},
	})

	bid, _ := book.BestBid()
	if !bid.Price.Equal(decimal.RequireFromString("99")) {
		t.Fatalf("best bid = %s, want 99", bid.Price)
	}
	mid, ok := book.Mid()
	if !ok || !mid.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("mid = %s, want 100", mid)
	}
}
