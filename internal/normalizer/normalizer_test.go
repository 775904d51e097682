package normalizer

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finbranch/hyperfeed/errs"
	"github.com/finbranch/hyperfeed/internal/schema"
)

var ingest = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func perpFrame(coin string, mid string, ts int64) []byte {
	return []byte(fmt.Sprintf(
		`{"channel":"activeAssetCtx","data":{"coin":%q,"ctx":{"markPx":"64001.0","midPx":%q,"oraclePx":"64000.5","impactPxs":["63999.9","64002.1"],"time":%d}}}`,
		coin, mid, ts))
}

func TestParsePerpPriceFrame(t *testing.T) {
	n := New("hyperliquid")
	result, err := n.Parse(perpFrame("BTC", "64000.0", 1700000000000), ingest)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}

	evt := result.Events[0]
	if evt.Channel != schema.ChannelPerpPrice || evt.Symbol != "BTC" || evt.Type != schema.EventTypePrice {
		t.Fatalf("unexpected event header: %+v", evt)
	}
	price := evt.Payload.(schema.PricePayload)
	if !price.Mid.Equal(decimal.RequireFromString("64000.0")) {
		t.Fatalf("mid = %s", price.Mid)
	}
	if !price.BestBid.Equal(decimal.RequireFromString("63999.9")) || !price.BestAsk.Equal(decimal.RequireFromString("64002.1")) {
		t.Fatalf("impact prices not mapped: bid=%s ask=%s", price.BestBid, price.BestAsk)
	}
	if !evt.ExchangeTS.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("exchange ts = %v", evt.ExchangeTS)
	}
}

func TestSizeDecimalsRoundPrices(t *testing.T) {
	n := New("hyperliquid", WithSizeDecimals(map[string]int32{"BTC": 3, "PURR/USDC": 0}))

	// 64002.1 has six significant digits; the venue rule keeps five.
	result, err := n.Parse(perpFrame("BTC", "64002.1", 1000), ingest)
	if err != nil || len(result.Events) != 1 {
		t.Fatalf("Parse() events=%d err=%v", len(result.Events), err)
	}
	price := result.Events[0].Payload.(schema.PricePayload)
	if !price.Mid.Equal(decimal.RequireFromString("64002")) {
		t.Fatalf("mid not rounded: %s", price.Mid)
	}
	if !price.BestBid.Equal(decimal.RequireFromString("64000")) {
		t.Fatalf("impact bid not rounded: %s", price.BestBid)
	}

	// Spot coins get the wider eight-place budget.
	spot := []byte(`{"channel":"activeSpotAssetCtx","data":{"coin":"PURR/USDC","ctx":{"midPx":"0.0123456","time":2000}}}`)
	result, err = n.Parse(spot, ingest)
	if err != nil || len(result.Events) != 1 {
		t.Fatalf("spot Parse() events=%d err=%v", len(result.Events), err)
	}
	price = result.Events[0].Payload.(schema.PricePayload)
	if !price.Mid.Equal(decimal.RequireFromString("0.012346")) {
		t.Fatalf("spot mid not rounded: %s", price.Mid)
	}

	// Trade and book prices follow the same rule.
	trades := []byte(`{"channel":"trades","data":[{"coin":"BTC","side":"B","px":"64002.13","sz":"0.25","time":3000,"tid":1}]}`)
	result, err = n.Parse(trades, ingest)
	if err != nil || len(result.Events) != 1 {
		t.Fatalf("trades Parse() events=%d err=%v", len(result.Events), err)
	}
	if trade := result.Events[0].Payload.(schema.TradePayload); !trade.Price.Equal(decimal.RequireFromString("64002")) {
		t.Fatalf("trade price not rounded: %s", trade.Price)
	}

	book := []byte(`{"channel":"l2Book","data":{"coin":"BTC","time":4000,"levels":[` +
		`[{"px":"64001.9","sz":"1.0","n":1}],[{"px":"64002.4","sz":"1.0","n":1}]]}}`)
	result, err = n.Parse(book, ingest)
	if err != nil || len(result.Events) != 1 {
		t.Fatalf("book Parse() events=%d err=%v", len(result.Events), err)
	}
	levels := result.Events[0].Payload.(schema.BookDeltaPayload)
	if !levels.Bids[0].Price.Equal(decimal.RequireFromString("64002")) {
		t.Fatalf("bid level not rounded: %s", levels.Bids[0].Price)
	}

	// Coins without metadata pass through untouched.
	result, err = n.Parse(perpFrame("ETH", "3200.55", 5000), ingest)
	if err != nil || len(result.Events) != 1 {
		t.Fatalf("ETH Parse() events=%d err=%v", len(result.Events), err)
	}
	if price := result.Events[0].Payload.(schema.PricePayload); !price.Mid.Equal(decimal.RequireFromString("3200.55")) {
		t.Fatalf("unlisted coin must not be rounded: %s", price.Mid)
	}
}

func TestMonotonicGateDropsStaleAndDuplicate(t *testing.T) {
	n := New("hyperliquid")

	first, err := n.Parse(perpFrame("BTC", "64000.0", 2000), ingest)
	if err != nil || len(first.Events) != 1 {
		t.Fatalf("first frame: events=%d err=%v", len(first.Events), err)
	}

	// Older timestamp: dropped silently.
	older, err := n.Parse(perpFrame("BTC", "63990.0", 1000), ingest)
	if err != nil || len(older.Events) != 0 {
		t.Fatalf("stale frame should be dropped: events=%d err=%v", len(older.Events), err)
	}

	// Exact duplicate timestamp: dropped silently.
	dup, err := n.Parse(perpFrame("BTC", "64000.0", 2000), ingest)
	if err != nil || len(dup.Events) != 0 {
		t.Fatalf("duplicate frame should be dropped: events=%d err=%v", len(dup.Events), err)
	}

	// Other symbols are gated independently.
	other, err := n.Parse(perpFrame("ETH", "3200.5", 1000), ingest)
	if err != nil || len(other.Events) != 1 {
		t.Fatalf("independent symbol affected by gate: events=%d err=%v", len(other.Events), err)
	}
}

func TestMonotonicGateCanBeDisabled(t *testing.T) {
	n := New("hyperliquid", WithoutMonotonicGate())
	if _, err := n.Parse(perpFrame("BTC", "64000.0", 2000), ingest); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	replay, err := n.Parse(perpFrame("BTC", "64000.0", 2000), ingest)
	if err != nil || len(replay.Events) != 1 {
		t.Fatalf("gate disabled, replay should pass: events=%d err=%v", len(replay.Events), err)
	}
}

func TestUnknownKindYieldsSingleErrorEvent(t *testing.T) {
	n := New("hyperliquid")
	result, err := n.Parse([]byte(`{"channel":"notification","data":{"text":"hi"}}`), ingest)
	if err != nil {
		t.Fatalf("unknown kind must not fail the stream: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected a single error event, got %d", len(result.Events))
	}
	payload := result.Events[0].Payload.(schema.ErrorPayload)
	if payload.Terminal || payload.Code != errs.CodeParse {
		t.Fatalf("unexpected error payload: %+v", payload)
	}
}

func TestBadNumericFieldYieldsParseErrorEvent(t *testing.T) {
	n := New("hyperliquid")
	frame := []byte(`{"channel":"activeAssetCtx","data":{"coin":"BTC","ctx":{"midPx":"not-a-number","time":3000}}}`)
	result, err := n.Parse(frame, ingest)
	if err != nil {
		t.Fatalf("numeric failure must not fail the stream: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].Type != schema.EventTypeError {
		t.Fatalf("expected one error event, got %+v", result.Events)
	}
	if result.Events[0].Symbol != "BTC" {
		t.Fatalf("error event should carry the symbol, got %q", result.Events[0].Symbol)
	}
}

func TestMalformedFrameReturnsParseError(t *testing.T) {
	n := New("hyperliquid")
	if _, err := n.Parse([]byte(`{"channel":`), ingest); errs.CodeOf(err) != errs.CodeParse {
		t.Fatalf("expected parse error envelope, got %v", err)
	}
}

func TestTradesGateOnTradeID(t *testing.T) {
	n := New("hyperliquid")
	frame := []byte(`{"channel":"trades","data":[` +
		`{"coin":"ETH","side":"B","px":"3200.5","sz":"0.25","time":5000,"tid":11},` +
		`{"coin":"ETH","side":"A","px":"3200.4","sz":"0.10","time":5000,"tid":12}]}`)

	result, err := n.Parse(frame, ingest)
	if err != nil || len(result.Events) != 2 {
		t.Fatalf("expected both trades: events=%d err=%v", len(result.Events), err)
	}
	first := result.Events[0].Payload.(schema.TradePayload)
	if first.Side != schema.TradeSideBuy || first.TradeID != 11 {
		t.Fatalf("unexpected first trade: %+v", first)
	}

	// Replaying the same batch yields nothing.
	replay, err := n.Parse(frame, ingest)
	if err != nil || len(replay.Events) != 0 {
		t.Fatalf("replayed trades should be dropped: events=%d err=%v", len(replay.Events), err)
	}
}

func TestBookFrameParsesTwoSides(t *testing.T) {
	n := New("hyperliquid")
	frame := []byte(`{"channel":"l2Book","data":{"coin":"ETH","time":7000,"levels":[` +
		`[{"px":"3200.1","sz":"5.0","n":3},{"px":"3200.0","sz":"2.0","n":1}],` +
		`[{"px":"3200.3","sz":"4.0","n":2}]]}}`)

	result, err := n.Parse(frame, ingest)
	if err != nil || len(result.Events) != 1 {
		t.Fatalf("Parse() events=%d err=%v", len(result.Events), err)
	}
	book := result.Events[0].Payload.(schema.BookDeltaPayload)
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("unexpected sides: bids=%d asks=%d", len(book.Bids), len(book.Asks))
	}
	if book.Bids[0].Orders != 3 {
		t.Fatalf("order count not mapped: %+v", book.Bids[0])
	}
}

func TestBookFrameWithOneSideIsParseError(t *testing.T) {
	n := New("hyperliquid")
	frame := []byte(`{"channel":"l2Book","data":{"coin":"ETH","time":7000,"levels":[[{"px":"1","sz":"1","n":1}]]}}`)
	if _, err := n.Parse(frame, ingest); errs.CodeOf(err) != errs.CodeParse {
		t.Fatalf("expected parse error for one-sided book, got %v", err)
	}
}

func TestPongSignalsLiveness(t *testing.T) {
	n := New("hyperliquid")
	result, err := n.Parse([]byte(`{"channel":"pong"}`), ingest)
	if err != nil || !result.Pong {
		t.Fatalf("expected pong result, got %+v err=%v", result, err)
	}
	if len(result.Events) != 0 {
		t.Fatalf("pong must not produce consumer events")
	}
}

func TestSubscriptionResponseYieldsAck(t *testing.T) {
	n := New("hyperliquid")
	frame := []byte(`{"channel":"subscriptionResponse","data":{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH"}}}`)
	result, err := n.Parse(frame, ingest)
	if err != nil || len(result.Acks) != 1 {
		t.Fatalf("expected one ack: %+v err=%v", result, err)
	}
	ack := result.Acks[0]
	if !ack.OK || ack.Key.Channel != schema.ChannelBookDelta || ack.Key.Symbol != "ETH" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestVenueRejectionYieldsFailedAck(t *testing.T) {
	n := New("hyperliquid")
	frame := []byte(`{"channel":"error","data":"Invalid subscription: {\"type\":\"trades\",\"coin\":\"NOPE\"}"}`)
	result, err := n.Parse(frame, ingest)
	if err != nil || len(result.Acks) != 1 {
		t.Fatalf("expected one failed ack: %+v err=%v", result, err)
	}
	ack := result.Acks[0]
	if ack.OK || ack.Key.Symbol != "NOPE" || ack.Key.Channel != schema.ChannelTrade {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}
