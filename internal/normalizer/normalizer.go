// Package normalizer converts raw venue frames into canonical events.
package normalizer

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/finbranch/hyperfeed/errs"
	"github.com/finbranch/hyperfeed/internal/numeric"
	"github.com/finbranch/hyperfeed/internal/observability"
	"github.com/finbranch/hyperfeed/internal/schema"
)

// Ack reports a subscription acknowledgement extracted from a control frame.
type Ack struct {
	Key    schema.SubscriptionKey
	OK     bool
	Reason string
}

// Result carries everything extracted from one raw frame. Events are
// consumer-facing; Acks and Pong are consumed by the supervisor only.
type Result struct {
	Events []*schema.Event
	Acks   []Ack
	Pong   bool
}

// Normalizer parses venue frames and enforces per-symbol ordering. It is not
// safe for concurrent use; the supervisor drives it from a single goroutine
// to preserve per-symbol ordering.
type Normalizer struct {
	venue string
	gate  bool

	// sizeDecimals holds per-coin size decimals from venue asset metadata.
	// Prices for listed coins are rounded to the venue's significant-digit
	// rule; coins without metadata pass through unrounded.
	sizeDecimals map[string]int32

	lastSeen  map[schema.SubscriptionKey]time.Time
	lastTrade map[string]uint64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithoutMonotonicGate disables the duplicate/out-of-order drop rule for
// venues whose replay behaviour differs.
func WithoutMonotonicGate() Option {
	return func(n *Normalizer) {
		n.gate = false
	}
}

// WithSizeDecimals supplies per-coin size decimals so prices can be rounded
// to the venue precision rule: five significant digits, capped at the spot or
// perp decimal budget minus the coin's size decimals.
func WithSizeDecimals(meta map[string]int32) Option {
	return func(n *Normalizer) {
		for coin, sz := range meta {
			n.sizeDecimals[coin] = sz
		}
	}
}

// New creates a normalizer for the given venue.
func New(venue string, opts ...Option) *Normalizer {
	n := &Normalizer{
		venue:        venue,
		gate:         true,
		sizeDecimals: make(map[string]int32),
		lastSeen:     make(map[schema.SubscriptionKey]time.Time),
		lastTrade:    make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type assetCtxData struct {
	Coin string   `json:"coin"`
	Ctx  assetCtx `json:"ctx"`
}

type assetCtx struct {
	MarkPx    string   `json:"markPx"`
	MidPx     string   `json:"midPx"`
	OraclePx  string   `json:"oraclePx"`
	ImpactPxs []string `json:"impactPxs"`
	Time      int64    `json:"time"`
}

type tradeData struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	TID  uint64 `json:"tid"`
}

type bookData struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]bookLevel `json:"levels"`
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type subscriptionResponse struct {
	Method       string `json:"method"`
	Subscription struct {
		Type string `json:"type"`
		Coin string `json:"coin"`
	} `json:"subscription"`
}

// Parse converts one raw frame into a Result. A malformed frame yields a
// CodeParse error; the caller reports it and continues streaming.
func (n *Normalizer) Parse(frame []byte, ingestTS time.Time) (Result, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Result{}, errs.New("normalizer/decode", errs.CodeParse,
			errs.WithVenue(n.venue),
			errs.WithCause(err))
	}

	switch env.Channel {
	case "pong":
		return Result{Pong: true}, nil
	case "subscriptionResponse":
		return n.parseSubscriptionResponse(env.Data)
	case "error":
		return n.parseVenueError(env.Data)
	case "activeAssetCtx":
		return n.parseAssetCtx(schema.ChannelPerpPrice, env.Data, ingestTS)
	case "activeSpotAssetCtx":
		return n.parseAssetCtx(schema.ChannelSpotPrice, env.Data, ingestTS)
	case "trades":
		return n.parseTrades(env.Data, ingestTS)
	case "l2Book":
		return n.parseBook(env.Data, ingestTS)
	default:
		// Forward-compatible: unknown kinds surface a single non-terminal
		// error event and are otherwise ignored.
		evt := n.newEvent("", "", schema.EventTypeError, ingestTS, ingestTS, schema.ErrorPayload{
			Code:     errs.CodeParse,
			Message:  fmt.Sprintf("unknown message kind %q", env.Channel),
			Terminal: false,
		})
		return Result{Events: []*schema.Event{evt}}, nil
	}
}

func (n *Normalizer) parseSubscriptionResponse(data json.RawMessage) (Result, error) {
	var resp subscriptionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, errs.New("normalizer/subscription-response", errs.CodeParse,
			errs.WithVenue(n.venue), errs.WithCause(err))
	}
	channel, ok := schema.ChannelFromWireType(resp.Subscription.Type)
	if !ok {
		return Result{}, errs.New("normalizer/subscription-response", errs.CodeProtocol,
			errs.WithVenue(n.venue),
			errs.WithMessage("ack for unknown subscription type "+resp.Subscription.Type))
	}
	if resp.Method != "subscribe" {
		// Unsubscribe acks carry no state the registry tracks.
		return Result{}, nil
	}
	key := schema.SubscriptionKey{Channel: channel, Symbol: resp.Subscription.Coin}
	return Result{Acks: []Ack{{Key: key, OK: true}}}, nil
}

// parseVenueError handles the venue error channel. Rejections embed the
// offending subscription request as JSON inside the message text; when that
// can be recovered the error becomes a failed Ack, otherwise it is logged
// and dropped.
func (n *Normalizer) parseVenueError(data json.RawMessage) (Result, error) {
	var msg string
	if err := json.Unmarshal(data, &msg); err != nil {
		return Result{}, errs.New("normalizer/venue-error", errs.CodeParse,
			errs.WithVenue(n.venue), errs.WithCause(err))
	}
	if key, ok := extractSubscription(msg); ok {
		return Result{Acks: []Ack{{Key: key, OK: false, Reason: msg}}}, nil
	}
	observability.Log().Warn("venue error without subscription context",
		observability.F("venue", n.venue),
		observability.F("message", msg))
	return Result{}, nil
}

func (n *Normalizer) parseAssetCtx(channel schema.Channel, data json.RawMessage, ingestTS time.Time) (Result, error) {
	var payload assetCtxData
	if err := json.Unmarshal(data, &payload); err != nil {
		return Result{}, errs.New("normalizer/asset-ctx", errs.CodeParse,
			errs.WithVenue(n.venue), errs.WithCause(err))
	}
	if payload.Coin == "" {
		return Result{}, errs.New("normalizer/asset-ctx", errs.CodeParse,
			errs.WithVenue(n.venue), errs.WithMessage("missing coin"))
	}

	mid, ok := numeric.Parse(payload.Ctx.MidPx)
	if !ok {
		return n.numericFailure(channel, payload.Coin, "midPx", payload.Ctx.MidPx, ingestTS), nil
	}
	price := schema.PricePayload{Mid: mid}
	if payload.Ctx.MarkPx != "" {
		mark, ok := numeric.Parse(payload.Ctx.MarkPx)
		if !ok {
			return n.numericFailure(channel, payload.Coin, "markPx", payload.Ctx.MarkPx, ingestTS), nil
		}
		price.Mark = mark
	}
	if payload.Ctx.OraclePx != "" {
		oracle, ok := numeric.Parse(payload.Ctx.OraclePx)
		if !ok {
			return n.numericFailure(channel, payload.Coin, "oraclePx", payload.Ctx.OraclePx, ingestTS), nil
		}
		price.Oracle = oracle
	}
	if len(payload.Ctx.ImpactPxs) >= 2 {
		bid, okBid := numeric.Parse(payload.Ctx.ImpactPxs[0])
		ask, okAsk := numeric.Parse(payload.Ctx.ImpactPxs[1])
		if !okBid || !okAsk {
			return n.numericFailure(channel, payload.Coin, "impactPxs", strings.Join(payload.Ctx.ImpactPxs, ","), ingestTS), nil
		}
		price.BestBid = bid
		price.BestAsk = ask
	}

	price.Mid = n.roundPx(payload.Coin, price.Mid)
	price.Mark = n.roundPx(payload.Coin, price.Mark)
	price.Oracle = n.roundPx(payload.Coin, price.Oracle)
	price.BestBid = n.roundPx(payload.Coin, price.BestBid)
	price.BestAsk = n.roundPx(payload.Coin, price.BestAsk)

	exchangeTS := wireTime(payload.Ctx.Time, ingestTS)
	key := schema.SubscriptionKey{Channel: channel, Symbol: payload.Coin}
	if n.dropStale(key, exchangeTS) {
		return Result{}, nil
	}

	evt := n.newEvent(channel, payload.Coin, schema.EventTypePrice, exchangeTS, ingestTS, price)
	return Result{Events: []*schema.Event{evt}}, nil
}

func (n *Normalizer) parseTrades(data json.RawMessage, ingestTS time.Time) (Result, error) {
	var trades []tradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		return Result{}, errs.New("normalizer/trades", errs.CodeParse,
			errs.WithVenue(n.venue), errs.WithCause(err))
	}

	var events []*schema.Event
	for _, trade := range trades {
		if trade.Coin == "" {
			continue
		}
		px, okPx := numeric.Parse(trade.Px)
		sz, okSz := numeric.Parse(trade.Sz)
		if !okPx || !okSz {
			result := n.numericFailure(schema.ChannelTrade, trade.Coin, "px/sz", trade.Px+"/"+trade.Sz, ingestTS)
			events = append(events, result.Events...)
			continue
		}
		// Distinct trades can share a timestamp, so the replay gate keys
		// on the strictly increasing trade ID instead.
		if n.gate && trade.TID <= n.lastTrade[trade.Coin] {
			continue
		}
		if n.gate {
			n.lastTrade[trade.Coin] = trade.TID
		}

		side := schema.TradeSideSell
		if strings.EqualFold(trade.Side, "B") {
			side = schema.TradeSideBuy
		}
		evt := n.newEvent(schema.ChannelTrade, trade.Coin, schema.EventTypeTrade,
			wireTime(trade.Time, ingestTS), ingestTS, schema.TradePayload{
				TradeID: trade.TID,
				Side:    side,
				Price:   n.roundPx(trade.Coin, px),
				Size:    sz,
			})
		events = append(events, evt)
	}
	return Result{Events: events}, nil
}

func (n *Normalizer) parseBook(data json.RawMessage, ingestTS time.Time) (Result, error) {
	var payload bookData
	if err := json.Unmarshal(data, &payload); err != nil {
		return Result{}, errs.New("normalizer/book", errs.CodeParse,
			errs.WithVenue(n.venue), errs.WithCause(err))
	}
	if payload.Coin == "" {
		return Result{}, errs.New("normalizer/book", errs.CodeParse,
			errs.WithVenue(n.venue), errs.WithMessage("missing coin"))
	}
	if len(payload.Levels) != 2 {
		return Result{}, errs.New("normalizer/book", errs.CodeParse,
			errs.WithVenue(n.venue),
			errs.WithMessage(fmt.Sprintf("expected two book sides, got %d", len(payload.Levels))))
	}

	bids, err := parseLevels(payload.Levels[0])
	if err != nil {
		return n.numericFailure(schema.ChannelBookDelta, payload.Coin, "bids", err.Error(), ingestTS), nil
	}
	asks, err := parseLevels(payload.Levels[1])
	if err != nil {
		return n.numericFailure(schema.ChannelBookDelta, payload.Coin, "asks", err.Error(), ingestTS), nil
	}

	for i := range bids {
		bids[i].Price = n.roundPx(payload.Coin, bids[i].Price)
	}
	for i := range asks {
		asks[i].Price = n.roundPx(payload.Coin, asks[i].Price)
	}

	exchangeTS := wireTime(payload.Time, ingestTS)
	key := schema.SubscriptionKey{Channel: schema.ChannelBookDelta, Symbol: payload.Coin}
	if n.dropStale(key, exchangeTS) {
		return Result{}, nil
	}

	evt := n.newEvent(schema.ChannelBookDelta, payload.Coin, schema.EventTypeBookDelta,
		exchangeTS, ingestTS, schema.BookDeltaPayload{Bids: bids, Asks: asks})
	return Result{Events: []*schema.Event{evt}}, nil
}

func parseLevels(levels []bookLevel) ([]schema.PriceLevel, error) {
	if len(levels) == 0 {
		return nil, nil
	}
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		px, okPx := numeric.Parse(level.Px)
		sz, okSz := numeric.Parse(level.Sz)
		if !okPx || !okSz {
			return nil, fmt.Errorf("bad level px=%q sz=%q", level.Px, level.Sz)
		}
		out = append(out, schema.PriceLevel{Price: px, Size: sz, Orders: level.N})
	}
	return out, nil
}

// roundPx applies the venue price precision rule for coins with known size
// decimals and passes everything else through unchanged.
func (n *Normalizer) roundPx(coin string, px decimal.Decimal) decimal.Decimal {
	sz, ok := n.sizeDecimals[coin]
	if !ok {
		return px
	}
	return numeric.RoundPrice(px, maxDecimalsFor(coin), sz)
}

// maxDecimalsFor picks the venue decimal budget. Spot coins are written as
// "BASE/QUOTE" pairs or "@index" references; everything else is a perp.
func maxDecimalsFor(coin string) int32 {
	if strings.Contains(coin, "/") || strings.HasPrefix(coin, "@") {
		return numeric.SpotPriceDecimals
	}
	return numeric.PerpPriceDecimals
}

// dropStale reports whether the event violates per-symbol monotonicity and
// records the timestamp otherwise. Duplicates and replays are dropped
// silently, not surfaced as errors.
func (n *Normalizer) dropStale(key schema.SubscriptionKey, exchangeTS time.Time) bool {
	if !n.gate {
		return false
	}
	if last, ok := n.lastSeen[key]; ok && !exchangeTS.After(last) {
		observability.Telemetry().IncCounter("hyperfeed_events_dropped_total", 1,
			map[string]string{"channel": string(key.Channel), "reason": "stale"})
		return true
	}
	n.lastSeen[key] = exchangeTS
	return false
}

// numericFailure builds the single non-terminal error event that replaces a
// message whose numeric fields failed to parse.
func (n *Normalizer) numericFailure(channel schema.Channel, symbol, field, raw string, ingestTS time.Time) Result {
	observability.Telemetry().IncCounter("hyperfeed_parse_errors_total", 1,
		map[string]string{"channel": string(channel)})
	evt := n.newEvent(channel, symbol, schema.EventTypeError, ingestTS, ingestTS, schema.ErrorPayload{
		Code:     errs.CodeParse,
		Message:  fmt.Sprintf("invalid %s %q", field, raw),
		Terminal: false,
	})
	return Result{Events: []*schema.Event{evt}}
}

func (n *Normalizer) newEvent(channel schema.Channel, symbol string, typ schema.EventType, exchangeTS, ingestTS time.Time, payload any) *schema.Event {
	return &schema.Event{
		Venue:      n.venue,
		Channel:    channel,
		Symbol:     symbol,
		Type:       typ,
		ExchangeTS: exchangeTS,
		IngestTS:   ingestTS,
		Payload:    payload,
	}
}

func wireTime(millis int64, fallback time.Time) time.Time {
	if millis <= 0 {
		return fallback
	}
	return time.UnixMilli(millis).UTC()
}

// extractSubscription recovers the subscription JSON a venue rejection embeds
// in its message text.
func extractSubscription(msg string) (schema.SubscriptionKey, bool) {
	start := strings.IndexByte(msg, '{')
	if start < 0 {
		return schema.SubscriptionKey{}, false
	}
	var sub struct {
		Type string `json:"type"`
		Coin string `json:"coin"`
	}
	if err := json.Unmarshal([]byte(msg[start:]), &sub); err != nil {
		return schema.SubscriptionKey{}, false
	}
	channel, ok := schema.ChannelFromWireType(sub.Type)
	if !ok {
		return schema.SubscriptionKey{}, false
	}
	return schema.SubscriptionKey{Channel: channel, Symbol: sub.Coin}, true
}
