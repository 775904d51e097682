// Command hyperfeed streams normalized Hyperliquid market data to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/finbranch/hyperfeed/config"
	"github.com/finbranch/hyperfeed/feed"
	"github.com/finbranch/hyperfeed/internal/observability"
	"github.com/finbranch/hyperfeed/lib/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

type streamFlags []config.StreamSpec

func (s *streamFlags) String() string {
	parts := make([]string, 0, len(*s))
	for _, spec := range *s {
		parts = append(parts, spec.Channel+":"+spec.Symbol)
	}
	return strings.Join(parts, ",")
}

func (s *streamFlags) Set(value string) error {
	channel, symbol, ok := strings.Cut(value, ":")
	if !ok || channel == "" || symbol == "" {
		return fmt.Errorf("stream must be channel:symbol, got %q", value)
	}
	*s = append(*s, config.StreamSpec{Channel: channel, Symbol: symbol})
	return nil
}

func main() {
	var streams streamFlags
	cfgPath := flag.String("config", "", "path to YAML configuration (default: config/hyperfeed.yaml, then env)")
	flag.Var(&streams, "stream", "channel:symbol to subscribe, repeatable (e.g. perp_price:BTC)")
	flag.Parse()

	logger := log.New(os.Stderr, "hyperfeed ", log.LstdFlags|log.Lmicroseconds)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load config: %v", err)
		}
		cfg = config.FromEnv()
	}
	if len(streams) > 0 {
		cfg.Streams = streams
	}
	if len(cfg.Streams) == 0 {
		logger.Fatal("no streams configured; pass -stream channel:symbol or set streams in the config file")
	}

	observability.SetLogger(observability.NewJSONLogger(os.Stderr))

	mp, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	observability.SetMetrics(observability.NewOTelMetrics(mp.Meter("hyperfeed")))

	client, err := feed.New(cfg)
	if err != nil {
		logger.Fatalf("start client: %v", err)
	}

	var lifecycle conc.WaitGroup
	for _, spec := range cfg.Streams {
		stream, err := client.Subscribe(ctx, feed.Channel(spec.Channel), spec.Symbol, feed.StreamConfig{})
		if err != nil {
			logger.Fatalf("subscribe %s:%s: %v", spec.Channel, spec.Symbol, err)
		}
		lifecycle.Go(func() { printEvents(stream) })
	}

	logger.Printf("streaming %d subscriptions from %s", len(cfg.Streams), cfg.Endpoint)
	<-ctx.Done()
	logger.Print("shutdown signal received")

	client.Close()
	lifecycle.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
}

func printEvents(stream *feed.Stream) {
	var book *feed.Book
	for evt := range stream.Events() {
		if delta, ok := evt.Payload.(feed.BookDeltaPayload); ok {
			if book == nil {
				book = feed.NewBook(evt.Symbol)
			}
			book.Apply(delta)
			if summary, ok := bookSummary(book); ok {
				observability.Log().Debug("top of book",
					observability.F("symbol", evt.Symbol),
					observability.F("book", summary))
			}
		}
		line, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
	if err := stream.Err(); err != nil {
		observability.Log().Error("stream terminated", observability.F("error", err))
	}
}

// bookSummary renders the current best bid, best ask, and midpoint.
func bookSummary(book *feed.Book) (string, bool) {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	mid, okMid := book.Mid()
	if !okBid || !okAsk || !okMid {
		return "", false
	}
	return fmt.Sprintf("bid=%s ask=%s mid=%s", bid.Price, ask.Price, mid), true
}
