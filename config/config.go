// Package config centralises runtime configuration for hyperfeed services.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OverflowPolicy controls what happens when a consumer buffer is full.
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest buffered event to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDropNewest discards the incoming event.
	OverflowDropNewest OverflowPolicy = "drop_newest"
	// OverflowError terminates the consumer stream with an error event.
	OverflowError OverflowPolicy = "error"
)

// Validate ensures the policy is a member of the closed set.
func (p OverflowPolicy) Validate() error {
	switch p {
	case OverflowDropOldest, OverflowDropNewest, OverflowError:
		return nil
	default:
		return fmt.Errorf("unknown overflow policy %q", string(p))
	}
}

// BackoffSettings bound the supervisor reconnect delay.
type BackoffSettings struct {
	MinDelay       time.Duration `yaml:"min_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	JitterFraction float64       `yaml:"jitter_fraction"`
	// StabilityThreshold is the sustained streaming interval after which
	// the delay resets to MinDelay.
	StabilityThreshold time.Duration `yaml:"stability_threshold"`
}

// HeartbeatSettings govern the liveness watchdog.
type HeartbeatSettings struct {
	// Interval is the ping cadence while streaming.
	Interval time.Duration `yaml:"interval"`
	// Timeout is the maximum silence tolerated before the connection is
	// considered dead.
	Timeout time.Duration `yaml:"timeout"`
}

// SubscribeSettings govern subscription acknowledgement handling.
type SubscribeSettings struct {
	// AckWindow bounds how long the supervisor waits for confirmations
	// after requesting the desired set.
	AckWindow time.Duration `yaml:"ack_window"`
	// RetryLimit caps per-subscription retries before the failure becomes
	// permanent for affected consumers.
	RetryLimit int `yaml:"retry_limit"`
	// ControlInterval paces subscribe/unsubscribe requests on the wire.
	ControlInterval time.Duration `yaml:"control_interval"`
}

// ConsumerSettings are the defaults applied to new streams.
type ConsumerSettings struct {
	BufferSize        int            `yaml:"buffer_size"`
	OverflowPolicy    OverflowPolicy `yaml:"overflow_policy"`
	IncludeHeartbeats bool           `yaml:"include_heartbeats"`
}

// TelemetrySettings configure the OTLP metric exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// StreamSpec names one (channel, symbol) subscription for the CLI.
type StreamSpec struct {
	Channel string `yaml:"channel"`
	Symbol  string `yaml:"symbol"`
}

// AssetSpec carries per-asset venue metadata the wire frames do not repeat.
type AssetSpec struct {
	Symbol string `yaml:"symbol"`
	// SizeStep is the venue lot step, e.g. "0.001". Its fractional width is
	// the asset's size decimals, which caps price precision.
	SizeStep string `yaml:"size_step"`
}

// Settings contains the hyperfeed configuration tree loaded from defaults
// and overrides. Everything the core consumes is passed explicitly; nothing
// reads ambient global state.
type Settings struct {
	Venue            string            `yaml:"venue"`
	Endpoint         string            `yaml:"endpoint"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	Backoff          BackoffSettings   `yaml:"backoff"`
	Heartbeat        HeartbeatSettings `yaml:"heartbeat"`
	Subscribe        SubscribeSettings `yaml:"subscribe"`
	Consumer         ConsumerSettings  `yaml:"consumer"`
	Telemetry        TelemetrySettings `yaml:"telemetry"`
	Streams          []StreamSpec      `yaml:"streams"`
	Assets           []AssetSpec       `yaml:"assets"`
}

// Default returns the default hyperfeed configuration.
func Default() Settings {
	return Settings{
		Venue:            "hyperliquid",
		Endpoint:         "wss://api.hyperliquid.xyz/ws",
		HandshakeTimeout: 10 * time.Second,
		Backoff: BackoffSettings{
			MinDelay:           500 * time.Millisecond,
			MaxDelay:           30 * time.Second,
			JitterFraction:     0.5,
			StabilityThreshold: time.Minute,
		},
		Heartbeat: HeartbeatSettings{
			Interval: 15 * time.Second,
			Timeout:  45 * time.Second,
		},
		Subscribe: SubscribeSettings{
			AckWindow:       10 * time.Second,
			RetryLimit:      3,
			ControlInterval: 250 * time.Millisecond,
		},
		Consumer: ConsumerSettings{
			BufferSize:        256,
			OverflowPolicy:    OverflowDropOldest,
			IncludeHeartbeats: false,
		},
		Telemetry: TelemetrySettings{OTLPEndpoint: "", ServiceName: "hyperfeed"},
		Streams:   nil,
		Assets:    nil,
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if v := strings.TrimSpace(os.Getenv("HYPERFEED_WS_URL")); v != "" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPERFEED_VENUE")); v != "" {
		cfg.Venue = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPERFEED_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPERFEED_HEARTBEAT_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Heartbeat.Timeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("HYPERFEED_BUFFER_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Consumer.BufferSize = n
		}
	}
	return cfg
}

// Load reads a YAML configuration document from disk, layered over defaults.
func Load(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("HYPERFEED_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/hyperfeed.yaml"
	}

	file, err := os.Open(path)
	if err != nil {
		return Settings{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	return Read(file)
}

// Read decodes a YAML configuration document, layered over defaults.
func Read(r io.Reader) (Settings, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the configuration tree.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("config: endpoint required")
	}
	if !strings.HasPrefix(s.Endpoint, "ws://") && !strings.HasPrefix(s.Endpoint, "wss://") {
		return fmt.Errorf("config: endpoint must be a websocket URL, got %q", s.Endpoint)
	}
	if s.Backoff.MinDelay <= 0 || s.Backoff.MaxDelay < s.Backoff.MinDelay {
		return fmt.Errorf("config: backoff delays must satisfy 0 < min <= max")
	}
	if s.Backoff.JitterFraction < 0 || s.Backoff.JitterFraction > 1 {
		return fmt.Errorf("config: jitter fraction must be within [0, 1]")
	}
	if s.Heartbeat.Timeout <= 0 || s.Heartbeat.Interval <= 0 {
		return fmt.Errorf("config: heartbeat interval and timeout must be positive")
	}
	if s.Heartbeat.Interval >= s.Heartbeat.Timeout {
		return fmt.Errorf("config: heartbeat interval must be shorter than timeout")
	}
	if s.Subscribe.AckWindow <= 0 {
		return fmt.Errorf("config: subscribe ack window must be positive")
	}
	if s.Subscribe.RetryLimit < 0 {
		return fmt.Errorf("config: subscribe retry limit must not be negative")
	}
	if s.Consumer.BufferSize <= 0 {
		return fmt.Errorf("config: consumer buffer size must be positive")
	}
	if err := s.Consumer.OverflowPolicy.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, asset := range s.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("config: asset entries require a symbol")
		}
	}
	return nil
}
