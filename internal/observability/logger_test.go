package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func TestJSONLoggerWritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	logger.Info("connected", F("venue", "hyperliquid"), F("attempt", 3))
	logger.Error("read failed", F("err", errors.New("connection reset")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if first["level"] != "info" || first["msg"] != "connected" {
		t.Fatalf("unexpected first entry: %v", first)
	}
	if first["venue"] != "hyperliquid" {
		t.Fatalf("expected venue field, got %v", first)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("second line is not JSON: %v", err)
	}
	if second["err"] != "connection reset" {
		t.Fatalf("expected error rendered as string, got %v", second)
	}
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewJSONLogger(&buf))
	Log().Info("one")
	SetLogger(nil)
	Log().Info("two")

	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Fatalf("expected a single logged line, got %d", got)
	}
}

func TestSetMetricsNilRestoresNoop(t *testing.T) {
	SetMetrics(nil)
	// Must not panic.
	Telemetry().IncCounter("events_total", 1, map[string]string{"channel": "trade"})
}
