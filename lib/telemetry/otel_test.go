package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finbranch/hyperfeed/config"
	"github.com/finbranch/hyperfeed/internal/observability"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://example.com:4318")
	require.NoError(t, err)
	require.Equal(t, "example.com:4318", host)
	require.False(t, insecure)

	host, insecure, err = parseEndpoint("http://localhost:4318")
	require.NoError(t, err)
	require.Equal(t, "localhost:4318", host)
	require.True(t, insecure)
}

func TestInitNoEndpointUsesNoop(t *testing.T) {
	mp, shutdown, err := Init(context.Background(), config.TelemetrySettings{})
	require.NoError(t, err)
	require.NotNil(t, mp)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitInvalidEndpoint(t *testing.T) {
	_, _, err := Init(context.Background(), config.TelemetrySettings{OTLPEndpoint: "://bad"})
	require.Error(t, err)
}

func TestInitWithEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mp, shutdown, err := Init(context.Background(), config.TelemetrySettings{OTLPEndpoint: srv.URL, ServiceName: "hyperfeed"})
	require.NoError(t, err)
	require.NotNil(t, mp)
	require.NoError(t, shutdown(context.Background()))
}

// The pipeline records metrics through the observability facade; a counter
// incremented there must reach the collector on flush.
func TestFacadeCountersReachCollector(t *testing.T) {
	var exports atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 {
			exports.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mp, shutdown, err := Init(context.Background(), config.TelemetrySettings{OTLPEndpoint: srv.URL, ServiceName: "hyperfeed"})
	require.NoError(t, err)

	observability.SetMetrics(observability.NewOTelMetrics(mp.Meter("hyperfeed_test")))
	defer observability.SetMetrics(nil)

	observability.Telemetry().IncCounter("hyperfeed_connects_total", 1, map[string]string{"venue": "hyperliquid"})
	observability.Telemetry().SetGauge("hyperfeed_connection_state", 2, nil)

	// Shutdown flushes the periodic reader.
	require.NoError(t, shutdown(context.Background()))
	require.Positive(t, exports.Load())
}
