package observability

import (
	"bytes"
	"context"
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestTracingExportsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing("test-gateway", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "dialogue.generate")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "dialogue.generate")
}

func TestMetricsBridgeRegistersOnRegistry(t *testing.T) {
	reg := promclient.NewRegistry()
	mp, err := SetupMetrics("test-gateway", reg)
	require.NoError(t, err)
	defer mp.Shutdown(context.Background())

	counter, err := otel.Meter("test").Int64Counter("bridge_probe")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "bridge_probe_total")
}
