package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewNilMeter(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestNilMetricsAreSafe(t *testing.T) {
	ctx := context.Background()
	var m *Metrics

	m.RecordStore(ctx)
	m.RecordRetrieval(ctx, time.Millisecond, false)
	m.RecordPromotion(ctx, "recent")
	m.RecordEvictions(ctx, 3)
	m.RecordSummary(ctx, 4)
	m.RecordDiscards(ctx, 2)
	m.RecordPass(ctx, time.Second)
}

func TestRecording(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(ctx) })

	m, err := New(provider.Meter("test"))
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordStore(ctx)
	m.RecordStore(ctx)
	m.RecordPromotion(ctx, "recent")
	m.RecordRetrieval(ctx, 5*time.Millisecond, true)
	m.RecordPass(ctx, 40*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		byName[metric.Name] = metric
	}

	stores, ok := byName["memory.stores"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, stores.DataPoints, 1)
	assert.Equal(t, int64(2), stores.DataPoints[0].Value)

	assert.Contains(t, byName, "memory.promotions")
	assert.Contains(t, byName, "memory.retrievals")
	assert.Contains(t, byName, "memory.retrieval.latency")
	assert.Contains(t, byName, "memory.pass.duration")
}
