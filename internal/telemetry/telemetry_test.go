package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"vehiclecheck/internal/domain"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecorderCountsAbsorbedSupplierFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := NewRecorder(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	rec.SupplierOutcome(ctx, domain.Success(domain.SupplierF1, 12*time.Millisecond, domain.F1Payload{}))
	rec.SupplierOutcome(ctx, domain.Timeout(domain.SupplierF3, 350*time.Millisecond))
	rec.SupplierOutcome(ctx, domain.NotCalled(domain.SupplierF2))
	rec.Absorbed(ctx, BoundaryCachePut)
	rec.CacheLookup(ctx, false)
	rec.Analysis(ctx, 10, 40*time.Millisecond, false)

	metrics := collect(t, reader)
	outcomes, ok := metrics["vehiclecheck.supplier.outcomes"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, outcomes.DataPoints, 3)

	absorbed, ok := metrics["vehiclecheck.absorbed_failures"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byBoundary := map[string]int64{}
	for _, dp := range absorbed.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("boundary"))
		byBoundary[v.AsString()] += dp.Value
	}
	require.Equal(t, map[string]int64{BoundarySupplier: 1, BoundaryCachePut: 1}, byBoundary)

	cost, ok := metrics["vehiclecheck.analysis.cost_cents"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.EqualValues(t, 10, cost.DataPoints[0].Value)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.Absorbed(context.Background(), BoundaryAuditEmit)
	rec.CacheLookup(context.Background(), true)
	Noop().Analysis(context.Background(), 0, 0, true)
}

func TestTraceID(t *testing.T) {
	id := TraceID(context.Background())
	require.Len(t, id, 32)
	require.NotEqual(t, id, TraceID(context.Background()))

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "analyze")
	defer span.End()
	require.Equal(t, span.SpanContext().TraceID().String(), TraceID(ctx))
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}
