package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"vehiclecheck/internal/domain"
)

// Absorbed failure boundaries.
const (
	BoundarySupplier   = "supplier"
	BoundaryCacheGet   = "cache_get"
	BoundaryCachePut   = "cache_put"
	BoundaryAuditEmit  = "audit_emit"
	BoundaryAuditStore = "audit_store"
)

// Recorder holds the metric instruments. The zero value is not usable; use NewRecorder or Noop.
type Recorder struct {
	supplierOutcomes metric.Int64Counter
	supplierLatency  metric.Float64Histogram
	absorbed         metric.Int64Counter
	cacheLookups     metric.Int64Counter
	costCents        metric.Int64Counter
	duration         metric.Float64Histogram
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error
	if r.supplierOutcomes, err = meter.Int64Counter("vehiclecheck.supplier.outcomes",
		metric.WithDescription("Supplier call outcomes by status")); err != nil {
		return nil, err
	}
	if r.supplierLatency, err = meter.Float64Histogram("vehiclecheck.supplier.latency",
		metric.WithUnit("ms"), metric.WithDescription("Supplier outcome latency")); err != nil {
		return nil, err
	}
	if r.absorbed, err = meter.Int64Counter("vehiclecheck.absorbed_failures",
		metric.WithDescription("Failures absorbed without failing the request")); err != nil {
		return nil, err
	}
	if r.cacheLookups, err = meter.Int64Counter("vehiclecheck.idempotency.lookups"); err != nil {
		return nil, err
	}
	if r.costCents, err = meter.Int64Counter("vehiclecheck.analysis.cost_cents",
		metric.WithUnit("{cent}")); err != nil {
		return nil, err
	}
	if r.duration, err = meter.Float64Histogram("vehiclecheck.analysis.duration",
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return r, nil
}

// Global builds a recorder on the global meter provider.
func Global() (*Recorder, error) {
	return NewRecorder(otel.Meter(instrumentationName))
}

func Noop() *Recorder {
	r, _ := NewRecorder(noop.NewMeterProvider().Meter(instrumentationName))
	return r
}

func (r *Recorder) SupplierOutcome(ctx context.Context, o domain.SupplierOutcome) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("supplier", string(o.Supplier)),
		attribute.String("status", string(o.Status)),
	)
	r.supplierOutcomes.Add(ctx, 1, attrs)
	if o.Status != domain.StatusNotCalled {
		r.supplierLatency.Record(ctx, float64(o.Latency.Milliseconds()), attrs)
	}
	if o.Status == domain.StatusFailure || o.Status == domain.StatusTimeout {
		r.Absorbed(ctx, BoundarySupplier)
	}
}

func (r *Recorder) Absorbed(ctx context.Context, boundary string) {
	if r == nil {
		return
	}
	r.absorbed.Add(ctx, 1, metric.WithAttributes(attribute.String("boundary", boundary)))
}

// CacheLookup records result as "hit" or "miss".
func (r *Recorder) CacheLookup(ctx context.Context, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *Recorder) Analysis(ctx context.Context, costCents int64, elapsed time.Duration, f2Called bool) {
	if r == nil {
		return
	}
	r.costCents.Add(ctx, costCents)
	r.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.Bool("f2_called", f2Called)))
}
