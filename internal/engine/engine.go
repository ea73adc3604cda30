// Package engine coordinates one vehicle analysis: cache lookup, identifier
// normalization, the conditional supplier fan-out, merge, billing, audit and store.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"vehiclecheck/internal/audit"
	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/idempotency"
	"vehiclecheck/internal/logging"
	"vehiclecheck/internal/merge"
	"vehiclecheck/internal/telemetry"
)

// DefaultPoolSize bounds concurrent supplier calls across all requests.
const DefaultPoolSize = 10

type Normalizer interface {
	Normalize(ctx context.Context, raw string) (domain.VehicleIdentifier, string, error)
}

type Gateway interface {
	Name() domain.SupplierName
	Fetch(ctx context.Context, vin string) domain.SupplierOutcome
}

type Cache interface {
	Get(ctx context.Context, key string) (domain.ConsolidatedAnalysis, bool)
	Put(ctx context.Context, key string, a domain.ConsolidatedAnalysis) bool
}

type AuditEmitter interface {
	Emit(ctx context.Context, rec domain.AuditRecord) error
}

type Request struct {
	Identifier     string
	IdempotencyKey string
}

type Result struct {
	Analysis domain.ConsolidatedAnalysis
	// Key is the effective idempotency key, supplied or derived.
	Key      string
	Replayed bool
	// CostCents is zero for replays since no supplier was contacted.
	CostCents int64
}

type Engine struct {
	Normalizer Normalizer
	Gateways   map[domain.SupplierName]Gateway
	Cache      Cache
	Audit      AuditEmitter
	Costs      merge.CostTable
	Log        *zap.Logger
	Recorder   *telemetry.Recorder
	Now        func() time.Time

	pool   *semaphore.Weighted
	tracer trace.Tracer
}

type Options struct {
	PoolSize int
	Costs    merge.CostTable
	Log      *zap.Logger
	Recorder *telemetry.Recorder
}

func New(normalizer Normalizer, gateways []Gateway, cache Cache, emitter AuditEmitter, opts Options) (*Engine, error) {
	if normalizer == nil || cache == nil || emitter == nil {
		return nil, eris.New("engine: normalizer, cache and audit emitter are required")
	}
	byName := make(map[domain.SupplierName]Gateway, len(gateways))
	for _, g := range gateways {
		byName[g.Name()] = g
	}
	for _, name := range domain.Suppliers {
		if byName[name] == nil {
			return nil, eris.Errorf("engine: no gateway for supplier %s", name)
		}
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Costs == nil {
		opts.Costs = merge.DefaultCosts()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Engine{
		Normalizer: normalizer,
		Gateways:   byName,
		Cache:      cache,
		Audit:      emitter,
		Costs:      opts.Costs,
		Log:        opts.Log.Named("engine"),
		Recorder:   opts.Recorder,
		Now:        time.Now,
		pool:       semaphore.NewWeighted(int64(opts.PoolSize)),
		tracer:     telemetry.Tracer(),
	}, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Analyze runs the pipeline. Only identifier classification and normalization
// failures are returned; supplier, cache and audit failures are absorbed.
func (e *Engine) Analyze(ctx context.Context, req Request) (Result, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = idempotency.KeyForIdentifier(req.Identifier)
	}
	ctx, span := e.tracer.Start(ctx, "analyze")
	defer span.End()

	if cached, ok := e.Cache.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("replayed", true))
		return Result{Analysis: cached, Key: key, Replayed: true}, nil
	}

	start := e.now()
	id, vin, err := e.Normalizer.Normalize(ctx, req.Identifier)
	if err != nil {
		span.RecordError(err)
		return Result{Key: key}, err
	}
	span.SetAttributes(attribute.String("input_type", string(id.Type)))
	log := e.Log.With(logging.VIN(vin), zap.String("key", key))

	outcomes := e.fanOut(ctx, vin)
	analysis := merge.Merge(vin, outcomes)
	cost := e.Costs.EstimateCents(analysis.SupplierStatus)

	rec := audit.NewRecord(id, analysis, cost, telemetry.TraceID(ctx), e.now())
	if err := e.Audit.Emit(ctx, rec); err != nil {
		log.Warn("engine: audit emit failed", zap.Error(err))
		e.Recorder.Absorbed(ctx, telemetry.BoundaryAuditEmit)
	}
	e.Cache.Put(ctx, key, analysis)

	f2Called := outcomes.F2.Status != domain.StatusNotCalled
	e.Recorder.Analysis(ctx, cost, e.now().Sub(start), f2Called)
	log.Debug("engine: analysis complete", zap.Int64("cost_cents", cost), zap.Bool("f2_called", f2Called))
	return Result{Analysis: analysis, Key: key, CostCents: cost}, nil
}

// fanOut runs F1 and F3 concurrently; F2 runs after F1 only when F1 reports constraints.
// Each branch writes only its own outcome, so the join needs no locking.
func (e *Engine) fanOut(ctx context.Context, vin string) merge.Outcomes {
	var out merge.Outcomes
	var g errgroup.Group
	g.Go(func() error {
		out.F1 = e.call(ctx, domain.SupplierF1, vin)
		if requiresF2(out.F1) {
			out.F2 = e.call(ctx, domain.SupplierF2, vin)
		} else {
			out.F2 = domain.NotCalled(domain.SupplierF2)
		}
		return nil
	})
	g.Go(func() error {
		out.F3 = e.call(ctx, domain.SupplierF3, vin)
		return nil
	})
	_ = g.Wait()
	return out
}

func requiresF2(f1 domain.SupplierOutcome) bool {
	if f1.Status != domain.StatusSuccess {
		return false
	}
	p, ok := f1.Payload.(domain.F1Payload)
	return ok && p.Constraints.Any()
}

// call holds one pool slot for the duration of a single gateway call.
func (e *Engine) call(ctx context.Context, name domain.SupplierName, vin string) domain.SupplierOutcome {
	if err := e.pool.Acquire(ctx, 1); err != nil {
		msg := "worker pool unavailable"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			msg = "request cancelled"
		}
		return domain.Failure(name, 0, msg)
	}
	defer e.pool.Release(1)
	return e.Gateways[name].Fetch(ctx, vin)
}

// Gateway returns the configured gateway for name.
func (e *Engine) Gateway(name domain.SupplierName) Gateway {
	return e.Gateways[name]
}
