// Package supplier isolates each downstream supplier behind a Gateway that
// always answers with a domain.SupplierOutcome.
package supplier

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/logging"
	"vehiclecheck/internal/resilience"
	"vehiclecheck/internal/telemetry"
)

// Transport performs one raw call to a supplier. Implementations must honour ctx.
type Transport interface {
	Fetch(ctx context.Context, vin string) (any, error)
}

type TransportFunc func(ctx context.Context, vin string) (any, error)

func (f TransportFunc) Fetch(ctx context.Context, vin string) (any, error) { return f(ctx, vin) }

type RateLimitConfig struct {
	Limit   int
	Period  time.Duration
	MaxWait time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	Wait        time.Duration
	Jitter      float64
}

type GatewayConfig struct {
	Name     domain.SupplierName
	Timeout  time.Duration
	Bulkhead int
	Retry    RetryConfig
	Breaker  resilience.BreakerConfig
	// RateLimit is nil for suppliers without a rate limit.
	RateLimit *RateLimitConfig
}

// Gateway owns the per-supplier guard state shared by all concurrent requests.
type Gateway struct {
	name      domain.SupplierName
	transport Transport
	timeout   time.Duration

	limiter  *resilience.RateLimiter
	breaker  *resilience.CircuitBreaker
	retry    resilience.Retry
	bulkhead *resilience.Bulkhead

	log      *zap.Logger
	recorder *telemetry.Recorder
	tracer   trace.Tracer
}

type Option func(*Gateway)

func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

func WithRecorder(r *telemetry.Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

func NewGateway(cfg GatewayConfig, transport Transport, opts ...Option) *Gateway {
	g := &Gateway{
		name:      cfg.Name,
		transport: transport,
		timeout:   cfg.Timeout,
		breaker:   resilience.NewCircuitBreaker(string(cfg.Name), cfg.Breaker),
		bulkhead:  resilience.NewBulkhead(cfg.Bulkhead),
		log:       zap.NewNop(),
		tracer:    telemetry.Tracer(),
	}
	if cfg.RateLimit != nil {
		g.limiter = resilience.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Period, cfg.RateLimit.MaxWait)
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With(zap.String("supplier", string(cfg.Name)))
	g.breaker.OnTransition = func(name string, from, to resilience.State) {
		g.log.Warn("supplier: circuit transition", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	g.retry = resilience.Retry{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Wait:        cfg.Retry.Wait,
		Jitter:      cfg.Retry.Jitter,
		Breaker:     g.breaker,
		OnRetry: func(attempt int, err error) {
			g.log.Debug("supplier: retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	return g
}

func (g *Gateway) Name() domain.SupplierName { return g.name }

// BreakerState reports the circuit state shared by every caller of this supplier.
func (g *Gateway) BreakerState() resilience.State { return g.breaker.State() }

// Fetch runs the guarded call and translates every result into an outcome. It never panics.
func (g *Gateway) Fetch(ctx context.Context, vin string) (outcome domain.SupplierOutcome) {
	ctx, span := g.tracer.Start(ctx, "supplier."+string(g.name),
		trace.WithAttributes(attribute.String("supplier", string(g.name))))
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			outcome = domain.Failure(g.name, time.Since(start), "supplier gateway panic")
		}
		span.SetAttributes(attribute.String("status", string(outcome.Status)))
		if outcome.Status != domain.StatusSuccess {
			span.SetStatus(codes.Error, outcome.Err)
		}
		span.End()
		g.recorder.SupplierOutcome(ctx, outcome)
		if outcome.Status != domain.StatusSuccess {
			g.log.Warn("supplier: call absorbed",
				zap.String("status", string(outcome.Status)),
				logging.VIN(vin),
				zap.String("error", outcome.Err))
		}
	}()

	var attemptNanos atomic.Int64
	call := func(ctx context.Context) (any, error) {
		t0 := time.Now()
		out, err := g.transport.Fetch(ctx, vin)
		attemptNanos.Store(int64(time.Since(t0)))
		return out, err
	}

	// attempted is set once retry hands an attempt to the bulkhead.
	var attempted atomic.Bool
	markAttempt := func(next resilience.Func) resilience.Func {
		return func(ctx context.Context) (any, error) {
			attempted.Store(true)
			return next(ctx)
		}
	}

	decorators := []resilience.Decorator{g.breaker.Wrap, g.retry.Wrap, markAttempt, g.bulkhead.Wrap, resilience.Timeout(g.timeout)}
	if g.limiter != nil {
		decorators = append([]resilience.Decorator{g.limiter.Wrap}, decorators...)
	}
	payload, err := resilience.Chain(call, decorators...)(ctx)

	switch {
	case err == nil && payload == nil:
		return domain.Failure(g.name, time.Since(start), "empty supplier response")
	case err == nil:
		return domain.Success(g.name, time.Duration(attemptNanos.Load()), payload)
	case errors.Is(err, resilience.ErrTimeout):
		return domain.Timeout(g.name, g.timeout)
	case resilience.IsRejection(err) && !attempted.Load():
		return domain.Failure(g.name, 0, err.Error())
	default:
		return domain.Failure(g.name, time.Since(start), err.Error())
	}
}
