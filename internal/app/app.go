// Package app builds the running system from a validated config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"vehiclecheck/internal/audit"
	"vehiclecheck/internal/config"
	"vehiclecheck/internal/dataset"
	"vehiclecheck/internal/db"
	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/engine"
	"vehiclecheck/internal/idempotency"
	"vehiclecheck/internal/identifier"
	"vehiclecheck/internal/merge"
	"vehiclecheck/internal/migrate"
	"vehiclecheck/internal/resilience"
	"vehiclecheck/internal/server"
	"vehiclecheck/internal/supplier"
	"vehiclecheck/internal/telemetry"
)

// App holds every long-lived component. Close releases them in reverse build order.
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Dataset   *dataset.Dataset
	Engine    *engine.Engine
	Publisher *audit.Publisher
	// Logs is nil unless the sqlite audit sink is configured.
	Logs *audit.Store
	DB   *sql.DB

	closers []func(context.Context) error
}

// Build wires stores, gateways, the audit publisher and the engine.
func Build(ctx context.Context, workspace string, cfg *config.Config, log *zap.Logger, version string) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		ExportInterval: cfg.Telemetry.ExportInterval.Std(),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, providers.Shutdown)
	recorder, err := telemetry.Global()
	if err != nil {
		return nil, err
	}

	if a.Dataset, err = dataset.Load(cfg.Dataset.Path); err != nil {
		return nil, err
	}

	if needsSQLite(cfg) {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		a.DB = conn
		a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
		if err := migrate.Migrate(ctx, conn); err != nil {
			return nil, err
		}
	}

	store, err := a.idempotencyStore(ctx)
	if err != nil {
		return nil, err
	}
	cache := idempotency.NewCache(store, cfg.Idempotency.TTL.Std(), log, recorder)

	sink, err := a.auditSink()
	if err != nil {
		return nil, err
	}
	a.Publisher = audit.NewPublisher(sink, audit.PublisherConfig{
		QueueSize:    cfg.Audit.QueueSize,
		Workers:      cfg.Audit.Workers,
		WriteTimeout: cfg.Audit.WriteTimeout.Std(),
	}, log, recorder)
	a.closers = append(a.closers, a.Publisher.Close)

	gateways := make([]engine.Gateway, 0, len(domain.Suppliers))
	for _, name := range domain.Suppliers {
		sc, _ := cfg.Suppliers.Get(name)
		transport, err := a.transport(name, sc)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, supplier.NewGateway(GatewayConfig(name, sc), transport,
			supplier.WithLogger(log), supplier.WithRecorder(recorder)))
	}

	costs := merge.CostTable{}
	for name, cents := range cfg.Costs {
		costs[name] = cents
	}
	a.Engine, err = engine.New(a.classifier(), gateways, cache, a.Publisher, engine.Options{
		PoolSize: cfg.PoolSize,
		Costs:    costs,
		Log:      log,
		Recorder: recorder,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// Handler returns the HTTP API over the built engine.
func (a *App) Handler(version string) (http.Handler, error) {
	cfg := server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Version:  version,
		Log:      a.Log,

		ClientRPS:   a.Config.Server.ClientRateLimit.RPS,
		ClientBurst: a.Config.Server.ClientRateLimit.Burst,
	}
	if a.Logs != nil {
		cfg.Logs = a.Logs
	}
	return server.New(cfg)
}

// Close drains the audit queue and releases stores.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// GatewayConfig maps supplier settings onto the gateway's guard configuration.
func GatewayConfig(name domain.SupplierName, sc config.Supplier) supplier.GatewayConfig {
	gc := supplier.GatewayConfig{
		Name:     name,
		Timeout:  sc.Timeout.Std(),
		Bulkhead: sc.Bulkhead,
		Retry: supplier.RetryConfig{
			MaxAttempts: sc.Retry.MaxAttempts,
			Wait:        sc.Retry.Wait.Std(),
			Jitter:      sc.Retry.Jitter,
		},
		Breaker: resilience.BreakerConfig{
			FailureRateThreshold: sc.Breaker.FailureRateThreshold,
			WindowSize:           sc.Breaker.WindowSize,
			MinimumCalls:         sc.Breaker.MinimumCalls,
			OpenDuration:         sc.Breaker.OpenDuration.Std(),
			HalfOpenProbes:       sc.Breaker.HalfOpenProbes,
		},
	}
	if rl := sc.RateLimit; rl != nil {
		gc.RateLimit = &supplier.RateLimitConfig{Limit: rl.Limit, Period: rl.Period.Std(), MaxWait: rl.MaxWait.Std()}
	}
	return gc
}

func needsSQLite(cfg *config.Config) bool {
	if cfg.Idempotency.Store == "sqlite" {
		return true
	}
	for _, s := range cfg.Audit.Sinks {
		if s == "sqlite" {
			return true
		}
	}
	return false
}

func (a *App) classifier() *identifier.Classifier {
	if a.Config.Resolver == "prefix" {
		return identifier.NewClassifier(identifier.PrefixResolver{})
	}
	return identifier.NewClassifier(identifier.DatasetResolver{Dataset: a.Dataset, Fallback: identifier.PrefixResolver{}})
}

func (a *App) idempotencyStore(ctx context.Context) (idempotency.Store, error) {
	ic := a.Config.Idempotency
	switch ic.Store {
	case "memory":
		return idempotency.NewMemoryStore(), nil
	case "sqlite":
		return idempotency.SQLStore{DB: a.DB}, nil
	case "redis":
		rs := idempotency.NewRedisStore(ic.Redis.Addr, ic.Redis.Password, ic.Redis.DB, ic.Redis.Prefix)
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		if err := rs.Ping(ctx); err != nil {
			a.Log.Warn("app: redis idempotency store unreachable", zap.String("addr", ic.Redis.Addr), zap.Error(err))
		}
		return rs, nil
	default:
		return nil, eris.Errorf("unknown idempotency store %q", ic.Store)
	}
}

func (a *App) auditSink() (audit.Sink, error) {
	ac := a.Config.Audit
	var sinks audit.Multi
	for _, name := range ac.Sinks {
		switch name {
		case "sqlite":
			store := &audit.Store{DB: a.DB}
			a.Logs = store
			sinks = append(sinks, store)
		case "log":
			sinks = append(sinks, audit.LogSink{Log: a.Log.Named("audit")})
		case "webhook":
			sinks = append(sinks, audit.NewWebhookSink(ac.Webhook.URL, ac.Webhook.Secret, ac.Webhook.Headers, ac.Webhook.Timeout.Std()))
		default:
			return nil, eris.Errorf("unknown audit sink %q", name)
		}
	}
	return sinks, nil
}

func (a *App) transport(name domain.SupplierName, sc config.Supplier) (supplier.Transport, error) {
	if sc.Transport == "stub" {
		return supplier.Stub{
			Name:         name,
			Dataset:      a.Dataset,
			Latency:      sc.Stub.Latency.Std(),
			FailureRatio: sc.Stub.FailureRatio,
		}, nil
	}
	switch name {
	case domain.SupplierF1:
		return supplier.SOAPTransport{Endpoint: sc.Endpoint}, nil
	case domain.SupplierF2:
		return supplier.F2Transport{BaseURL: sc.Endpoint}, nil
	case domain.SupplierF3:
		return supplier.F3Transport{BaseURL: sc.Endpoint}, nil
	default:
		return nil, eris.Errorf("no http transport for supplier %s", name)
	}
}
