package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vehiclecheck/internal/audit"
	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/engine"
	"vehiclecheck/internal/idempotency"
	"vehiclecheck/internal/identifier"
	"vehiclecheck/internal/resilience"
	"vehiclecheck/internal/supplier"
	"vehiclecheck/internal/telemetry"
)

type scripted struct {
	calls atomic.Int32
	fn    func(ctx context.Context, vin string) (any, error)
}

func (s *scripted) Fetch(ctx context.Context, vin string) (any, error) {
	s.calls.Add(1)
	return s.fn(ctx, vin)
}

type memoryEmitter struct {
	mu   sync.Mutex
	recs []domain.AuditRecord
	err  error
}

func (m *memoryEmitter) Emit(_ context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

type testEnv struct {
	Engine  *engine.Engine
	F1      *scripted
	F2      *scripted
	F3      *scripted
	Store   *idempotency.MemoryStore
	Emitter *memoryEmitter
	Ctx     context.Context
}

func gatewayConfig(name domain.SupplierName) supplier.GatewayConfig {
	return supplier.GatewayConfig{
		Name:     name,
		Timeout:  40 * time.Millisecond,
		Bulkhead: 10,
		Retry:    supplier.RetryConfig{MaxAttempts: 1},
		Breaker:  resilience.DefaultBreakerConfig(),
	}
}

func newTestEnv(t *testing.T, f1, f2, f3 func(ctx context.Context, vin string) (any, error)) testEnv {
	t.Helper()
	env := testEnv{
		F1:      &scripted{fn: f1},
		F2:      &scripted{fn: f2},
		F3:      &scripted{fn: f3},
		Store:   idempotency.NewMemoryStore(),
		Emitter: &memoryEmitter{},
		Ctx:     context.Background(),
	}
	gateways := []engine.Gateway{
		supplier.NewGateway(gatewayConfig(domain.SupplierF1), env.F1),
		supplier.NewGateway(gatewayConfig(domain.SupplierF2), env.F2),
		supplier.NewGateway(gatewayConfig(domain.SupplierF3), env.F3),
	}
	cache := idempotency.NewCache(env.Store, idempotency.DefaultTTL, nil, telemetry.Noop())
	eng, err := engine.New(identifier.NewClassifier(nil), gateways, cache, env.Emitter, engine.Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	env.Engine = eng
	return env
}

func constraintsF1(renajud, recall bool) func(context.Context, string) (any, error) {
	return func(_ context.Context, vin string) (any, error) {
		return domain.F1Payload{VIN: vin, Constraints: &domain.Constraints{Renajud: renajud, Recall: recall}}, nil
	}
}

func infractionsF3(_ context.Context, vin string) (any, error) {
	return domain.F3Payload{
		VIN:              vin,
		TotalInfractions: 2,
		TotalAmount:      decimal.RequireFromString("325.23"),
		Details: []domain.InfractionDetail{
			{Description: "Speeding up to 20%", Amount: decimal.RequireFromString("130.16")},
			{Description: "Parking in a prohibited place", Amount: decimal.RequireFromString("195.07")},
		},
	}, nil
}

func unexpected(t *testing.T, name string) func(context.Context, string) (any, error) {
	return func(context.Context, string) (any, error) {
		t.Errorf("%s must not be called", name)
		return nil, errors.New("unexpected call")
	}
}

func hang(ctx context.Context, _ string) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAnalyzeAllSuppliersSucceed(t *testing.T) {
	env := newTestEnv(t, constraintsF1(true, false),
		func(_ context.Context, vin string) (any, error) {
			return domain.F2Payload{VIN: vin, Renajud: true, RecallDetail: "RECALL-XYZ"}, nil
		},
		infractionsF3)

	res, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "ABC1234"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	a := res.Analysis
	if a.Constraints == nil || !a.Constraints.Renajud || !a.Constraints.Recall {
		t.Fatalf("expected constraints {true,true}, got %+v", a.Constraints)
	}
	if a.Infractions == nil || a.Infractions.TotalAmount.String() != "325.23" || len(a.Infractions.Details) != 2 {
		t.Fatalf("unexpected infractions: %+v", a.Infractions)
	}
	for _, name := range domain.Suppliers {
		if a.SupplierStatus[name].Status != domain.StatusSuccess {
			t.Fatalf("%s: expected SUCCESS, got %+v", name, a.SupplierStatus[name])
		}
	}
	if res.CostCents != 50 {
		t.Fatalf("expected cost 50, got %d", res.CostCents)
	}
	if a.VIN != identifier.DefaultStubPrefix+"ABC1234" {
		t.Fatalf("unexpected vin %s", a.VIN)
	}
	if len(env.Emitter.recs) != 1 {
		t.Fatalf("expected one audit record, got %d", len(env.Emitter.recs))
	}
	rec := env.Emitter.recs[0]
	if rec.EstimatedCostCents != 50 || !rec.HasConstraints || rec.InputType != domain.IdentifierPlate || len(rec.TraceID) != 32 {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
}

func TestAnalyzeF1TimeoutSkipsF2(t *testing.T) {
	env := newTestEnv(t, hang, unexpected(t, "F2"), infractionsF3)

	res, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "9BWZZZ377VT004251"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	a := res.Analysis
	if a.Constraints != nil {
		t.Fatalf("constraints must be absent: %+v", a.Constraints)
	}
	if a.Infractions == nil {
		t.Fatalf("infractions must be present")
	}
	if got := a.SupplierStatus[domain.SupplierF1]; got.Status != domain.StatusTimeout || got.LatencyMs != 40 {
		t.Fatalf("unexpected F1 status: %+v", got)
	}
	if got := a.SupplierStatus[domain.SupplierF2]; got != (domain.SupplierStatus{Status: domain.StatusNotCalled}) {
		t.Fatalf("unexpected F2 status: %+v", got)
	}
	if res.CostCents != 15 {
		t.Fatalf("expected cost 15, got %d", res.CostCents)
	}
}

func TestAnalyzeF2OnlyWhenF1FlagsConstraints(t *testing.T) {
	cases := []struct {
		name   string
		f1     func(context.Context, string) (any, error)
		wantF2 bool
	}{
		{"clean", constraintsF1(false, false), false},
		{"renajud", constraintsF1(true, false), true},
		{"recall", constraintsF1(false, true), true},
		{"failure", func(context.Context, string) (any, error) { return nil, errors.New("soap fault") }, false},
		{"no constraints", func(_ context.Context, vin string) (any, error) { return domain.F1Payload{VIN: vin}, nil }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.f1, func(_ context.Context, vin string) (any, error) {
				return domain.F2Payload{VIN: vin}, nil
			}, infractionsF3)
			res, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "12345678901"})
			if err != nil {
				t.Fatalf("analyze: %v", err)
			}
			called := env.F2.calls.Load() > 0
			if called != tc.wantF2 {
				t.Fatalf("F2 called=%v want %v", called, tc.wantF2)
			}
			if len(res.Analysis.SupplierStatus) != 3 {
				t.Fatalf("expected three statuses, got %v", res.Analysis.SupplierStatus)
			}
			if !tc.wantF2 && res.Analysis.SupplierStatus[domain.SupplierF2].Status != domain.StatusNotCalled {
				t.Fatalf("expected F2 NOT_CALLED")
			}
		})
	}
}

func TestAnalyzeF2StartsAfterF1(t *testing.T) {
	var f1Done atomic.Bool
	env := newTestEnv(t,
		func(ctx context.Context, vin string) (any, error) {
			time.Sleep(10 * time.Millisecond)
			f1Done.Store(true)
			return constraintsF1(true, true)(ctx, vin)
		},
		func(_ context.Context, vin string) (any, error) {
			if !f1Done.Load() {
				t.Errorf("F2 started before F1 finished")
			}
			return domain.F2Payload{VIN: vin}, nil
		},
		infractionsF3)
	if _, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "ABC1234"}); err != nil {
		t.Fatalf("analyze: %v", err)
	}
}

func TestAnalyzeInvalidIdentifierContactsNoSupplier(t *testing.T) {
	env := newTestEnv(t, unexpected(t, "F1"), unexpected(t, "F2"), unexpected(t, "F3"))
	for _, in := range []string{"", "not-a-plate", "12345", "9BWZZZ377VT00425I"} {
		_, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: in})
		if !errors.Is(err, domain.ErrInvalidIdentifier) {
			t.Fatalf("%q: expected invalid identifier, got %v", in, err)
		}
	}
	if len(env.Emitter.recs) != 0 || env.Store.Len() != 0 {
		t.Fatalf("invalid requests must not be audited or cached")
	}
}

func TestAnalyzeReplaysCachedResult(t *testing.T) {
	env := newTestEnv(t, constraintsF1(false, true), func(_ context.Context, vin string) (any, error) {
		return domain.F2Payload{VIN: vin}, nil
	}, infractionsF3)

	first, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "ABC1234", IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "ABC1234", IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Replayed || first.Replayed || second.Key != "req-1" {
		t.Fatalf("unexpected replay flags: first=%v second=%v key=%s", first.Replayed, second.Replayed, second.Key)
	}
	if env.F1.calls.Load() != 1 || env.F2.calls.Load() != 1 || env.F3.calls.Load() != 1 {
		t.Fatalf("suppliers must be called once: %d %d %d", env.F1.calls.Load(), env.F2.calls.Load(), env.F3.calls.Load())
	}
	if first.Analysis.VIN != second.Analysis.VIN ||
		first.Analysis.Infractions.TotalAmount.String() != second.Analysis.Infractions.TotalAmount.String() ||
		*first.Analysis.Constraints != *second.Analysis.Constraints {
		t.Fatalf("replay differs: %+v vs %+v", first.Analysis, second.Analysis)
	}
	for _, name := range domain.Suppliers {
		if first.Analysis.SupplierStatus[name] != second.Analysis.SupplierStatus[name] {
			t.Fatalf("%s status differs", name)
		}
	}
	if len(env.Emitter.recs) != 1 {
		t.Fatalf("replays must not be audited")
	}
}

func TestAnalyzeDerivesKeyFromIdentifier(t *testing.T) {
	env := newTestEnv(t, constraintsF1(false, false), unexpected(t, "F2"), infractionsF3)
	a, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "abc1234"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: " ABC1234 "})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a.Key != b.Key || len(a.Key) != 32 || !b.Replayed {
		t.Fatalf("expected derived key replay: %s %s %v", a.Key, b.Key, b.Replayed)
	}
}

func TestAnalyzeAbsorbsAuditAndStoreFailures(t *testing.T) {
	env := newTestEnv(t, constraintsF1(false, false), unexpected(t, "F2"),
		func(context.Context, string) (any, error) { return nil, errors.New("503") })
	env.Emitter.err = audit.ErrQueueFull

	res, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "ABC1234"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Analysis.Infractions != nil {
		t.Fatalf("failed F3 must leave infractions absent")
	}
	if res.Analysis.SupplierStatus[domain.SupplierF3].Status != domain.StatusFailure {
		t.Fatalf("expected F3 FAILURE")
	}
	if res.CostCents != 10 {
		t.Fatalf("expected cost 10, got %d", res.CostCents)
	}
}

func TestAnalyzeAllSuppliersFailingStillSucceeds(t *testing.T) {
	fail := func(context.Context, string) (any, error) { return nil, errors.New("down") }
	env := newTestEnv(t, fail, unexpected(t, "F2"), hang)
	res, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "ABC1234"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Analysis.Constraints != nil || res.Analysis.Infractions != nil || res.CostCents != 0 {
		t.Fatalf("expected empty analysis: %+v", res.Analysis)
	}
	if len(res.Analysis.SupplierStatus) != 3 {
		t.Fatalf("expected three statuses")
	}
}

type failingResolver struct{}

func (failingResolver) ResolveToVIN(context.Context, string, domain.IdentifierType) (string, error) {
	return "", errors.New("table service unavailable")
}

func TestAnalyzeNormalizationFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t, unexpected(t, "F1"), unexpected(t, "F2"), unexpected(t, "F3"))
	env.Engine.Normalizer = identifier.NewClassifier(failingResolver{})
	_, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "ABC1234"})
	if !errors.Is(err, domain.ErrNormalization) {
		t.Fatalf("expected normalization error, got %v", err)
	}
}

func TestNewRequiresAllGateways(t *testing.T) {
	g := supplier.NewGateway(gatewayConfig(domain.SupplierF1), supplier.TransportFunc(constraintsF1(false, false)))
	_, err := engine.New(identifier.NewClassifier(nil), []engine.Gateway{g},
		idempotency.NewCache(idempotency.NewMemoryStore(), 0, nil, nil), &memoryEmitter{}, engine.Options{})
	if err == nil {
		t.Fatalf("expected error for missing gateways")
	}
}

func TestConcurrentRequestsShareBoundedPool(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(ctx context.Context, vin string) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return domain.F3Payload{VIN: vin}, nil
	}
	env := newTestEnv(t, func(ctx context.Context, vin string) (any, error) {
		_, _ = slow(ctx, vin)
		return domain.F1Payload{VIN: vin, Constraints: &domain.Constraints{}}, nil
	}, unexpected(t, "F2"), slow)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.Engine.Analyze(env.Ctx, engine.Request{Identifier: "ABC1234", IdempotencyKey: fmt.Sprintf("req-%d", i)}); err != nil {
				t.Errorf("analyze: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() > engine.DefaultPoolSize {
		t.Fatalf("pool exceeded: peak %d", peak.Load())
	}
}
