package resilience

import (
	"context"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type BreakerConfig struct {
	// FailureRateThreshold is a ratio in (0,1]; the breaker trips when failures/calls >= it.
	FailureRateThreshold float64
	WindowSize           int
	// MinimumCalls defaults to WindowSize.
	MinimumCalls   int
	OpenDuration   time.Duration
	HalfOpenProbes int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRateThreshold: 0.5,
		WindowSize:           100,
		OpenDuration:         30 * time.Second,
		HalfOpenProbes:       10,
	}
}

// CircuitBreaker is a count-based sliding window breaker shared by all callers of one supplier.
// Every transition bumps gen; results from calls admitted under an older gen are dropped.
type CircuitBreaker struct {
	mu   sync.Mutex
	name string
	cfg  BreakerConfig

	state    State
	gen      uint64
	openedAt time.Time

	window   []bool
	next     int
	count    int
	failures int

	probesIssued  int
	probesDone    int
	probeFailures int

	Now          func() time.Time
	// OnTransition runs with the breaker lock held.
	OnTransition func(name string, from, to State)
}

func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 1 {
		cfg.FailureRateThreshold = def.FailureRateThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinimumCalls <= 0 || cfg.MinimumCalls > cfg.WindowSize {
		cfg.MinimumCalls = cfg.WindowSize
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		window: make([]bool, cfg.WindowSize),
		Now:    time.Now,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State reports the current state, applying the lazy OPEN to HALF_OPEN transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow admits a call and returns the generation its result must be recorded under.
func (cb *CircuitBreaker) Allow() (uint64, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	switch cb.state {
	case StateOpen:
		return 0, false
	case StateHalfOpen:
		if cb.probesIssued >= cb.cfg.HalfOpenProbes {
			return 0, false
		}
		cb.probesIssued++
	}
	return cb.gen, true
}

// Record stores the outcome of an admitted call.
func (cb *CircuitBreaker) Record(gen uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.gen {
		return
	}
	switch cb.state {
	case StateClosed:
		if cb.count == len(cb.window) {
			if cb.window[cb.next] {
				cb.failures--
			}
		} else {
			cb.count++
		}
		cb.window[cb.next] = failed
		if failed {
			cb.failures++
		}
		cb.next = (cb.next + 1) % len(cb.window)
		if cb.count >= cb.cfg.MinimumCalls && cb.ratio(cb.failures, cb.count) >= cb.cfg.FailureRateThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.probesDone++
		if failed {
			cb.probeFailures++
		}
		if cb.probesDone < cb.cfg.HalfOpenProbes {
			return
		}
		if cb.ratio(cb.probeFailures, cb.probesDone) >= cb.cfg.FailureRateThreshold {
			cb.transition(StateOpen)
		} else {
			cb.transition(StateClosed)
		}
	}
}

// Release returns an admission without counting an outcome for it.
func (cb *CircuitBreaker) Release(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen == cb.gen && cb.state == StateHalfOpen && cb.probesIssued > cb.probesDone {
		cb.probesIssued--
	}
}

// Wrap rejects with ErrCircuitOpen when the breaker does not admit the call.
// Calls abandoned by the caller are released rather than recorded.
func (cb *CircuitBreaker) Wrap(next Func) Func {
	return func(ctx context.Context) (any, error) {
		gen, ok := cb.Allow()
		if !ok {
			return nil, ErrCircuitOpen
		}
		out, err := next(ctx)
		if ctx.Err() != nil {
			cb.Release(gen)
			return out, err
		}
		cb.Record(gen, err != nil)
		return out, err
	}
}

func (cb *CircuitBreaker) ratio(failures, calls int) float64 {
	if calls == 0 {
		return 0
	}
	return float64(failures) / float64(calls)
}

func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && cb.Now().Sub(cb.openedAt) >= cb.cfg.OpenDuration {
		cb.transition(StateHalfOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.gen++
	cb.probesIssued, cb.probesDone, cb.probeFailures = 0, 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.Now()
	case StateClosed:
		for i := range cb.window {
			cb.window[i] = false
		}
		cb.next, cb.count, cb.failures = 0, 0, 0
	}
	if cb.OnTransition != nil && from != to {
		cb.OnTransition(cb.name, from, to)
	}
}
