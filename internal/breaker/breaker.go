// Package breaker implements the per-scope Circuit Breaker & Bulkhead:
// a sony/gobreaker instance per scope name (e.g. "agent:<id>"), plus a
// bounded semaphore limiting concurrent in-flight calls per scope.
package breaker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// Registry owns one breaker and one bulkhead per scope, created lazily
// on first use and reused across calls.
type Registry struct {
	mu        sync.Mutex
	cfg       config.BreakerConfig
	breakers  map[string]*gobreaker.CircuitBreaker
	bulkheads map[string]*bulkhead
	onChange  func(scope string, from, to v1.BreakerState)
}

// NewRegistry builds a breaker registry from the configured defaults.
// onChange, if non-nil, is invoked on every state transition so callers
// can publish circuit.opened/half_open/closed events.
func NewRegistry(cfg config.BreakerConfig, onChange func(scope string, from, to v1.BreakerState)) *Registry {
	return &Registry{
		cfg:       cfg,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		bulkheads: make(map[string]*bulkhead),
		onChange:  onChange,
	}
}

func translateState(s gobreaker.State) v1.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return v1.BreakerOpen
	case gobreaker.StateHalfOpen:
		return v1.BreakerHalfOpen
	default:
		return v1.BreakerClosed
	}
}

func (r *Registry) breakerFor(scope string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[scope]; ok {
		return cb
	}

	threshold := uint32(r.cfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	successThreshold := uint32(r.cfg.SuccessThreshold)
	if successThreshold == 0 {
		successThreshold = 2
	}

	window := uint32(r.cfg.SlidingWindow)
	if window == 0 {
		window = 10
	}

	settings := gobreaker.Settings{
		Name:        scope,
		MaxRequests: successThreshold,
		// Interval rolls the closed-state counts so the windowed trip
		// condition below always judges a recent sample rather than
		// the scope's whole history.
		Interval: r.cfg.OpenTimeout(),
		Timeout:  r.cfg.OpenTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= threshold {
				return true
			}
			return counts.Requests >= window && counts.TotalFailures >= uint32(threshold)
		},
	}
	if r.onChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			r.onChange(name, translateState(from), translateState(to))
		}
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[scope] = cb
	return cb
}

func (r *Registry) bulkheadFor(scope string) *bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bulkheads[scope]; ok {
		return b
	}
	maxConcurrent := r.cfg.BulkheadMaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	maxQueued := r.cfg.BulkheadMaxQueued
	if maxQueued < 0 {
		maxQueued = 0
	}
	b := newBulkhead(maxConcurrent, maxQueued)
	r.bulkheads[scope] = b
	return b
}

// Execute runs fn protected by the named scope's circuit breaker and
// bulkhead. A rejection from either surfaces as errs.ErrCircuitOpen.
func (r *Registry) Execute(ctx context.Context, scope string, fn func() error) error {
	bh := r.bulkheadFor(scope)
	if !bh.tryAcquire() {
		return fmt.Errorf("bulkhead %s: %w", scope, errs.ErrCircuitOpen)
	}
	defer bh.release()

	cb := r.breakerFor(scope)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("circuit %s: %w", scope, errs.ErrCircuitOpen)
	}
	return err
}

// State reports the current state of a scope's breaker without forcing
// it into existence with non-default settings.
func (r *Registry) State(scope string) v1.BreakerState {
	r.mu.Lock()
	cb, ok := r.breakers[scope]
	r.mu.Unlock()
	if !ok {
		return v1.BreakerClosed
	}
	return translateState(cb.State())
}

// Status reports a full snapshot for the health/metrics boundary.
func (r *Registry) Status(scope string) v1.CircuitBreakerStatus {
	r.mu.Lock()
	cb, ok := r.breakers[scope]
	r.mu.Unlock()
	if !ok {
		return v1.CircuitBreakerStatus{Scope: scope, State: v1.BreakerClosed}
	}
	counts := cb.Counts()
	return v1.CircuitBreakerStatus{
		Scope:     scope,
		State:     translateState(cb.State()),
		Failures:  int(counts.ConsecutiveFailures),
		Successes: int(counts.ConsecutiveSuccesses),
	}
}
