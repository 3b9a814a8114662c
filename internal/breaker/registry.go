package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/tutorgrid/studygate/internal/classify"
	"github.com/tutorgrid/studygate/internal/domain"
)

// Overall is the coarse health tag derived from breaker states.
type Overall string

const (
	OverallHealthy   Overall = "healthy"
	OverallDegraded  Overall = "degraded"
	OverallUnhealthy Overall = "unhealthy"
)

// HealthSummary reports breaker counts by state plus a coarse overall
// tag: healthy when nothing is open, unhealthy when the majority of
// breakers are open, degraded in between.
type HealthSummary struct {
	Overall    Overall          `json:"overall"`
	Closed     int              `json:"closed"`
	Open       int              `json:"open"`
	HalfOpen   int              `json:"half_open"`
	PerService map[string]State `json:"per_service"`
}

// Registry owns one circuit breaker per service key. Breakers are
// created lazily on first use and live for the process lifetime; no
// state is persisted across restarts.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      Config
	perKey   map[string]Config
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the registry's clock, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithServiceConfig overrides the breaker tuning for one service key.
func WithServiceConfig(serviceKey string, cfg Config) RegistryOption {
	return func(r *Registry) { r.perKey[serviceKey] = cfg }
}

// NewRegistry creates a Registry whose breakers use cfg unless a
// per-service override is given.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*breaker),
		cfg:      cfg.withDefaults(),
		perKey:   make(map[string]Config),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpdateConfig applies new tuning to the registry and to every
// existing breaker. Per-service overrides are preserved. State
// machines keep their current state; only thresholds change.
func (r *Registry) UpdateConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.withDefaults()
	for key, b := range r.breakers {
		if override, ok := r.perKey[key]; ok {
			b.cfg = override.withDefaults()
			continue
		}
		b.cfg = r.cfg
	}
}

func (r *Registry) get(serviceKey string) *breaker {
	b, ok := r.breakers[serviceKey]
	if !ok {
		cfg := r.cfg
		if override, ok := r.perKey[serviceKey]; ok {
			cfg = override
		}
		b = newBreaker(serviceKey, cfg)
		r.breakers[serviceKey] = b
	}
	return b
}

// Allow reports whether a call to serviceKey may proceed right now.
// An open breaker past its reset timeout transitions to half-open and
// admits the caller as the trial call.
func (r *Registry) Allow(serviceKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(serviceKey).allow(r.now())
}

// Execute runs op through serviceKey's breaker, recording the outcome.
// If the breaker rejects the call, a circuit_breaker-classified error is
// returned without invoking op.
func (r *Registry) Execute(ctx context.Context, serviceKey string, op domain.Operation) (*domain.RawResponse, error) {
	r.mu.Lock()
	allowed := r.get(serviceKey).allow(r.now())
	r.mu.Unlock()

	if !allowed {
		return nil, classify.NewBreakerError(serviceKey)
	}

	resp, err := op(ctx)

	r.mu.Lock()
	b := r.get(serviceKey)
	if err != nil {
		b.recordFailure(r.now())
	} else {
		b.recordSuccess(r.now())
	}
	r.mu.Unlock()

	return resp, err
}

// RecordSuccess records a successful call for serviceKey outside of
// Execute, for callers that gate with Allow themselves.
func (r *Registry) RecordSuccess(serviceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(serviceKey).recordSuccess(r.now())
}

// RecordFailure records a failed call for serviceKey.
func (r *Registry) RecordFailure(serviceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(serviceKey).recordFailure(r.now())
}

// Reset forces serviceKey's breaker back to closed.
func (r *Registry) Reset(serviceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[serviceKey]; ok {
		if b.state != StateClosed {
			recordTransition(serviceKey, b.state, StateClosed)
		}
		b.reset()
	}
}

// ResetFailing forces every open breaker back to closed. Used for
// manual recovery from the health panel.
func (r *Registry) ResetFailing() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, b := range r.breakers {
		if b.state == StateOpen {
			recordTransition(key, b.state, StateClosed)
			b.reset()
			n++
		}
	}
	return n
}

// ResetAll forces every breaker back to closed, clearing all counters.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.breakers {
		if b.state != StateClosed {
			recordTransition(key, b.state, StateClosed)
		}
		b.reset()
	}
}

// State returns the current state of serviceKey's breaker, creating it
// if it does not exist yet.
func (r *Registry) State(serviceKey string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(serviceKey).state
}

// Health summarizes all known breakers.
func (r *Registry) Health() HealthSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := HealthSummary{PerService: make(map[string]State, len(r.breakers))}
	for key, b := range r.breakers {
		s.PerService[key] = b.state
		switch b.state {
		case StateClosed:
			s.Closed++
		case StateOpen:
			s.Open++
		case StateHalfOpen:
			s.HalfOpen++
		}
	}

	total := len(r.breakers)
	switch {
	case s.Open == 0:
		s.Overall = OverallHealthy
	case s.Open*2 > total:
		s.Overall = OverallUnhealthy
	default:
		s.Overall = OverallDegraded
	}
	return s
}
