package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tutorgrid/studygate/internal/backend"
	"github.com/tutorgrid/studygate/internal/breaker"
	"github.com/tutorgrid/studygate/internal/cache"
	"github.com/tutorgrid/studygate/internal/classify"
	"github.com/tutorgrid/studygate/internal/events"
	"github.com/tutorgrid/studygate/internal/processor"
	"github.com/tutorgrid/studygate/internal/recovery"
)

// Option configures a Relay.
type Option func(*Relay) error

// WithBackends registers the backends in priority order. The first is
// the initial primary; the rest are fallback candidates.
func WithBackends(backends ...backend.Backend) Option {
	return func(r *Relay) error {
		if len(backends) == 0 {
			return fmt.Errorf("at least one backend required")
		}
		r.backends = append(r.backends, backends...)
		return nil
	}
}

// WithClassifier overrides the default error classifier.
func WithClassifier(c *classify.Classifier) Option {
	return func(r *Relay) error {
		r.classifier = c
		return nil
	}
}

// WithBreakers overrides the default circuit breaker registry.
func WithBreakers(b *breaker.Registry) Option {
	return func(r *Relay) error {
		r.breakers = b
		return nil
	}
}

// WithCache overrides the default response cache.
func WithCache(c *cache.Cache) Option {
	return func(r *Relay) error {
		r.cache = c
		return nil
	}
}

// WithOrchestrator overrides the default recovery orchestrator.
func WithOrchestrator(o *recovery.Orchestrator) Option {
	return func(r *Relay) error {
		r.orch = o
		return nil
	}
}

// WithProcessor overrides the default response processor.
func WithProcessor(p *processor.Processor) Option {
	return func(r *Relay) error {
		r.proc = p
		return nil
	}
}

// WithBus overrides the default lifecycle event bus.
func WithBus(b *events.Bus) Option {
	return func(r *Relay) error {
		r.bus = b
		return nil
	}
}

// WithLogger sets the relay's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithRequestTimeout bounds each backend invocation. A timer win is
// classified as a timeout failure; the abandoned call's eventual
// result, if any, is discarded.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Relay) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		r.requestTimeout = d
		return nil
	}
}
