// Package relay is the entry point the chat feature calls. It composes
// the classifier, circuit breakers, cache, recovery orchestrator, and
// response processor around concrete backends, returning either a
// processed response or a classified, user-presentable failure.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutorgrid/studygate/internal/backend"
	"github.com/tutorgrid/studygate/internal/breaker"
	"github.com/tutorgrid/studygate/internal/cache"
	"github.com/tutorgrid/studygate/internal/classify"
	"github.com/tutorgrid/studygate/internal/domain"
	"github.com/tutorgrid/studygate/internal/events"
	"github.com/tutorgrid/studygate/internal/processor"
	"github.com/tutorgrid/studygate/internal/recovery"
	"github.com/tutorgrid/studygate/internal/telemetry"
)

// DefaultRequestTimeout bounds one backend invocation.
const DefaultRequestTimeout = 60 * time.Second

// Relay owns the reliability pipeline's shared state. One Relay per
// process; all components are explicit instances so tests can build
// isolated relays.
type Relay struct {
	classifier *classify.Classifier
	breakers   *breaker.Registry
	cache      *cache.Cache
	orch       *recovery.Orchestrator
	proc       *processor.Processor
	bus        *events.Bus
	logger     *slog.Logger

	requestTimeout time.Duration

	mu       sync.RWMutex
	backends []backend.Backend
	primary  int
}

// New creates a Relay. At least one backend is required; every other
// component defaults to a fresh instance when not supplied.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		logger:         slog.Default(),
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if len(r.backends) == 0 {
		return nil, fmt.Errorf("at least one backend required (use WithBackends)")
	}

	if r.classifier == nil {
		r.classifier = classify.New()
	}
	if r.breakers == nil {
		r.breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if r.cache == nil {
		r.cache = cache.New(cache.WithLogger(r.logger))
	}
	if r.bus == nil {
		r.bus = events.New(events.WithLogger(r.logger))
	}
	if r.orch == nil {
		r.orch = recovery.New(recovery.DefaultConfig(), r.breakers,
			recovery.WithLogger(r.logger),
			recovery.WithEmitter(r.bus.Emit))
	}
	if r.proc == nil {
		r.proc = processor.New(processor.WithLogger(r.logger))
	}
	return r, nil
}

// Start launches background work (the cache sweeper) until ctx is
// cancelled. sweepInterval <= 0 uses the cache default.
func (r *Relay) Start(ctx context.Context, sweepInterval time.Duration) {
	r.cache.StartSweeper(ctx, sweepInterval)
}

// Close shuts the event bus down.
func (r *Relay) Close() {
	r.bus.Close()
}

// Events returns a subscription to the lifecycle event stream and its
// cancel func.
func (r *Relay) Events() (<-chan domain.Event, func()) {
	return r.bus.Subscribe()
}

// Send runs one message through the pipeline: cache, circuit breaker,
// backend, and — on failure — classification and automatic recovery.
// It returns the processed response, or the classified failure once
// automatic recovery is exhausted. Send never panics and never returns
// an unclassified error.
func (r *Relay) Send(ctx context.Context, message string, chatCtx domain.ChatContext) (*domain.ProcessedResponse, *domain.ClassifiedError) {
	started := time.Now()
	requestID := uuid.New().String()
	primary := r.currentPrimary()
	if chatCtx.BackendID == "" {
		chatCtx.BackendID = primary.Name()
	}

	r.emit(domain.EventProcessingStart, chatCtx.SessionID, requestID, domain.EventData{Backend: chatCtx.BackendID})

	if hit := r.cache.Get(message, chatCtx); hit != nil {
		telemetry.RequestsTotal.WithLabelValues(chatCtx.BackendID, "cache_hit").Inc()
		r.emit(domain.EventMessageStart, chatCtx.SessionID, requestID, domain.EventData{})
		r.emit(domain.EventMessageStop, chatCtx.SessionID, requestID, domain.EventData{
			FullContent: hit.Content,
			IsComplete:  true,
			Metadata:    &hit.Metadata,
			Metrics:     &hit.Metrics,
		})
		return hit, nil
	}

	r.emit(domain.EventMessageStart, chatCtx.SessionID, requestID, domain.EventData{})
	r.emit(domain.EventThinkingStart, chatCtx.SessionID, requestID, domain.EventData{})

	op := r.operation(primary, message, chatCtx)
	raw, err := op(ctx)
	fallbackUsed := false

	if err != nil {
		ce := r.classifyOnce(err, primary.Name(), chatCtx)
		telemetry.ErrorsTotal.WithLabelValues(primary.Name(), string(ce.Category)).Inc()

		result := r.orch.AttemptRecovery(ctx, ce, op, r.fallbackOperation(primary, message, chatCtx))
		if !result.Success {
			telemetry.RequestsTotal.WithLabelValues(primary.Name(), "error").Inc()
			r.emit(domain.EventError, chatCtx.SessionID, requestID, domain.EventData{Error: ce})
			return nil, ce
		}
		raw = result.Response
		if result.ActionTaken == domain.ActionFallback {
			fallbackUsed = true
			r.emit(domain.EventQueueStatus, chatCtx.SessionID, requestID, domain.EventData{
				Notice: "using backup service",
			})
		}
	}

	r.emit(domain.EventThinkingStop, chatCtx.SessionID, requestID, domain.EventData{})

	processed := r.proc.Process(raw, processor.Options{
		BackendID:    chatCtx.BackendID,
		Temperature:  chatCtx.Temperature,
		FallbackUsed: fallbackUsed,
		StartedAt:    started,
	})

	r.cachePut(message, chatCtx, processed)
	telemetry.RequestsTotal.WithLabelValues(chatCtx.BackendID, "success").Inc()
	telemetry.RequestLatency.WithLabelValues(chatCtx.BackendID).Observe(time.Since(started).Seconds())

	r.emit(domain.EventMessageStop, chatCtx.SessionID, requestID, domain.EventData{
		FullContent: processed.Content,
		IsComplete:  true,
		Metadata:    &processed.Metadata,
		Metrics:     &processed.Metrics,
	})
	return processed, nil
}

// cachePut stores a processed response unless the pipeline had to
// substitute a fallback for it. Apologies and salvaged fragments must
// not be served for the full TTL.
func (r *Relay) cachePut(message string, chatCtx domain.ChatContext, processed *domain.ProcessedResponse) {
	if processed.Metadata.Fallback {
		return
	}
	r.cache.Put(message, chatCtx, processed)
}

// SendStream is the streaming variant: deltas are forwarded on the
// event stream as they arrive and the full pipeline runs once over the
// accumulated text. Failures opening the stream go through the same
// recovery path as Send, degrading to a batch call.
func (r *Relay) SendStream(ctx context.Context, message string, chatCtx domain.ChatContext) (*domain.ProcessedResponse, *domain.ClassifiedError) {
	started := time.Now()
	requestID := uuid.New().String()
	primary := r.currentPrimary()
	if chatCtx.BackendID == "" {
		chatCtx.BackendID = primary.Name()
	}

	r.emit(domain.EventProcessingStart, chatCtx.SessionID, requestID, domain.EventData{Backend: chatCtx.BackendID})

	if hit := r.cache.Get(message, chatCtx); hit != nil {
		telemetry.RequestsTotal.WithLabelValues(chatCtx.BackendID, "cache_hit").Inc()
		r.emit(domain.EventMessageStart, chatCtx.SessionID, requestID, domain.EventData{})
		r.emit(domain.EventMessageStop, chatCtx.SessionID, requestID, domain.EventData{
			FullContent: hit.Content,
			IsComplete:  true,
			Metadata:    &hit.Metadata,
			Metrics:     &hit.Metrics,
		})
		return hit, nil
	}

	if !r.breakers.Allow(primary.Name()) {
		ce := classify.NewBreakerError(primary.Name())
		return r.recoverToResponse(ctx, ce, primary, message, chatCtx, requestID, started)
	}

	streamCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	req := r.buildRequest(message, chatCtx)
	chunks, err := primary.Stream(streamCtx, req)
	if err != nil {
		r.breakers.RecordFailure(primary.Name())
		ce := r.classifyOnce(err, primary.Name(), chatCtx)
		telemetry.ErrorsTotal.WithLabelValues(primary.Name(), string(ce.Category)).Inc()
		return r.recoverToResponse(ctx, ce, primary, message, chatCtx, requestID, started)
	}

	r.emit(domain.EventMessageStart, chatCtx.SessionID, requestID, domain.EventData{})
	r.emit(domain.EventThinkingStart, chatCtx.SessionID, requestID, domain.EventData{})

	acc := r.proc.NewAccumulator(processor.Options{
		BackendID:   chatCtx.BackendID,
		Temperature: chatCtx.Temperature,
		StartedAt:   started,
	}, chatCtx.SessionID, requestID, r.bus.Emit)

	var processed *domain.ProcessedResponse
	for chunk := range chunks {
		if resp, done := acc.Add(chunk); done {
			processed = resp
			break
		}
	}
	if processed == nil {
		// The stream ended without a terminal chunk.
		r.breakers.RecordFailure(primary.Name())
		ce := r.classifyOnce(fmt.Errorf("network: stream closed before completion"), primary.Name(), chatCtx)
		return r.recoverToResponse(ctx, ce, primary, message, chatCtx, requestID, started)
	}
	r.breakers.RecordSuccess(primary.Name())

	r.cachePut(message, chatCtx, processed)
	telemetry.RequestsTotal.WithLabelValues(chatCtx.BackendID, "success").Inc()
	telemetry.RequestLatency.WithLabelValues(chatCtx.BackendID).Observe(time.Since(started).Seconds())

	r.emit(domain.EventMessageStop, chatCtx.SessionID, requestID, domain.EventData{
		FullContent: processed.Content,
		IsComplete:  true,
		Metadata:    &processed.Metadata,
		Metrics:     &processed.Metrics,
	})
	return processed, nil
}

// recoverToResponse drives the recovery orchestrator with batch
// operations after a streaming failure, processing whatever raw payload
// recovery produces.
func (r *Relay) recoverToResponse(ctx context.Context, ce *domain.ClassifiedError, primary backend.Backend, message string, chatCtx domain.ChatContext, requestID string, started time.Time) (*domain.ProcessedResponse, *domain.ClassifiedError) {
	op := r.operation(primary, message, chatCtx)
	result := r.orch.AttemptRecovery(ctx, ce, op, r.fallbackOperation(primary, message, chatCtx))
	if !result.Success {
		telemetry.RequestsTotal.WithLabelValues(primary.Name(), "error").Inc()
		r.emit(domain.EventError, chatCtx.SessionID, requestID, domain.EventData{Error: ce})
		return nil, ce
	}

	fallbackUsed := result.ActionTaken == domain.ActionFallback
	if fallbackUsed {
		r.emit(domain.EventQueueStatus, chatCtx.SessionID, requestID, domain.EventData{Notice: "using backup service"})
	}

	processed := r.proc.Process(result.Response, processor.Options{
		BackendID:    chatCtx.BackendID,
		Temperature:  chatCtx.Temperature,
		FallbackUsed: fallbackUsed,
		StartedAt:    started,
	})
	r.cachePut(message, chatCtx, processed)
	telemetry.RequestsTotal.WithLabelValues(chatCtx.BackendID, "success").Inc()

	r.emit(domain.EventMessageStop, chatCtx.SessionID, requestID, domain.EventData{
		FullContent: processed.Content,
		IsComplete:  true,
		Metadata:    &processed.Metadata,
		Metrics:     &processed.Metrics,
	})
	return processed, nil
}

// operation builds the breaker-gated, timeout-bounded invocation of one
// backend.
func (r *Relay) operation(b backend.Backend, message string, chatCtx domain.ChatContext) domain.Operation {
	req := r.buildRequest(message, chatCtx)
	return func(ctx context.Context) (*domain.RawResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
		return r.breakers.Execute(callCtx, b.Name(), func(ctx context.Context) (*domain.RawResponse, error) {
			return b.Complete(ctx, req)
		})
	}
}

// fallbackOperation tries each non-primary backend in registration
// order through its own breaker, returning the first success. Nil when
// no alternates exist.
func (r *Relay) fallbackOperation(primary backend.Backend, message string, chatCtx domain.ChatContext) domain.Operation {
	r.mu.RLock()
	var alternates []backend.Backend
	for _, b := range r.backends {
		if b.Name() != primary.Name() {
			alternates = append(alternates, b)
		}
	}
	r.mu.RUnlock()

	if len(alternates) == 0 {
		return nil
	}
	return func(ctx context.Context) (*domain.RawResponse, error) {
		var lastErr error
		for _, alt := range alternates {
			raw, err := r.operation(alt, message, chatCtx)(ctx)
			if err == nil {
				return raw, nil
			}
			lastErr = err
			r.logger.Warn("fallback backend failed",
				slog.String("backend", alt.Name()),
				slog.String("error", err.Error()))
		}
		return nil, lastErr
	}
}

func (r *Relay) buildRequest(message string, chatCtx domain.ChatContext) *backend.Request {
	return &backend.Request{
		Message:     message,
		History:     chatCtx.History,
		Model:       chatCtx.Model,
		Temperature: chatCtx.Temperature,
	}
}

// classifyOnce classifies err unless it already carries a
// classification, attaching the service and session for downstream
// recovery actions.
func (r *Relay) classifyOnce(err error, service string, chatCtx domain.ChatContext) *domain.ClassifiedError {
	return r.classifier.Classify(err, map[string]any{
		"service":    service,
		"session_id": chatCtx.SessionID,
	})
}

func (r *Relay) currentPrimary() backend.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[r.primary]
}

// SwitchBackend makes the named backend the primary for future sends.
func (r *Relay) SwitchBackend(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range r.backends {
		if b.Name() == name {
			r.primary = i
			r.logger.Info("switched primary backend", slog.String("backend", name))
			return nil
		}
	}
	return fmt.Errorf("unknown backend %q", name)
}

// Health reports overall and per-service health plus cache stats.
type Health struct {
	Overall    breaker.Overall          `json:"overall"`
	PerService map[string]breaker.State `json:"per_service"`
	Primary    string                   `json:"primary"`
	Cache      cache.Stats              `json:"cache"`
}

// Health summarizes the relay's operational state.
func (r *Relay) Health() Health {
	summary := r.breakers.Health()
	return Health{
		Overall:    summary.Overall,
		PerService: summary.PerService,
		Primary:    r.currentPrimary().Name(),
		Cache:      r.cache.Stats(),
	}
}

// ResetServices forces every circuit breaker closed. Manual recovery
// surface for the health panel.
func (r *Relay) ResetServices() {
	r.breakers.ResetAll()
	r.logger.Info("all circuit breakers reset")
}

func (r *Relay) emit(t domain.EventType, sessionID, requestID string, data domain.EventData) {
	r.bus.Emit(domain.Event{
		Type:      t,
		SessionID: sessionID,
		RequestID: requestID,
		Timestamp: time.Now(),
		Data:      data,
	})
}
