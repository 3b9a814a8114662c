// Package recovery executes the automatic recovery actions attached to a
// classified failure: bounded retries with exponential backoff, circuit
// resets, and fallback to an alternate backend operation.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tutorgrid/studygate/internal/domain"
	"github.com/tutorgrid/studygate/internal/telemetry"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxRetryAttempts caps retries per attempt key. Default: 3.
	MaxRetryAttempts int

	// BaseDelay is the first backoff delay; attempt n waits
	// BaseDelay * 2^n. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff wait. Default: 30s.
	MaxDelay time.Duration

	// RateLimitHold is the fixed wait applied to rate-limited failures
	// instead of exponential backoff. Any backend-supplied retry-after
	// hint is recorded by the classifier but deliberately not honored
	// here. Default: 30s.
	RateLimitHold time.Duration
}

// DefaultConfig returns the default recovery tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts: 3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		RateLimitHold:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.RateLimitHold <= 0 {
		c.RateLimitHold = 30 * time.Second
	}
	return c
}

// CircuitResetter is the slice of the breaker registry the orchestrator
// needs to execute RESET actions.
type CircuitResetter interface {
	Reset(serviceKey string)
	ResetFailing() int
}

// Result is the outcome of one recovery attempt.
type Result struct {
	Success     bool                `json:"success"`
	ActionTaken domain.ActionKind   `json:"action_taken"`
	Attempts    int                 `json:"attempts"`
	Message     string              `json:"message"`
	Response    *domain.RawResponse `json:"-"`
	Err         error               `json:"-"`
}

// Orchestrator owns the per-key attempt counters. The check-then-
// increment on a counter is serialized by the mutex; two concurrent
// recoveries for the same key share the retry budget.
type Orchestrator struct {
	cfg      Config
	breakers CircuitResetter
	logger   *slog.Logger
	emit     func(domain.Event)
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	attempts map[string]int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithEmitter sets the lifecycle event emitter used for retry_attempt
// events.
func WithEmitter(emit func(domain.Event)) Option {
	return func(o *Orchestrator) { o.emit = emit }
}

// WithSleeper overrides the backoff sleep, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an Orchestrator. breakers may be nil when no circuit
// resets are possible; RESET actions then fall through.
func New(cfg Config, breakers CircuitResetter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		breakers: breakers,
		logger:   slog.Default(),
		attempts: make(map[string]int),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AttemptRecovery executes ce's automatic recovery actions in priority
// order. op is the original backend operation; fallback, when non-nil,
// is the alternate the facade selected. The attempt counter for ce's
// key is cleared on success and on exhaustion, so a future unrelated
// failure starts fresh.
func (o *Orchestrator) AttemptRecovery(ctx context.Context, ce *domain.ClassifiedError, op, fallback domain.Operation) Result {
	key := ce.AttemptKey()
	sessionID, _ := ce.Context["session_id"].(string)

	for _, action := range ce.AutomaticActions() {
		switch action.Kind {
		case domain.ActionRetry:
			if res, done := o.retry(ctx, key, sessionID, ce, op); done {
				return res
			}

		case domain.ActionReset:
			o.resetCircuits(ce)
			// Control falls through to the next automatic action.

		case domain.ActionFallback:
			if fallback == nil {
				continue
			}
			resp, err := fallback(ctx)
			if err == nil {
				o.clear(key)
				return Result{
					Success:     true,
					ActionTaken: domain.ActionFallback,
					Message:     "recovered via backup service",
					Response:    resp,
				}
			}
			o.logger.Warn("fallback operation failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}

	attempts := o.clear(key)
	return Result{
		Success:  false,
		Attempts: attempts,
		Message:  "automatic recovery exhausted",
		Err:      ce,
	}
}

// retry re-invokes op with exponential backoff until the shared budget
// for key runs out. Returns done=true when recovery succeeded.
func (o *Orchestrator) retry(ctx context.Context, key, sessionID string, ce *domain.ClassifiedError, op domain.Operation) (Result, bool) {
	for {
		attempt, ok := o.take(key)
		if !ok {
			return Result{}, false
		}

		delay := o.delayFor(ce, attempt)
		if err := o.sleep(ctx, delay); err != nil {
			// Context cancelled mid-backoff; nothing more to do.
			return Result{Success: false, Attempts: attempt + 1, Message: "recovery cancelled", Err: err}, true
		}

		telemetry.RetriesTotal.WithLabelValues(string(ce.Category)).Inc()
		if o.emit != nil {
			o.emit(domain.Event{
				Type:      domain.EventRetryAttempt,
				SessionID: sessionID,
				Timestamp: time.Now(),
				Data:      domain.EventData{Attempt: attempt + 1, Stage: string(ce.Category)},
			})
		}
		o.logger.Info("retrying after failure",
			slog.String("key", key),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay))

		resp, err := op(ctx)
		if err == nil {
			attempts := o.clear(key)
			return Result{
				Success:     true,
				ActionTaken: domain.ActionRetry,
				Attempts:    attempts,
				Message:     fmt.Sprintf("recovered after %d attempt(s)", attempts),
				Response:    resp,
			}, true
		}
	}
}

func (o *Orchestrator) delayFor(ce *domain.ClassifiedError, attempt int) time.Duration {
	if ce.Category == domain.CategoryRateLimit {
		return o.cfg.RateLimitHold
	}
	d := o.cfg.BaseDelay << attempt
	if d > o.cfg.MaxDelay || d <= 0 {
		d = o.cfg.MaxDelay
	}
	return d
}

func (o *Orchestrator) resetCircuits(ce *domain.ClassifiedError) {
	if o.breakers == nil {
		return
	}
	if service, ok := ce.Context["service"].(string); ok && service != "" {
		o.breakers.Reset(service)
		return
	}
	o.breakers.ResetFailing()
}

// take reserves one retry attempt for key if budget remains. Returns
// the attempt ordinal used for backoff (0-based).
func (o *Orchestrator) take(key string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.attempts[key]
	if n >= o.cfg.MaxRetryAttempts {
		return 0, false
	}
	o.attempts[key] = n + 1
	return n, true
}

// clear removes key's counter and returns its final value.
func (o *Orchestrator) clear(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.attempts[key]
	delete(o.attempts, key)
	return n
}
