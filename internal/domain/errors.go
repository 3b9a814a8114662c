// Package domain provides the canonical types shared by the reliability
// core: classified errors, recovery actions, processed responses, and
// lifecycle events.
package domain

import (
	"errors"
	"fmt"
	"sort"
)

// ErrorCategory is the category assigned to a failure by the classifier.
type ErrorCategory string

const (
	CategoryNetwork        ErrorCategory = "network"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAPI            ErrorCategory = "api"
	CategoryApplication    ErrorCategory = "application"
	CategoryValidation     ErrorCategory = "validation"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryCircuitBreaker ErrorCategory = "circuit_breaker"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryUnknown        ErrorCategory = "unknown"
)

// Severity indicates how serious a classified failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ActionKind identifies one kind of recovery action. The effect of each
// kind is resolved by the recovery orchestrator; actions carry only data
// so they stay inspectable and serializable.
type ActionKind string

const (
	ActionRetry    ActionKind = "retry"
	ActionFallback ActionKind = "fallback"
	ActionReset    ActionKind = "reset"
	ActionRedirect ActionKind = "redirect"
	ActionManual   ActionKind = "manual"
)

// RecoveryAction is one documented response to a classified failure.
// Lower Priority runs first. Only Automatic actions are executed by the
// orchestrator; the rest are surfaced to the user.
type RecoveryAction struct {
	Kind        ActionKind `json:"kind"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Automatic   bool       `json:"automatic"`
}

// ClassifiedError is a raw failure normalized into category, severity,
// guidance, and recovery data. It is created exactly once at the boundary
// where the failure first surfaces and never re-classified.
type ClassifiedError struct {
	Category          ErrorCategory    `json:"category"`
	Severity          Severity         `json:"severity"`
	Code              string           `json:"code"`
	Message           string           `json:"message"`
	UserMessage       string           `json:"user_message"`
	Guidance          []string         `json:"guidance"`
	RecoveryActions   []RecoveryAction `json:"recovery_actions"`
	Retryable         bool             `json:"retryable"`
	FallbackAvailable bool             `json:"fallback_available"`
	Context           map[string]any   `json:"context,omitempty"`

	// Err is the original failure, preserved for errors.Is/As chains.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the original failure.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// AttemptKey identifies this failure for the orchestrator's per-key
// attempt accounting.
func (e *ClassifiedError) AttemptKey() string {
	return string(e.Category) + "_" + e.Code
}

// AsClassified returns the ClassifiedError in err's chain, if any.
// Used to honor the classify-once rule: an already-classified failure
// passes through every boundary untouched.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AutomaticActions returns the automatic recovery actions in ascending
// priority order. The returned slice is freshly allocated.
func (e *ClassifiedError) AutomaticActions() []RecoveryAction {
	return e.selectActions(true)
}

// ManualActions returns the non-automatic actions in ascending priority
// order, for presentation to the user.
func (e *ClassifiedError) ManualActions() []RecoveryAction {
	return e.selectActions(false)
}

func (e *ClassifiedError) selectActions(automatic bool) []RecoveryAction {
	var out []RecoveryAction
	for _, a := range e.RecoveryActions {
		if a.Automatic == automatic {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
