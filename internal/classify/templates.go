package classify

import "github.com/tutorgrid/studygate/internal/domain"

// template fixes, per category, the severity/retryable/fallback triple,
// the user-facing copy, and the ordered recovery actions. The triple is
// a hard invariant: a category always maps to the same three values.
type template struct {
	severity          domain.Severity
	code              string
	userMessage       string
	guidance          []string
	actions           []domain.RecoveryAction
	retryable         bool
	fallbackAvailable bool
}

var templates = map[domain.ErrorCategory]template{
	domain.CategoryNetwork: {
		severity:          domain.SeverityHigh,
		code:              "network_unreachable",
		userMessage:       "We couldn't reach the tutoring service.",
		retryable:         true,
		fallbackAvailable: true,
		guidance: []string{
			"Check that you're connected to the internet.",
			"We'll retry automatically in a moment.",
			"If you're on a VPN or proxy, it may be blocking the connection.",
			"Reloading the page can clear a stale connection.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionRetry, Description: "Retry the request", Priority: 1, Automatic: true},
			{Kind: domain.ActionFallback, Description: "Switch to a backup service", Priority: 2, Automatic: true},
			{Kind: domain.ActionManual, Description: "Reload the page", Priority: 3},
		},
	},
	domain.CategoryAuthentication: {
		severity:    domain.SeverityHigh,
		code:        "auth_required",
		userMessage: "Your session isn't authorized for this service.",
		guidance: []string{
			"Sign in again to refresh your session.",
			"If you use your own API key, check that it's still valid.",
			"Keys can expire or be revoked by the provider.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionRedirect, Description: "Go to sign-in", Priority: 1},
			{Kind: domain.ActionManual, Description: "Update your API key", Priority: 2},
		},
	},
	domain.CategoryAPI: {
		severity:          domain.SeverityMedium,
		code:              "api_upstream",
		userMessage:       "The tutoring service returned an error.",
		retryable:         true,
		fallbackAvailable: true,
		guidance: []string{
			"This is usually temporary on the provider's side.",
			"We'll retry, then fall back to another service if needed.",
			"Check the provider's status page if it keeps happening.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionRetry, Description: "Retry the request", Priority: 1, Automatic: true},
			{Kind: domain.ActionFallback, Description: "Switch to a backup service", Priority: 2, Automatic: true},
			{Kind: domain.ActionManual, Description: "Pick a different provider", Priority: 3},
		},
	},
	domain.CategoryApplication: {
		severity:    domain.SeverityHigh,
		code:        "app_internal",
		userMessage: "Something went wrong inside the app.",
		guidance: []string{
			"Reloading the page usually clears this up.",
			"Your chat history is unaffected.",
			"If it keeps happening, please report it.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionManual, Description: "Reload the app", Priority: 1},
			{Kind: domain.ActionManual, Description: "Report the problem", Priority: 2},
		},
	},
	domain.CategoryValidation: {
		severity:    domain.SeverityLow,
		code:        "validation_failed",
		userMessage: "That request couldn't be processed as written.",
		guidance: []string{
			"Try rephrasing or shortening your message.",
			"Very long messages can exceed the service's limits.",
			"Remove any unusual characters and try again.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionManual, Description: "Edit your message", Priority: 1},
		},
	},
	domain.CategoryRateLimit: {
		severity:          domain.SeverityMedium,
		code:              "rate_limited",
		userMessage:       "You're sending messages faster than the service allows.",
		retryable:         true,
		fallbackAvailable: true,
		guidance: []string{
			"We'll wait a moment and retry automatically.",
			"Spacing out questions avoids hitting the limit.",
			"A backup service can take over if the limit persists.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionRetry, Description: "Wait and retry", Priority: 1, Automatic: true},
			{Kind: domain.ActionFallback, Description: "Switch to a backup service", Priority: 2, Automatic: true},
		},
	},
	domain.CategoryCircuitBreaker: {
		severity:          domain.SeverityHigh,
		code:              "breaker_open",
		userMessage:       "This service is paused after repeated failures.",
		retryable:         true,
		fallbackAvailable: true,
		guidance: []string{
			"Calls are held briefly to let the service recover.",
			"A backup service can answer in the meantime.",
			"You can force a reset from the health panel.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionReset, Description: "Reset the circuit", Priority: 1, Automatic: true},
			{Kind: domain.ActionRetry, Description: "Retry the request", Priority: 2, Automatic: true},
			{Kind: domain.ActionFallback, Description: "Switch to a backup service", Priority: 3, Automatic: true},
		},
	},
	domain.CategoryTimeout: {
		severity:          domain.SeverityMedium,
		code:              "timeout",
		userMessage:       "The service took too long to answer.",
		retryable:         true,
		fallbackAvailable: true,
		guidance: []string{
			"We'll retry automatically.",
			"Long or complex questions take longer to answer.",
			"Breaking a big question into parts often helps.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionRetry, Description: "Retry the request", Priority: 1, Automatic: true},
			{Kind: domain.ActionFallback, Description: "Switch to a backup service", Priority: 2, Automatic: true},
			{Kind: domain.ActionManual, Description: "Simplify the question", Priority: 3},
		},
	},
	domain.CategoryUnknown: {
		severity:    domain.SeverityMedium,
		code:        "unknown",
		userMessage: "An unexpected error occurred.",
		retryable:   true,
		guidance: []string{
			"We'll retry automatically.",
			"Reloading the page can help if it persists.",
			"Please report it if you keep seeing this.",
		},
		actions: []domain.RecoveryAction{
			{Kind: domain.ActionRetry, Description: "Retry the request", Priority: 1, Automatic: true},
			{Kind: domain.ActionManual, Description: "Reload the page", Priority: 2},
		},
	},
}

func buildFromTemplate(category domain.ErrorCategory, err error) *domain.ClassifiedError {
	tpl := templates[category]
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &domain.ClassifiedError{
		Category:          category,
		Severity:          tpl.severity,
		Code:              tpl.code,
		Message:           msg,
		UserMessage:       tpl.userMessage,
		Guidance:          append([]string(nil), tpl.guidance...),
		RecoveryActions:   append([]domain.RecoveryAction(nil), tpl.actions...),
		Retryable:         tpl.retryable,
		FallbackAvailable: tpl.fallbackAvailable,
		Err:               err,
	}
}

// NewBreakerError builds the classified rejection the circuit breaker
// returns without invoking a backend. Exposed so the breaker package
// does not depend on raw error text round-tripping through Classify.
func NewBreakerError(serviceKey string) *domain.ClassifiedError {
	ce := buildFromTemplate(domain.CategoryCircuitBreaker, nil)
	ce.Message = "circuit breaker open for service " + serviceKey
	ce.Context = map[string]any{"service": serviceKey}
	return ce
}
