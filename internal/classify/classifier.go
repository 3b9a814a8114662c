// Package classify normalizes raw backend failures into structured
// ClassifiedErrors by keyword matching against the failure text.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tutorgrid/studygate/internal/domain"
)

// Classifier maps raw failures to classified errors. It is pure and
// deterministic: no I/O, no clock, same input always yields the same
// category.
type Classifier struct{}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// matcher tests one category's keyword signatures. Order in the matchers
// table is significant: the most specific signatures are checked first so
// that, for example, a timeout message is never filed as a generic
// network error.
type matcher struct {
	category domain.ErrorCategory
	match    func(text string) bool
}

var matchers = []matcher{
	{domain.CategoryCircuitBreaker, func(t string) bool {
		return containsAny(t, "circuit breaker", "circuit open", "breaker is open")
	}},
	{domain.CategoryRateLimit, func(t string) bool {
		return containsAny(t, "rate limit", "too many requests", "429", "quota exceeded")
	}},
	{domain.CategoryAuthentication, func(t string) bool {
		return containsAny(t, "401", "unauthorized", "authentication", "api key", "invalid key", "forbidden", "403")
	}},
	{domain.CategoryTimeout, func(t string) bool {
		// A failed fetch often mentions both; generic fetch/HTTP phrasing
		// means the connection failed, not that it timed out.
		if containsAny(t, "failed to fetch", "networkerror", "econnrefused", "connection refused") {
			return false
		}
		return containsAny(t, "timeout", "timed out", "deadline exceeded")
	}},
	{domain.CategoryValidation, func(t string) bool {
		return containsAny(t, "validation", "invalid request", "invalid input", "missing required", "malformed", "400 bad request")
	}},
	{domain.CategoryApplication, func(t string) bool {
		return containsAny(t, "undefined is not", "null pointer", "nil pointer", "index out of range", "assertion failed", "panic:")
	}},
	{domain.CategoryAPI, func(t string) bool {
		return containsAny(t, "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "overloaded", "api error")
	}},
	{domain.CategoryNetwork, func(t string) bool {
		return containsAny(t, "network", "failed to fetch", "fetch", "connection", "econnrefused", "dns", "no such host", "socket")
	}},
}

// Classify turns a raw failure into a ClassifiedError. An error that is
// already classified passes through untouched; an unmatched error falls
// through to the UNKNOWN category. Classify never fails.
func (c *Classifier) Classify(err error, ctx map[string]any) *domain.ClassifiedError {
	if ce, ok := domain.AsClassified(err); ok {
		return ce
	}

	text := ""
	if err != nil {
		text = strings.ToLower(err.Error())
	}

	category := domain.CategoryUnknown
	for _, m := range matchers {
		if m.match(text) {
			category = m.category
			break
		}
	}

	ce := buildFromTemplate(category, err)
	if len(ctx) > 0 {
		if ce.Context == nil {
			ce.Context = make(map[string]any, len(ctx))
		}
		for k, v := range ctx {
			ce.Context[k] = v
		}
	}
	if category == domain.CategoryRateLimit {
		if hint, ok := retryAfterHint(text); ok {
			if ce.Context == nil {
				ce.Context = make(map[string]any, 1)
			}
			// Recorded but not acted on; the orchestrator keeps its
			// fixed rate-limit hold.
			ce.Context["retry_after_seconds"] = hint
		}
	}
	return ce
}

func containsAny(text string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

var retryAfterRe = regexp.MustCompile(`retry[- ]after[:\s]+(\d+)`)

func retryAfterHint(text string) (int, bool) {
	m := retryAfterRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
