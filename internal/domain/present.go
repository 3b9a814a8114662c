package domain

// UserAction is one manual recovery option rendered to the user.
type UserAction struct {
	Label   string     `json:"label"`
	Primary bool       `json:"primary"`
	Trigger ActionKind `json:"trigger"`
}

// UserFacingError is the presentation contract for failures that exhaust
// automatic recovery. Derived 1:1 from a ClassifiedError.
type UserFacingError struct {
	Title    string       `json:"title"`
	Message  string       `json:"message"`
	Guidance []string     `json:"guidance"`
	Actions  []UserAction `json:"actions"`
}

// PresentError converts a classified failure into its user-facing form.
// Only non-automatic recovery actions become user actions; the first one
// is marked primary.
func PresentError(ce *ClassifiedError) *UserFacingError {
	out := &UserFacingError{
		Title:    titleFor(ce.Category),
		Message:  ce.UserMessage,
		Guidance: append([]string(nil), ce.Guidance...),
	}
	for i, a := range ce.ManualActions() {
		out.Actions = append(out.Actions, UserAction{
			Label:   a.Description,
			Primary: i == 0,
			Trigger: a.Kind,
		})
	}
	return out
}

func titleFor(c ErrorCategory) string {
	switch c {
	case CategoryNetwork:
		return "Connection problem"
	case CategoryAuthentication:
		return "Sign-in required"
	case CategoryAPI:
		return "Service error"
	case CategoryApplication:
		return "Something went wrong"
	case CategoryValidation:
		return "Invalid request"
	case CategoryRateLimit:
		return "Slow down a moment"
	case CategoryCircuitBreaker:
		return "Service temporarily paused"
	case CategoryTimeout:
		return "Request timed out"
	default:
		return "Unexpected error"
	}
}
