package breaker

import (
	"encoding/json"

	"github.com/tutorgrid/studygate/internal/telemetry"
)

// MarshalJSON renders the state by name, not ordinal.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name back into a State.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		*s = StateClosed
	}
	return nil
}

func recordTransition(serviceKey string, from, to State) {
	telemetry.BreakerTransitions.WithLabelValues(serviceKey, from.String(), to.String()).Inc()
}
