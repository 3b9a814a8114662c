package domain

import "time"

// EventType identifies one lifecycle event emitted while a request moves
// through the reliability pipeline.
type EventType string

const (
	EventProcessingStart EventType = "processing_start"
	EventMessageStart    EventType = "message_start"
	EventMessageDelta    EventType = "message_delta"
	EventMessageStop     EventType = "message_stop"
	EventThinkingStart   EventType = "thinking_start"
	EventThinkingDelta   EventType = "thinking_delta"
	EventThinkingStop    EventType = "thinking_stop"
	EventError           EventType = "error"
	EventQueueStatus     EventType = "queue_status"
	EventRetryAttempt    EventType = "retry_attempt"
)

// Terminal reports whether the event ends a request's stream. Terminal
// events are never dropped by the event bus.
func (t EventType) Terminal() bool {
	return t == EventMessageStop || t == EventError
}

// Event is one tagged lifecycle record published for UI consumers.
// Events for a single session are emitted in a fixed order:
// processing_start, message_start, thinking_start, (thinking_delta)*,
// thinking_stop, (message_delta)*, message_stop — or error.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// EventData carries the type-dependent payload of an event. Fields are
// populated per event type; unused ones marshal away.
type EventData struct {
	Stage       string            `json:"stage,omitempty"`
	Delta       string            `json:"delta,omitempty"`
	Reasoning   string            `json:"reasoning,omitempty"`
	FullContent string            `json:"full_content,omitempty"`
	IsComplete  bool              `json:"is_complete,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	Backend     string            `json:"backend,omitempty"`
	Error       *ClassifiedError  `json:"error,omitempty"`
	Metadata    *ResponseMetadata `json:"metadata,omitempty"`
	Metrics     *ResponseMetrics  `json:"metrics,omitempty"`
	Notice      string            `json:"notice,omitempty"`
}
