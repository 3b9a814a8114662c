package processor

import (
	"strings"
	"time"

	"github.com/tutorgrid/studygate/internal/domain"
)

// Accumulator assembles a streamed response. Intermediate chunks only
// grow the text and emit progress deltas; the full pipeline runs once,
// when the terminal chunk arrives. Chunks arriving out of sequence
// order are buffered until the gap fills.
//
// Not safe for concurrent use: one accumulator serves one request.
type Accumulator struct {
	p         *Processor
	opts      Options
	sessionID string
	requestID string
	emit      func(domain.Event)

	next           int
	pending        map[int]domain.StreamingChunk
	content        strings.Builder
	reasoning      strings.Builder
	finishReason   string
	finalSeen      bool
	thinkingClosed bool
}

// NewAccumulator creates an accumulator for one streamed request. emit
// may be nil when no progress events are wanted.
func (p *Processor) NewAccumulator(opts Options, sessionID, requestID string, emit func(domain.Event)) *Accumulator {
	if opts.StartedAt.IsZero() {
		opts.StartedAt = p.now()
	}
	return &Accumulator{
		p:         p,
		opts:      opts,
		sessionID: sessionID,
		requestID: requestID,
		emit:      emit,
		pending:   make(map[int]domain.StreamingChunk),
	}
}

// Add feeds one chunk. When the terminal chunk (and every chunk before
// it) has been applied, Add runs the pipeline over the accumulated text
// and returns the result with done=true. Until then it returns nil,
// false.
func (a *Accumulator) Add(chunk domain.StreamingChunk) (*domain.ProcessedResponse, bool) {
	if a.finalSeen {
		// Late chunks after the terminal one are discarded.
		return nil, false
	}
	a.pending[chunk.SequenceIndex] = chunk

	for {
		c, ok := a.pending[a.next]
		if !ok {
			break
		}
		delete(a.pending, a.next)
		a.next++
		a.apply(c)
		if c.IsFinal {
			a.finalSeen = true
			break
		}
	}

	if !a.finalSeen {
		return nil, false
	}
	a.closeThinking()

	raw := &domain.RawResponse{
		Choices: []domain.Choice{{
			Role:         "assistant",
			Content:      a.content.String(),
			Reasoning:    a.reasoning.String(),
			FinishReason: a.finishReason,
		}},
	}
	return a.p.Process(raw, a.opts), true
}

func (a *Accumulator) apply(c domain.StreamingChunk) {
	if c.Reasoning != "" {
		a.reasoning.WriteString(c.Reasoning)
		// Reasoning trailing the first content delta is kept for the
		// final response but no longer announced as a thinking phase.
		if !a.thinkingClosed {
			a.emitEvent(domain.EventThinkingDelta, domain.EventData{Reasoning: c.Reasoning})
		}
	}
	if c.DeltaText != "" {
		// Content starting marks the end of the thinking phase.
		a.closeThinking()
		a.content.WriteString(c.DeltaText)
		a.emitEvent(domain.EventMessageDelta, domain.EventData{Delta: c.DeltaText})
	}
	if c.FinishReason != "" {
		a.finishReason = c.FinishReason
	}
}

// closeThinking emits thinking_stop once, before the first content
// delta or at stream end for reasoning-only streams.
func (a *Accumulator) closeThinking() {
	if a.thinkingClosed {
		return
	}
	a.thinkingClosed = true
	a.emitEvent(domain.EventThinkingStop, domain.EventData{})
}

func (a *Accumulator) emitEvent(t domain.EventType, data domain.EventData) {
	if a.emit == nil {
		return
	}
	a.emit(domain.Event{
		Type:      t,
		SessionID: a.sessionID,
		RequestID: a.requestID,
		Timestamp: time.Now(),
		Data:      data,
	})
}
