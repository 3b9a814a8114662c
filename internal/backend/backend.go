// Package backend defines the contract a text-generation backend must
// satisfy for the reliability core, plus adapters for concrete APIs.
// The core never sees a backend's wire format; adapters translate into
// the canonical RawResponse and StreamingChunk shapes.
package backend

import (
	"context"

	"github.com/tutorgrid/studygate/internal/domain"
)

// Request is one generation request: the new message plus prior turns.
type Request struct {
	Message     string
	History     []domain.Message
	Model       string
	Temperature float32
	MaxTokens   int
}

// Backend is one interchangeable text-generation service.
type Backend interface {
	// Name is the stable service key used for circuit breaking and
	// cache fingerprinting.
	Name() string

	// Complete performs one batch generation call.
	Complete(ctx context.Context, req *Request) (*domain.RawResponse, error)

	// Stream performs one streaming generation call. The returned
	// channel is closed after the terminal chunk (IsFinal=true) or an
	// error chunk; it must not be read after ctx is cancelled.
	Stream(ctx context.Context, req *Request) (<-chan domain.StreamingChunk, error)
}
