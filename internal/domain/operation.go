package domain

import "context"

// Operation is one backend invocation: given a context, it either
// produces a raw payload or fails. The reliability core is
// backend-agnostic; callers close over the message and history when
// constructing an Operation.
type Operation func(ctx context.Context) (*RawResponse, error)
