package cache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/tutorgrid/studygate/internal/domain"
)

// Key derives the content address for one (message, context) pair.
//
// The message text is normalized (trimmed, lowercased) and combined with
// a fingerprint of the context fields that change the answer: backend
// id, model, temperature (two decimal places), and tutoring mode.
// xxhash64 was chosen deliberately over a 32-bit rolling hash: with a
// 64-bit digest, accidental collisions between semantically different
// prompts — which would silently serve a wrong cached answer — are no
// longer a practical concern.
func Key(message string, ctx domain.ChatContext) uint64 {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(message)))
	b.WriteByte('\x00')
	b.WriteString(ctx.BackendID)
	b.WriteByte('\x00')
	b.WriteString(ctx.Model)
	b.WriteByte('\x00')
	fmt.Fprintf(&b, "%.2f", ctx.Temperature)
	b.WriteByte('\x00')
	b.WriteString(ctx.Mode)
	return xxhash.Sum64String(b.String())
}
