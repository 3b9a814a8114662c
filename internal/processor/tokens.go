package processor

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// tokenCounter estimates token counts for payloads whose backend did
// not report usage. cl100k_base is close enough for an estimate across
// the chat-completion backends we front.
type tokenCounter struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{}
}

func (c *tokenCounter) estimate(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if c.err != nil {
		// Rough fallback: ~4 characters per token.
		return (len(text) + 3) / 4
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}
