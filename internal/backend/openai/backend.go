// Package openai adapts any OpenAI-compatible chat-completion API to
// the backend contract. Most hosted and local backends (OpenAI, many
// proxies, llama.cpp and vLLM servers) speak this dialect, so one
// adapter covers the common fleet.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/tutorgrid/studygate/internal/backend"
	"github.com/tutorgrid/studygate/internal/domain"
)

const defaultModel = "gpt-4o-mini"

// Backend is an OpenAI-compatible backend.
type Backend struct {
	name   string
	model  string
	client *goopenai.Client
}

// Option configures a Backend.
type Option func(*config)

type config struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// WithBaseURL points the adapter at a non-default endpoint, e.g. a
// local llama.cpp server or a proxy.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the default model for requests that do not name one.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithHTTPClient overrides the transport, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New creates an adapter named name. The name doubles as the service
// key for circuit breaking, so it must be stable across restarts.
func New(name, apiKey string, opts ...Option) *Backend {
	cfg := &config{model: defaultModel}
	for _, opt := range opts {
		opt(cfg)
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientCfg.BaseURL = cfg.baseURL
	}
	if cfg.httpClient != nil {
		clientCfg.HTTPClient = cfg.httpClient
	}

	return &Backend{
		name:   name,
		model:  cfg.model,
		client: goopenai.NewClientWithConfig(clientCfg),
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.name }

// Complete implements backend.Backend.
func (b *Backend) Complete(ctx context.Context, req *backend.Request) (*domain.RawResponse, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("api error: response contained no choices")
	}

	out := &domain.RawResponse{
		Model: resp.Model,
		Usage: &domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, domain.Choice{
			Role:         c.Message.Role,
			Content:      c.Message.Content,
			Reasoning:    c.Message.ReasoningContent,
			FinishReason: string(c.FinishReason),
		})
	}
	return out, nil
}

// Stream implements backend.Backend.
func (b *Backend) Stream(ctx context.Context, req *backend.Request) (<-chan domain.StreamingChunk, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}

	out := make(chan domain.StreamingChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		seq := 0
		finish := ""
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				// A truncated stream that closes cleanly also surfaces
				// as EOF; only a seen finish reason marks completion.
				if finish != "" {
					out <- domain.StreamingChunk{SequenceIndex: seq, FinishReason: finish, IsFinal: true}
				}
				return
			}
			if err != nil {
				// Close without a terminal chunk. A stream that ends
				// early is a transport failure for the caller to
				// classify, never a completed response.
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" && choice.Delta.ReasoningContent == "" {
				continue
			}
			select {
			case out <- domain.StreamingChunk{
				SequenceIndex: seq,
				DeltaText:     choice.Delta.Content,
				Reasoning:     choice.Delta.ReasoningContent,
			}:
				seq++
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Backend) buildRequest(req *backend.Request, stream bool) goopenai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = b.model
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Message})

	return goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}
