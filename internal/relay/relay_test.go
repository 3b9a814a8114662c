package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tutorgrid/studygate/internal/backend"
	"github.com/tutorgrid/studygate/internal/breaker"
	"github.com/tutorgrid/studygate/internal/domain"
	"github.com/tutorgrid/studygate/internal/recovery"
)

// scriptedBackend returns canned outcomes in order, repeating the last
// one once the script is exhausted.
type scriptedBackend struct {
	mu     sync.Mutex
	name   string
	script []error
	calls  int
	chunks []domain.StreamingChunk
	raw    *domain.RawResponse // overrides the canned success payload
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Complete(ctx context.Context, req *backend.Request) (*domain.RawResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	b.calls++
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	if i >= 0 && b.script[i] != nil {
		return nil, b.script[i]
	}
	if b.raw != nil {
		return b.raw, nil
	}
	return &domain.RawResponse{
		Model: "test-model",
		Choices: []domain.Choice{{
			Role:         "assistant",
			Content:      fmt.Sprintf("answer from %s", b.name),
			FinishReason: "stop",
		}},
		Usage: &domain.Usage{TotalTokens: 12},
	}, nil
}

func (b *scriptedBackend) Stream(ctx context.Context, req *backend.Request) (<-chan domain.StreamingChunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	b.calls++
	if i < len(b.script) && b.script[i] != nil {
		return nil, b.script[i]
	}
	ch := make(chan domain.StreamingChunk, len(b.chunks))
	for _, c := range b.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestRelay(t *testing.T, sleeper *recordingSleeper, backends ...backend.Backend) *Relay {
	t.Helper()
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	orch := recovery.New(recovery.DefaultConfig(), breakers,
		recovery.WithSleeper(sleeper.sleep))
	r, err := New(
		WithBackends(backends...),
		WithBreakers(breakers),
		WithOrchestrator(orch),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func chatCtx() domain.ChatContext {
	return domain.ChatContext{SessionID: "sess-1", Mode: "tutor"}
}

func TestSendSuccess(t *testing.T) {
	b := &scriptedBackend{name: "primary", script: []error{nil}}
	r := newTestRelay(t, &recordingSleeper{}, b)

	resp, ce := r.Send(context.Background(), "what is 2+2", chatCtx())
	if ce != nil {
		t.Fatalf("unexpected error: %v", ce)
	}
	if !strings.HasPrefix(resp.Content, "answer from primary") {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Metadata.CacheHit {
		t.Fatal("fresh response marked as cache hit")
	}
	if resp.Metadata.FallbackUsed {
		t.Fatal("fallback flagged on direct success")
	}
	if resp.Metadata.BackendID != "primary" {
		t.Fatalf("backend id = %q", resp.Metadata.BackendID)
	}
}

func TestSendCacheHit(t *testing.T) {
	b := &scriptedBackend{name: "primary", script: []error{nil}}
	r := newTestRelay(t, &recordingSleeper{}, b)

	ctx := context.Background()
	if _, ce := r.Send(ctx, "what is 2+2", chatCtx()); ce != nil {
		t.Fatalf("first send: %v", ce)
	}
	resp, ce := r.Send(ctx, "what is 2+2", chatCtx())
	if ce != nil {
		t.Fatalf("second send: %v", ce)
	}
	if !resp.Metadata.CacheHit {
		t.Fatal("second identical send did not hit the cache")
	}
	if resp.Metadata.Source != "cache" {
		t.Fatalf("source = %q", resp.Metadata.Source)
	}
	if got := b.callCount(); got != 1 {
		t.Fatalf("backend invoked %d times, want 1", got)
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	// Fails twice, succeeds on the third attempt. The first failure is
	// absorbed at the facade, the remaining attempts run inside the
	// orchestrator with one backoff delay each: 1s then 2s.
	b := &scriptedBackend{name: "primary", script: []error{
		errors.New("network error: connection refused"),
		errors.New("network error: connection refused"),
		nil,
	}}
	sleeper := &recordingSleeper{}
	r := newTestRelay(t, sleeper, b)

	resp, ce := r.Send(context.Background(), "explain photosynthesis", chatCtx())
	if ce != nil {
		t.Fatalf("unexpected error: %v", ce)
	}
	if !strings.HasPrefix(resp.Content, "answer from primary") {
		t.Fatalf("content = %q", resp.Content)
	}
	if got := b.callCount(); got != 3 {
		t.Fatalf("backend invoked %d times, want 3", got)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", sleeper.delays, want)
	}
	for i, d := range want {
		if sleeper.delays[i] != d {
			t.Fatalf("delay[%d] = %v, want %v", i, sleeper.delays[i], d)
		}
	}
}

func TestSendFallsBackToSecondary(t *testing.T) {
	primary := &scriptedBackend{name: "primary", script: []error{
		errors.New("network error: connection refused"),
	}}
	secondary := &scriptedBackend{name: "backup", script: []error{nil}}
	r := newTestRelay(t, &recordingSleeper{}, primary, secondary)

	resp, ce := r.Send(context.Background(), "explain gravity", chatCtx())
	if ce != nil {
		t.Fatalf("unexpected error: %v", ce)
	}
	if !strings.HasPrefix(resp.Content, "answer from backup") {
		t.Fatalf("content = %q", resp.Content)
	}
	if !resp.Metadata.FallbackUsed {
		t.Fatal("fallback not flagged in metadata")
	}
	if secondary.callCount() != 1 {
		t.Fatalf("secondary invoked %d times, want 1", secondary.callCount())
	}
}

func TestSendReturnsClassifiedFailure(t *testing.T) {
	b := &scriptedBackend{name: "primary", script: []error{
		errors.New("401 unauthorized: invalid api key"),
	}}
	r := newTestRelay(t, &recordingSleeper{}, b)

	resp, ce := r.Send(context.Background(), "hello", chatCtx())
	if resp != nil {
		t.Fatal("expected nil response on auth failure")
	}
	if ce == nil {
		t.Fatal("expected classified error")
	}
	if ce.Category != domain.CategoryAuthentication {
		t.Fatalf("category = %s, want %s", ce.Category, domain.CategoryAuthentication)
	}
	// Auth errors carry no automatic actions, so the backend is called
	// exactly once.
	if got := b.callCount(); got != 1 {
		t.Fatalf("backend invoked %d times, want 1", got)
	}
}

func TestSendOpenBreakerShortCircuits(t *testing.T) {
	b := &scriptedBackend{name: "primary", script: []error{nil}}
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("primary")
	}
	sleeper := &recordingSleeper{}
	orch := recovery.New(recovery.DefaultConfig(), breakers,
		recovery.WithSleeper(sleeper.sleep))
	r, err := New(WithBackends(b), WithBreakers(breakers), WithOrchestrator(orch))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	// The gated call never reaches the backend. The breaker's reset
	// recovery action closes the circuit and the retry succeeds.
	resp, ce := r.Send(context.Background(), "hello", chatCtx())
	if ce != nil {
		t.Fatalf("unexpected error after reset recovery: %v", ce)
	}
	if resp == nil {
		t.Fatal("expected response after breaker reset")
	}
	if got := b.callCount(); got != 1 {
		t.Fatalf("backend invoked %d times, want 1", got)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] != time.Second {
		t.Fatalf("delays = %v, want [1s]", sleeper.delays)
	}
}

func TestSendStreamAssemblesChunks(t *testing.T) {
	b := &scriptedBackend{
		name: "primary",
		chunks: []domain.StreamingChunk{
			{SequenceIndex: 0, DeltaText: "The answer "},
			{SequenceIndex: 1, DeltaText: "is 4."},
			{SequenceIndex: 2, FinishReason: "stop", IsFinal: true},
		},
	}
	r := newTestRelay(t, &recordingSleeper{}, b)

	resp, ce := r.SendStream(context.Background(), "what is 2+2", chatCtx())
	if ce != nil {
		t.Fatalf("unexpected error: %v", ce)
	}
	if !strings.HasPrefix(resp.Content, "The answer is 4.") {
		t.Fatalf("content = %q", resp.Content)
	}
}

func TestSendStreamEarlyCloseRecovers(t *testing.T) {
	// The chunk channel closes mid-stream without a terminal chunk.
	// Partial text must never surface as a successful response; the
	// relay classifies the broken stream and recovers over the batch
	// path.
	b := &scriptedBackend{
		name:   "primary",
		script: []error{nil, nil},
		chunks: []domain.StreamingChunk{
			{SequenceIndex: 0, DeltaText: "The mitochondria is"},
		},
	}
	sleeper := &recordingSleeper{}
	r := newTestRelay(t, sleeper, b)

	resp, ce := r.SendStream(context.Background(), "what is a mitochondrion", chatCtx())
	if ce != nil {
		t.Fatalf("unexpected error: %v", ce)
	}
	if !strings.HasPrefix(resp.Content, "answer from primary") {
		t.Fatalf("content = %q, want batch answer", resp.Content)
	}
	if strings.Contains(resp.Content, "The mitochondria is") {
		t.Fatalf("partial stream text surfaced as success: %q", resp.Content)
	}
	if len(sleeper.delays) == 0 {
		t.Fatal("broken stream did not go through recovery")
	}
}

func TestSendStreamEarlyCloseCountsBreakerFailure(t *testing.T) {
	// Stream breaks and every batch retry fails too: the classified
	// error comes back and the breaker opens from the counted failures.
	b := &scriptedBackend{
		name:   "primary",
		script: []error{nil, errors.New("network error: connection refused")},
		chunks: []domain.StreamingChunk{
			{SequenceIndex: 0, DeltaText: "partial"},
		},
	}
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	orch := recovery.New(recovery.DefaultConfig(), breakers,
		recovery.WithSleeper((&recordingSleeper{}).sleep))
	r, err := New(WithBackends(b), WithBreakers(breakers), WithOrchestrator(orch))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	resp, ce := r.SendStream(context.Background(), "hello", chatCtx())
	if resp != nil {
		t.Fatalf("broken stream returned a response: %+v", resp)
	}
	if ce == nil {
		t.Fatal("expected classified error")
	}
	if ce.Category != domain.CategoryNetwork {
		t.Fatalf("category = %s, want %s", ce.Category, domain.CategoryNetwork)
	}
	if got := breakers.State("primary"); got != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", got)
	}
}

func TestFallbackResponseNotCached(t *testing.T) {
	// An empty payload degrades to the pipeline's fallback response.
	// That apology must not be served from the cache afterwards.
	b := &scriptedBackend{name: "primary", script: []error{nil}, raw: &domain.RawResponse{}}
	r := newTestRelay(t, &recordingSleeper{}, b)

	ctx := context.Background()
	resp, ce := r.Send(ctx, "hello", chatCtx())
	if ce != nil {
		t.Fatalf("unexpected error: %v", ce)
	}
	if !resp.Metadata.Fallback {
		t.Fatalf("expected fallback response, got %+v", resp.Metadata)
	}

	resp, ce = r.Send(ctx, "hello", chatCtx())
	if ce != nil {
		t.Fatalf("second send: %v", ce)
	}
	if resp.Metadata.CacheHit {
		t.Fatal("fallback response was cached")
	}
	if got := b.callCount(); got != 2 {
		t.Fatalf("backend invoked %d times, want 2", got)
	}
}

func TestSendStreamFailureDegradesToBatch(t *testing.T) {
	// Stream open fails, batch retry succeeds.
	b := &scriptedBackend{name: "primary", script: []error{
		errors.New("network error: stream unavailable"),
		nil,
	}}
	r := newTestRelay(t, &recordingSleeper{}, b)

	resp, ce := r.SendStream(context.Background(), "what is 2+2", chatCtx())
	if ce != nil {
		t.Fatalf("unexpected error: %v", ce)
	}
	if !strings.HasPrefix(resp.Content, "answer from primary") {
		t.Fatalf("content = %q", resp.Content)
	}
}

func TestSendStreamEventOrder(t *testing.T) {
	// Per-request stream order: thinking_start, thinking deltas,
	// thinking_stop, then message deltas, then message_stop. The
	// thinking phase closes before the first content delta.
	b := &scriptedBackend{
		name: "primary",
		chunks: []domain.StreamingChunk{
			{SequenceIndex: 0, Reasoning: "Recall the basics. "},
			{SequenceIndex: 1, DeltaText: "The answer "},
			{SequenceIndex: 2, DeltaText: "is 4."},
			{SequenceIndex: 3, FinishReason: "stop", IsFinal: true},
		},
	}
	r := newTestRelay(t, &recordingSleeper{}, b)

	ch, cancel := r.Events()
	defer cancel()

	if _, ce := r.SendStream(context.Background(), "what is 2+2", chatCtx()); ce != nil {
		t.Fatalf("unexpected error: %v", ce)
	}

	want := []domain.EventType{
		domain.EventProcessingStart,
		domain.EventMessageStart,
		domain.EventThinkingStart,
		domain.EventThinkingDelta,
		domain.EventThinkingStop,
		domain.EventMessageDelta,
		domain.EventMessageDelta,
		domain.EventMessageStop,
	}
	for i, wt := range want {
		select {
		case ev := <-ch:
			if ev.Type != wt {
				t.Fatalf("event[%d] = %s, want %s", i, ev.Type, wt)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %s", wt)
		}
	}
}

func TestSendStreamCacheHitEventCarriesMetrics(t *testing.T) {
	b := &scriptedBackend{
		name: "primary",
		chunks: []domain.StreamingChunk{
			{SequenceIndex: 0, DeltaText: "The answer is 4."},
			{SequenceIndex: 1, FinishReason: "stop", IsFinal: true},
		},
	}
	r := newTestRelay(t, &recordingSleeper{}, b)

	ctx := context.Background()
	if _, ce := r.SendStream(ctx, "what is 2+2", chatCtx()); ce != nil {
		t.Fatalf("first stream: %v", ce)
	}

	ch, cancel := r.Events()
	defer cancel()

	resp, ce := r.SendStream(ctx, "what is 2+2", chatCtx())
	if ce != nil {
		t.Fatalf("second stream: %v", ce)
	}
	if !resp.Metadata.CacheHit {
		t.Fatal("second identical stream did not hit the cache")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != domain.EventMessageStop {
				continue
			}
			if ev.Data.Metadata == nil || ev.Data.Metrics == nil {
				t.Fatalf("cache-hit terminal event missing metadata/metrics: %+v", ev.Data)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for message_stop")
		}
	}
}

func TestEventsLifecycle(t *testing.T) {
	b := &scriptedBackend{name: "primary", script: []error{nil}}
	r := newTestRelay(t, &recordingSleeper{}, b)

	ch, cancel := r.Events()
	defer cancel()

	if _, ce := r.Send(context.Background(), "hello", chatCtx()); ce != nil {
		t.Fatalf("send: %v", ce)
	}

	want := []domain.EventType{
		domain.EventProcessingStart,
		domain.EventMessageStart,
		domain.EventThinkingStart,
		domain.EventThinkingStop,
		domain.EventMessageStop,
	}
	for i, wt := range want {
		select {
		case ev := <-ch:
			if ev.Type != wt {
				t.Fatalf("event[%d] = %s, want %s", i, ev.Type, wt)
			}
			if ev.SessionID != "sess-1" {
				t.Fatalf("event[%d] session = %q", i, ev.SessionID)
			}
			if wt == domain.EventMessageStop {
				if ev.Data.FullContent == "" || !ev.Data.IsComplete {
					t.Fatalf("terminal event missing payload: %+v", ev.Data)
				}
				if ev.Data.Metadata == nil || ev.Data.Metrics == nil {
					t.Fatal("terminal event missing metadata/metrics")
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %s", wt)
		}
	}
}

func TestFallbackEmitsQueueStatus(t *testing.T) {
	primary := &scriptedBackend{name: "primary", script: []error{
		errors.New("network error: connection refused"),
	}}
	secondary := &scriptedBackend{name: "backup", script: []error{nil}}
	r := newTestRelay(t, &recordingSleeper{}, primary, secondary)

	ch, cancel := r.Events()
	defer cancel()

	if _, ce := r.Send(context.Background(), "hello", chatCtx()); ce != nil {
		t.Fatalf("send: %v", ce)
	}

	sawNotice := false
	deadline := time.After(time.Second)
	for !sawNotice {
		select {
		case ev := <-ch:
			if ev.Type == domain.EventQueueStatus && ev.Data.Notice != "" {
				sawNotice = true
			}
			if ev.Type == domain.EventMessageStop && !sawNotice {
				t.Fatal("message_stop arrived before queue_status notice")
			}
		case <-deadline:
			t.Fatal("timed out waiting for queue_status event")
		}
	}
}

func TestFailureEmitsErrorEvent(t *testing.T) {
	b := &scriptedBackend{name: "primary", script: []error{
		errors.New("401 unauthorized"),
	}}
	r := newTestRelay(t, &recordingSleeper{}, b)

	ch, cancel := r.Events()
	defer cancel()

	if _, ce := r.Send(context.Background(), "hello", chatCtx()); ce == nil {
		t.Fatal("expected classified error")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == domain.EventError {
				if ev.Data.Error == nil {
					t.Fatal("error event missing classified payload")
				}
				if ev.Data.Error.Category != domain.CategoryAuthentication {
					t.Fatalf("error category = %s", ev.Data.Error.Category)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for error event")
		}
	}
}

func TestSwitchBackend(t *testing.T) {
	a := &scriptedBackend{name: "alpha", script: []error{nil}}
	b := &scriptedBackend{name: "beta", script: []error{nil}}
	r := newTestRelay(t, &recordingSleeper{}, a, b)

	if err := r.SwitchBackend("beta"); err != nil {
		t.Fatalf("SwitchBackend: %v", err)
	}
	resp, ce := r.Send(context.Background(), "hello", chatCtx())
	if ce != nil {
		t.Fatalf("send: %v", ce)
	}
	if !strings.HasPrefix(resp.Content, "answer from beta") {
		t.Fatalf("content = %q", resp.Content)
	}
	if err := r.SwitchBackend("missing"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestHealthReflectsBreakerState(t *testing.T) {
	b := &scriptedBackend{name: "primary", script: []error{nil}}
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	r, err := New(WithBackends(b), WithBreakers(breakers))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	h := r.Health()
	if h.Overall != breaker.OverallHealthy {
		t.Fatalf("overall = %s", h.Overall)
	}
	if h.Primary != "primary" {
		t.Fatalf("primary = %s", h.Primary)
	}

	for i := 0; i < 3; i++ {
		breakers.RecordFailure("primary")
	}
	h = r.Health()
	if h.Overall == breaker.OverallHealthy {
		t.Fatal("health still reported healthy with an open breaker")
	}

	r.ResetServices()
	h = r.Health()
	if h.Overall != breaker.OverallHealthy {
		t.Fatalf("overall after reset = %s", h.Overall)
	}
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("expected error without backends")
	}
}
