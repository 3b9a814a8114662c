package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/tutorgrid/studygate/internal/domain"
)

func testResponse(content string) *domain.ProcessedResponse {
	return &domain.ProcessedResponse{
		Content:  content,
		Metadata: domain.ResponseMetadata{BackendID: "backend-a", Source: "backend"},
	}
}

func testCtx() domain.ChatContext {
	return domain.ChatContext{BackendID: "backend-a", Temperature: 0.7, Mode: "tutor"}
}

func TestCache_PutGet(t *testing.T) {
	c := New()
	c.Put("2+2?", testCtx(), testResponse("4"))

	got := c.Get("2+2?", testCtx())
	if got == nil {
		t.Fatal("Get returned nil for freshly stored entry")
	}
	if got.Content != "4" {
		t.Errorf("content = %q, want %q", got.Content, "4")
	}
	if !got.Metadata.CacheHit {
		t.Error("CacheHit not stamped on hit")
	}
	if got.Metadata.Source != "cache" {
		t.Errorf("source = %q, want cache", got.Metadata.Source)
	}
}

func TestCache_NormalizedKeys(t *testing.T) {
	c := New()
	c.Put("What is gravity?", testCtx(), testResponse("a force"))

	if got := c.Get("  what IS gravity?  ", testCtx()); got == nil {
		t.Error("normalized message variants should share a key")
	}
}

func TestCache_ContextChangesKey(t *testing.T) {
	c := New()
	c.Put("2+2?", testCtx(), testResponse("4"))

	other := testCtx()
	other.BackendID = "backend-b"
	if got := c.Get("2+2?", other); got != nil {
		t.Error("different backend id must not share a cache entry")
	}

	warmer := testCtx()
	warmer.Temperature = 1.2
	if got := c.Get("2+2?", warmer); got != nil {
		t.Error("different temperature must not share a cache entry")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(WithTTL(30*time.Minute), WithClock(func() time.Time { return now }))

	c.Put("2+2?", testCtx(), testResponse("4"))
	now = now.Add(29 * time.Minute)
	if got := c.Get("2+2?", testCtx()); got == nil {
		t.Fatal("entry expired before its TTL")
	}

	now = now.Add(2 * time.Minute)
	if got := c.Get("2+2?", testCtx()); got != nil {
		t.Fatal("entry served past its TTL")
	}
	if s := c.Stats(); s.Size != 0 {
		t.Errorf("expired entry still counted in stats: size = %d", s.Size)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	now := time.Unix(0, 0)
	c := New(WithMaxSize(3), WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		c.Put(fmt.Sprintf("q%d", i), testCtx(), testResponse(fmt.Sprintf("a%d", i)))
	}

	// Touch q0 so q1 becomes the least recently accessed.
	now = now.Add(time.Second)
	if got := c.Get("q0", testCtx()); got == nil {
		t.Fatal("q0 missing before eviction")
	}

	now = now.Add(time.Second)
	c.Put("q3", testCtx(), testResponse("a3"))

	if got := c.Get("q1", testCtx()); got != nil {
		t.Error("q1 should have been evicted as least recently accessed")
	}
	if got := c.Get("q0", testCtx()); got == nil {
		t.Error("recently read q0 must never be evicted over q1")
	}
	if got := c.Get("q3", testCtx()); got == nil {
		t.Error("newly inserted q3 missing")
	}
}

func TestCache_Stats(t *testing.T) {
	c := New()
	c.Put("2+2?", testCtx(), testResponse("4"))

	c.Get("2+2?", testCtx())
	c.Get("nope", testCtx())

	s := c.Stats()
	if s.TotalRequests != 2 {
		t.Errorf("total = %d, want 2", s.TotalRequests)
	}
	if s.Hits != 1 {
		t.Errorf("hits = %d, want 1", s.Hits)
	}
	if s.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", s.HitRate)
	}
}

func TestCache_Clear(t *testing.T) {
	c := New()
	c.Put("2+2?", testCtx(), testResponse("4"))
	c.Clear()
	if got := c.Get("2+2?", testCtx()); got != nil {
		t.Error("entry survived Clear")
	}
}

func TestCache_StoredEntryNotAliased(t *testing.T) {
	c := New()
	resp := testResponse("4")
	c.Put("2+2?", testCtx(), resp)
	resp.Content = "mutated"

	first := c.Get("2+2?", testCtx())
	if first.Content != "4" {
		t.Error("cache aliased the caller's response")
	}
	first.Content = "also mutated"

	second := c.Get("2+2?", testCtx())
	if second.Content != "4" {
		t.Error("cache handed out an aliased copy")
	}
	if !second.Metadata.CacheHit {
		t.Error("CacheHit lost on repeat read")
	}
}

func TestCache_Sweep(t *testing.T) {
	now := time.Unix(0, 0)
	c := New(WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	c.Put("old", testCtx(), testResponse("stale"))
	now = now.Add(2 * time.Minute)
	c.Put("new", testCtx(), testResponse("fresh"))

	if n := c.sweep(); n != 1 {
		t.Errorf("sweep removed %d entries, want 1", n)
	}
	if s := c.Stats(); s.Size != 1 {
		t.Errorf("size after sweep = %d, want 1", s.Size)
	}
}
