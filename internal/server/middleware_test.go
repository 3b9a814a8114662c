package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/v1/chat", nil)
	rec := httptest.NewRecorder()
	RequestIDMiddleware(handler).ServeHTTP(rec, req)

	if seen == "" {
		t.Fatal("request ID missing from context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("header %q != context %q", got, seen)
	}
}

func TestLoggingMiddlewareEmitsFields(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "session_id", "s1")
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("POST", "/v1/chat", nil)
	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(handler).ServeHTTP(rec, req)

	out := buf.String()
	if !strings.Contains(out, "request completed") {
		t.Fatalf("missing completion line: %s", out)
	}
	if !strings.Contains(out, "status=418") {
		t.Fatalf("status not captured: %s", out)
	}
	if !strings.Contains(out, "session_id=s1") {
		t.Fatalf("handler log field not emitted: %s", out)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusGatewayTimeout)
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})

	req := httptest.NewRequest("POST", "/v1/chat", nil)
	rec := httptest.NewRecorder()
	TimeoutMiddleware(10*time.Millisecond)(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}
