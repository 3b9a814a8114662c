package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tutorgrid/studygate/internal/domain"
)

type handler struct {
	pipeline Pipeline
	logger   *slog.Logger
}

type chatRequest struct {
	Message     string           `json:"message"`
	SessionID   string           `json:"session_id"`
	Model       string           `json:"model"`
	Temperature float32          `json:"temperature"`
	Mode        string           `json:"mode"`
	History     []domain.Message `json:"history"`
}

func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.Message == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	chatCtx := domain.ChatContext{
		Model:       req.Model,
		Temperature: req.Temperature,
		Mode:        req.Mode,
		SessionID:   req.SessionID,
		History:     req.History,
	}

	AddLogField(r.Context(), "session_id", req.SessionID)

	if r.URL.Query().Get("stream") == "1" {
		h.chatStream(w, r, req.Message, chatCtx)
		return
	}

	resp, ce := h.pipeline.Send(r.Context(), req.Message, chatCtx)
	if ce != nil {
		AddLogField(r.Context(), "error_category", string(ce.Category))
		h.writeClassified(w, ce)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// chatStream forwards the session's lifecycle events as SSE while the
// pipeline runs. The subscription opens before the send so no events
// are missed; events from other sessions on the shared bus are skipped.
func (h *handler) chatStream(w http.ResponseWriter, r *http.Request, message string, chatCtx domain.ChatContext) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_error", "streaming not supported")
		return
	}

	events, cancel := h.pipeline.Events()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pipeline.SendStream(r.Context(), message, chatCtx)
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.SessionID != chatCtx.SessionID {
				continue
			}
			h.sendSSEEvent(w, flusher, ev)
			if ev.Type.Terminal() {
				<-done
				return
			}
		}
	}
}

func (h *handler) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) {
	payload := ev.Data
	if ev.Type == domain.EventError && ev.Data.Error != nil {
		// Clients render the user-facing form, not the raw classification.
		h.sendSSEPresented(w, flusher, ev)
		return
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal SSE event", slog.String("error", err.Error()))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, jsonData)
	flusher.Flush()
}

func (h *handler) sendSSEPresented(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) {
	jsonData, err := json.Marshal(domain.PresentError(ev.Data.Error))
	if err != nil {
		h.logger.Error("failed to marshal SSE error event", slog.String("error", err.Error()))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, jsonData)
	flusher.Flush()
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.pipeline.Health())
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	h.pipeline.ResetServices()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

type backendRequest struct {
	Backend string `json:"backend"`
}

func (h *handler) switchBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Backend == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "backend is required")
		return
	}
	if err := h.pipeline.SwitchBackend(req.Backend); err != nil {
		h.writeError(w, http.StatusNotFound, "unknown_backend", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "switched", "backend": req.Backend})
}

// writeClassified renders a pipeline failure with a status derived from
// its category and the user-facing presentation in the body.
func (h *handler) writeClassified(w http.ResponseWriter, ce *domain.ClassifiedError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(ce.Category))
	json.NewEncoder(w).Encode(map[string]any{
		"error":    domain.PresentError(ce),
		"category": ce.Category,
		"code":     ce.Code,
	})
}

func statusFor(c domain.ErrorCategory) int {
	switch c {
	case domain.CategoryAuthentication:
		return http.StatusUnauthorized
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryRateLimit:
		return http.StatusTooManyRequests
	case domain.CategoryTimeout:
		return http.StatusGatewayTimeout
	case domain.CategoryCircuitBreaker:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
