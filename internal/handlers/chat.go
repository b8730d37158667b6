package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aigoflow/chat-gateway/internal/models"
	"github.com/aigoflow/chat-gateway/internal/services"
)

type ChatHandler struct {
	chatService *services.ChatService
}

func NewChatHandler(chatService *services.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("/v1/models", h.handleModels)
	mux.HandleFunc("/models", h.handleModels)
	mux.HandleFunc("/debug/prompt", h.handleDebugPrompt)
}

func (h *ChatHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, models.NewMethodError(r.Method, r.URL.Path))
		return
	}

	var req models.ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, models.NewValidationError("invalid request body: %v", err))
		return
	}
	if req.ToolChoiceDowngraded() {
		w.Header().Set("X-Tool-Choice-Downgraded", models.ToolChoiceRequired)
	}

	if !req.Stream {
		resp, err := h.chatService.Complete(r.Context(), &req)
		if err != nil {
			writeError(w, models.AsAPIError(err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sse := newSSEWriter(w)
	err := h.chatService.Stream(r.Context(), &req, func(chunk *models.ChatCompletionChunk) error {
		return sse.Send(chunk)
	})
	if err != nil {
		if !sse.started {
			writeError(w, models.AsAPIError(err))
			return
		}
		if sse.broken || r.Context().Err() != nil {
			return
		}
		apiErr := models.AsAPIError(err)
		slog.Error("Stream failed after first chunk", "type", apiErr.Type, "error", apiErr.Cause)
		if sse.Send(apiErr.Envelope()) != nil {
			return
		}
	}
	sse.Done()
}

func (h *ChatHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, models.NewMethodError(r.Method, r.URL.Path))
		return
	}
	writeJSON(w, http.StatusOK, h.chatService.Models())
}

// handleDebugPrompt shows the rendered prompt for a chat request
func (h *ChatHandler) handleDebugPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, models.NewMethodError(r.Method, r.URL.Path))
		return
	}

	var req models.ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, models.NewValidationError("invalid request body: %v", err))
		return
	}

	preview, err := h.chatService.RenderPrompt(r.Context(), &req)
	if err != nil {
		writeError(w, models.AsAPIError(err))
		return
	}
	writeJSON(w, http.StatusOK, preview)
}
