package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iago/conversation-insights/internal/domain"
	"github.com/iago/conversation-insights/internal/repository"
	"github.com/iago/conversation-insights/internal/service"
)

type submitConversationRequest struct {
	ConversationID string           `json:"conversation_id,omitempty"`
	Messages       []domain.Message `json:"messages"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

type submitConversationResponse struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// SubmitConversation persists and queues a conversation. Enrichment always
// happens later on the worker.
func (api *API) SubmitConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if api.conversations.ShuttingDown() {
		writeError(w, r, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}

	body, err := readBody(w, r, api.maxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}

	var request submitConversationRequest
	if err := decodeJSON(body, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body must be a valid conversation JSON object")
		return
	}

	conversation, err := api.conversations.Submit(r.Context(), service.SubmitInput{
		ConversationID: request.ConversationID,
		Messages:       request.Messages,
		Metadata:       request.Metadata,
		RawPayload:     json.RawMessage(body),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrShuttingDown):
			writeError(w, r, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		case errors.Is(err, service.ErrValidation):
			writeError(w, r, http.StatusUnprocessableEntity, "validation_failed", validationMessage(err))
		case errors.Is(err, repository.ErrDuplicateKey):
			writeError(w, r, http.StatusConflict, "duplicate_conversation", "conversation_id already exists")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to store conversation")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitConversationResponse{
		Status:         "accepted",
		ConversationID: conversation.ID,
		Message:        "conversation queued for enrichment",
	})
}
