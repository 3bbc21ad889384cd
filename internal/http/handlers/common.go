package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/iago/conversation-insights/internal/http/middleware"
	"github.com/iago/conversation-insights/internal/service"
)

var (
	errInvalidPayload = errors.New("invalid payload")
	errBodyTooLarge   = errors.New("request body too large")
)

type API struct {
	conversations *service.ConversationsService
	insights      *service.InsightsService
	maxBodyBytes  int64
}

func NewAPI(
	conversations *service.ConversationsService,
	insights *service.InsightsService,
	maxBodyBytes int64,
) *API {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &API{
		conversations: conversations,
		insights:      insights,
		maxBodyBytes:  maxBodyBytes,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// readBody returns the raw request body, bounded by limit.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return body, nil
}

func decodeJSON(body []byte, value any) error {
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if decoder.More() {
		return fmt.Errorf("%w: trailing data after JSON body", errInvalidPayload)
	}
	return nil
}

// validationMessage strips the sentinel prefix from service validation errors.
func validationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), service.ErrValidation.Error()+": ")
}
