package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/studychat/internal/chat"
	"github.com/kalambet/studychat/internal/extract"
	"github.com/kalambet/studychat/internal/guidelines"
	"github.com/kalambet/studychat/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve *extract.ValidationError
		ee *extract.ExtractionError
		qe *chat.QuotaError
	)
	switch {
	case errors.As(err, &qe):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{
				"message": qe.Error(),
				"type":    "quota_exceeded",
			},
			"quota": quotaView(qe.Status),
		})
	case errors.As(err, &ve):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", ve.Message)
	case errors.As(err, &ee):
		httpError(w, http.StatusUnprocessableEntity, "extraction_error", "%v", ee)
	case errors.Is(err, chat.ErrInvalidRequest),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, guidelines.ErrInvalidDocument):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, chat.ErrGeneration):
		httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
	case errors.Is(err, chat.ErrChatNotFound), errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
