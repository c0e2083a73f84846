package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/studychat/internal/chat"
	"github.com/kalambet/studychat/internal/extract"
	"github.com/kalambet/studychat/internal/quota"
)

const maxRequestBodySize = 1 << 20 // 1MB

type chatRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type quotaResponse struct {
	quota.Status
	ResetsIn string `json:"resets_in"`
}

func quotaView(st quota.Status) quotaResponse {
	return quotaResponse{Status: st, ResetsIn: quota.TimeUntilReset(st.ResetAt, time.Now())}
}

// readUpload validates and extracts the "file" part of a multipart request.
// It returns nil when the request has no file.
func readUpload(r *http.Request, limits extract.Limits) (*extract.Document, error) {
	file, header, err := r.FormFile("file")
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, &extract.ValidationError{Code: extract.CodeInvalidType, Message: fmt.Sprintf("reading upload: %v", err)}
	}
	defer file.Close()

	if err := limits.Validate(header.Filename, header.Header.Get("Content-Type"), header.Size); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	doc, err := extract.Extract(header.Filename, data)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func maxUploadBody(limits extract.Limits) int64 {
	if limits.MaxBytes > 0 {
		return limits.MaxBytes + maxRequestBodySize
	}
	return extract.DefaultMaxBytes + maxRequestBodySize
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func parseChatRequest(w http.ResponseWriter, r *http.Request, deps Deps) (chat.SendRequest, error) {
	req := chat.SendRequest{UserID: chi.URLParam(r, "uid")}

	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody(deps.Uploads))
		if err := r.ParseMultipartForm(maxRequestBodySize); err != nil {
			return req, fmt.Errorf("%w: invalid multipart body: %v", chat.ErrInvalidRequest, err)
		}
		req.ChatID = r.FormValue("chat_id")
		req.Message = r.FormValue("message")
		doc, err := readUpload(r, deps.Uploads)
		if err != nil {
			return req, err
		}
		req.Document = doc
		return req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return req, fmt.Errorf("%w: invalid request body: %v", chat.ErrInvalidRequest, err)
	}
	req.ChatID = body.ChatID
	req.Message = body.Message
	return req, nil
}

// sseWriter starts the event stream on first use, so errors raised before
// any output can still be answered with a plain status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) event(v any) {
	s.start()
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal stream event", "error", err)
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

type doneEvent struct {
	Done bool `json:"done"`
	chat.Reply
	Quota quotaResponse `json:"quota"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		req, err := parseChatRequest(w, r, deps)
		if err != nil {
			writeError(w, err)
			return
		}

		sse := &sseWriter{w: w, flusher: flusher}
		reply, err := deps.Chat.Send(r.Context(), req, func(frag string) {
			sse.event(map[string]string{"delta": frag})
		})
		if err != nil {
			if !sse.started {
				writeError(w, err)
				return
			}
			slog.Warn("chat stream failed", "user", req.UserID, "error", err)
			sse.event(map[string]any{
				"error": map[string]any{
					"message": "generation interrupted",
					"type":    "server_error",
				},
			})
			return
		}

		sse.event(doneEvent{Done: true, Reply: reply, Quota: quotaView(reply.Quota)})
	}
}

func handleDocumentPreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody(deps.Uploads))
		defer r.Body.Close()

		if !isMultipart(r) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart/form-data with a file part is required")
			return
		}
		if err := r.ParseMultipartForm(maxRequestBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		doc, err := readUpload(r, deps.Uploads)
		if err != nil {
			writeError(w, err)
			return
		}
		if doc == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":  doc.Name,
			"size":  doc.Size,
			"chars": len([]rune(doc.Content)),
		})
	}
}
