package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/studychat/internal/chat"
)

func handleGetQuota(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Quota.Check(r.Context(), chi.URLParam(r, "uid"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, quotaView(st))
	}
}

func handleListChats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chats, err := deps.Chat.ListChats(r.Context(), chi.URLParam(r, "uid"))
		if err != nil {
			writeError(w, err)
			return
		}
		if chats == nil {
			chats = []chat.Chat{}
		}
		writeJSON(w, http.StatusOK, chats)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Chat.Messages(r.Context(), chi.URLParam(r, "uid"), chi.URLParam(r, "chatID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleDeleteChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Chat.DeleteChat(r.Context(), chi.URLParam(r, "uid"), chi.URLParam(r, "chatID")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDeleteAllChats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Chat.DeleteAllChats(r.Context(), chi.URLParam(r, "uid")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Cache.Stats(r.Context(), chi.URLParam(r, "uid"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Cache.Clear(r.Context(), chi.URLParam(r, "uid")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePruneCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Cache.Prune(r.Context(), chi.URLParam(r, "uid"), 0, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

type feedbackRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		id, err := deps.Chat.SubmitFeedback(r.Context(), chi.URLParam(r, "uid"), req.Rating, req.Feedback)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}
