package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/studychat/internal/guidelines"
	"github.com/kalambet/studychat/internal/maintenance"
	"github.com/kalambet/studychat/internal/quota"
	"github.com/kalambet/studychat/internal/storage"
)

type quotaRecordView struct {
	quota.Record
	ResetsIn string `json:"resets_in"`
}

func handleListQuotas(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.Quota.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]quotaRecordView, 0, len(records))
		for _, rec := range records {
			out = append(out, quotaRecordView{Record: rec, ResetsIn: quotaView(quota.Status{ResetAt: rec.ResetAt}).ResetsIn})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleResetQuota(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "uid")
		if err := validate.Var(uid, "required,excludesall=/%"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid user id %q", uid)
			return
		}
		if err := deps.Quota.Reset(r.Context(), uid); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// guidelineJSON is the API form of a guideline, carrying its ID.
type guidelineJSON struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Category  string   `json:"category"`
	Content   string   `json:"content"`
	Keywords  []string `json:"keywords"`
	UpdatedAt int64    `json:"updated_at,omitempty"`
}

func toGuidelineJSON(d guidelines.Document) guidelineJSON {
	return guidelineJSON{
		ID:        d.ID,
		Title:     d.Title,
		Category:  d.Category,
		Content:   d.Content,
		Keywords:  d.Keywords,
		UpdatedAt: d.UpdatedAt,
	}
}

func handleListGuidelines(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Guidelines.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]guidelineJSON, 0, len(docs))
		for _, d := range docs {
			out = append(out, toGuidelineJSON(d))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func decodeGuideline(w http.ResponseWriter, r *http.Request) (guidelines.Document, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var in guidelineJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return guidelines.Document{}, false
	}
	return guidelines.Document{
		Title:    in.Title,
		Category: in.Category,
		Content:  in.Content,
		Keywords: in.Keywords,
	}, true
}

// queueReindex asks the maintenance worker to pick up guideline edits.
func queueReindex(ctx context.Context, deps Deps) {
	if deps.Jobs == nil {
		return
	}
	_, err := deps.Jobs.EnqueueJob(ctx, storage.Job{
		Type:        maintenance.JobGuidelinesReindex,
		PayloadJSON: `{"force":false}`,
		DedupKey:    maintenance.JobGuidelinesReindex,
	})
	if err != nil {
		slog.Warn("queueing guidelines reindex failed", "error", err)
	}
}

func handleCreateGuideline(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := decodeGuideline(w, r)
		if !ok {
			return
		}
		saved, err := deps.Guidelines.Put(r.Context(), doc)
		if err != nil {
			writeError(w, err)
			return
		}
		queueReindex(r.Context(), deps)
		writeJSON(w, http.StatusCreated, toGuidelineJSON(saved))
	}
}

func handleUpdateGuideline(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Guidelines.Get(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		doc, ok := decodeGuideline(w, r)
		if !ok {
			return
		}
		doc.ID = id
		saved, err := deps.Guidelines.Put(r.Context(), doc)
		if err != nil {
			writeError(w, err)
			return
		}
		queueReindex(r.Context(), deps)
		writeJSON(w, http.StatusOK, toGuidelineJSON(saved))
	}
}

func handleDeleteGuideline(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Guidelines.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		queueReindex(r.Context(), deps)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGuidelinesStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Guidelines.Status())
	}
}

func handleRebuildGuidelines(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Guidelines.Status().Building {
			httpError(w, http.StatusConflict, "conflict_error", "index build already running")
			return
		}
		built, err := deps.Guidelines.RebuildIndex(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"built":  built,
			"status": deps.Guidelines.Status(),
		})
	}
}

func handleGuidelineEmbeddings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Guidelines.CacheStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleDeleteGuidelineEmbedding(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Guidelines.DeleteCachedEmbedding(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type searchResult struct {
	Similarity float64       `json:"similarity"`
	Guideline  guidelineJSON `json:"guideline"`
}

func handleSearchGuidelines(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k := guidelines.DefaultTopK
		if s := r.URL.Query().Get("k"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 50 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be between 1 and 50")
				return
			}
			k = n
		}
		matches := deps.Guidelines.Search(r.Context(), q, k)
		out := make([]searchResult, 0, len(matches))
		for _, m := range matches {
			out = append(out, searchResult{Similarity: m.Similarity, Guideline: toGuidelineJSON(m.Document)})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
