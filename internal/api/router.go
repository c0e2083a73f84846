package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/studychat/internal/chat"
	"github.com/kalambet/studychat/internal/extract"
	"github.com/kalambet/studychat/internal/guidelines"
	"github.com/kalambet/studychat/internal/quota"
	"github.com/kalambet/studychat/internal/semcache"
	"github.com/kalambet/studychat/internal/storage"
)

var validate = validator.New()

// JobQueue schedules background maintenance.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) (bool, error)
}

type Deps struct {
	Chat       *chat.Service
	Quota      *quota.Tracker
	Cache      *semcache.Cache
	Guidelines *guidelines.Retriever
	Jobs       JobQueue // optional; if nil, guideline edits do not queue a reindex
	Uploads    extract.Limits
	Token      string
	RateLimit  float64
	RateBurst  int
}

// NewHandler returns the HTTP API. Every route except /health requires the
// bearer token and is rate limited per client IP.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	limiter := NewIPLimiter(deps.RateLimit, deps.RateBurst)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(BearerAuth(deps.Token))

		r.Handle("/metrics", promhttp.Handler())

		r.Route("/users/{uid}", func(r chi.Router) {
			r.Use(requireUserID)

			r.Post("/chat", handleChat(deps))
			r.Post("/documents", handleDocumentPreview(deps))
			r.Get("/quota", handleGetQuota(deps))
			r.Get("/chats", handleListChats(deps))
			r.Delete("/chats", handleDeleteAllChats(deps))
			r.Get("/chats/{chatID}/messages", handleListMessages(deps))
			r.Delete("/chats/{chatID}", handleDeleteChat(deps))
			r.Get("/cache", handleCacheStats(deps))
			r.Delete("/cache", handleClearCache(deps))
			r.Post("/cache/prune", handlePruneCache(deps))
			r.Post("/feedback", handleFeedback(deps))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/quotas", handleListQuotas(deps))
			r.Delete("/quotas/{uid}", handleResetQuota(deps))

			r.Get("/guidelines", handleListGuidelines(deps))
			r.Post("/guidelines", handleCreateGuideline(deps))
			r.Get("/guidelines/status", handleGuidelinesStatus(deps))
			r.Post("/guidelines/rebuild", handleRebuildGuidelines(deps))
			r.Get("/guidelines/embeddings", handleGuidelineEmbeddings(deps))
			r.Get("/guidelines/search", handleSearchGuidelines(deps))
			r.Put("/guidelines/{id}", handleUpdateGuideline(deps))
			r.Delete("/guidelines/{id}", handleDeleteGuideline(deps))
			r.Delete("/guidelines/{id}/embedding", handleDeleteGuidelineEmbedding(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// requireUserID rejects user IDs that could escape their storage path.
func requireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "uid")
		if err := validate.Var(uid, "required,max=128,excludesall=/%"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid user id %q", uid)
			return
		}
		next.ServeHTTP(w, r)
	})
}
