package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studychat_cache_lookups_total",
		Help: "Semantic cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	EmbeddingFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studychat_embedding_fallbacks_total",
		Help: "Embeddings served by the local hash encoder after the primary encoder failed",
	})

	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studychat_quota_rejections_total",
		Help: "Chat requests rejected because the user quota was exhausted",
	})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studychat_jobs_processed_total",
		Help: "Total number of processed maintenance jobs",
	}, []string{"type", "status"})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "studychat_generation_seconds",
		Help:    "Streaming generation duration in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
	})
)
