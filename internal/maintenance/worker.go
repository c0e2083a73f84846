// Package maintenance runs queued background jobs: pruning a user's
// semantic cache and rebuilding the guidelines index.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/studychat/internal/metrics"
	"github.com/kalambet/studychat/internal/storage"
)

// Job types handled by the worker.
const (
	JobCachePrune        = "cache_prune"
	JobGuidelinesReindex = "guidelines_reindex"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// CachePruner removes stale semantic cache entries.
type CachePruner interface {
	Prune(ctx context.Context, uid string, maxAge time.Duration, minHits int) (int, error)
}

// Reindexer rebuilds the guidelines index. It reports false when the
// rebuilt index holds no documents.
type Reindexer interface {
	Reindex(ctx context.Context, force bool) (bool, error)
}

// Worker processes maintenance jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	cache      CachePruner
	guidelines Reindexer
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 1s.
func NewWorker(store JobStore, cache CachePruner, gl Reindexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		store:      store,
		cache:      cache,
		guidelines: gl,
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobCachePrune, JobGuidelinesReindex})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.JobsProcessed.WithLabelValues(job.Type, "completed").Inc()
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type prunePayload struct {
	UserID string `json:"user_id"`
}

type reindexPayload struct {
	Force bool `json:"force"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobCachePrune:
		var p prunePayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if p.UserID == "" {
			return fmt.Errorf("cache_prune job without user_id")
		}
		n, err := w.cache.Prune(ctx, p.UserID, 0, 0)
		if err != nil {
			return fmt.Errorf("pruning cache of %s: %w", p.UserID, err)
		}
		w.logger.Info("cache pruned", "user", p.UserID, "removed", n)
		return nil

	case JobGuidelinesReindex:
		var p reindexPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		built, err := w.guidelines.Reindex(ctx, p.Force)
		if err != nil {
			return fmt.Errorf("reindexing guidelines: %w", err)
		}
		if !built {
			w.logger.Info("guidelines index is empty after reindex")
		}
		return nil
	}
	return fmt.Errorf("unknown job type %q", job.Type)
}
