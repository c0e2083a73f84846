// Package guidelines retrieves knowledge-base documents relevant to a query
// from a global embedding index.
package guidelines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/studychat/internal/embedding"
	"github.com/kalambet/studychat/internal/similarity"
	"github.com/kalambet/studychat/internal/storage"
)

const (
	DefaultThreshold = 0.70
	DefaultTopK      = 3

	documentsPath  = "guidelines"
	embeddingsPath = "guideline_embeddings"
)

// Document is a knowledge-base entry stored at guidelines/{id}.
type Document struct {
	ID        string   `json:"-"`
	Title     string   `json:"title"`
	Category  string   `json:"category"`
	Content   string   `json:"content"`
	Keywords  []string `json:"keywords"`
	UpdatedAt int64    `json:"updatedAt"`
}

// Match is a search result.
type Match struct {
	Similarity float64
	Document   Document
}

// cachedEmbedding is stored at guideline_embeddings/{id}. It is reused while
// GuidelineUpdatedAt matches the document's UpdatedAt.
type cachedEmbedding struct {
	Embedding          []float32 `json:"embedding"`
	GuidelineID        string    `json:"guidelineId"`
	GuidelineUpdatedAt int64     `json:"guidelineUpdatedAt"`
	LastEmbedded       int64     `json:"lastEmbedded"`
}

type Status struct {
	Loaded    bool    `json:"loaded"`
	Building  bool    `json:"building"`
	Count     int     `json:"count"`
	Threshold float64 `json:"threshold"`
	Model     string  `json:"model"`
}

type EmbeddingInfo struct {
	ID           string    `json:"id"`
	LastEmbedded time.Time `json:"last_embedded"`
	VectorSize   int       `json:"vector_size"`
}

type CacheStats struct {
	Total      int             `json:"total"`
	Embeddings []EmbeddingInfo `json:"embeddings"`
}

type Config struct {
	Threshold float64
	Model     string
}

// Retriever owns the global guidelines index. It always embeds with the
// remote codec: mixing in hash vectors would corrupt a shared index.
type Retriever struct {
	kv        storage.KV
	codec     embedding.Codec
	threshold float64
	model     string

	mu       sync.RWMutex
	index    *similarity.Index[Document]
	loaded   bool
	inflight *pendingBuild

	now    func() time.Time
	logger *slog.Logger
}

func New(kv storage.KV, codec embedding.Codec, cfg Config) *Retriever {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Retriever{
		kv:        kv,
		codec:     codec,
		threshold: cfg.Threshold,
		model:     cfg.Model,
		index:     similarity.NewIndex[Document](),
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// SetClock replaces the time source. Tests only.
func (r *Retriever) SetClock(now func() time.Time) {
	r.now = now
}

func embedText(d Document) string {
	return d.Title + "\n" + d.Content + "\nKeywords: " + strings.Join(d.Keywords, ", ")
}

// pendingBuild is an index build in progress. ok and err are set before
// done is closed.
type pendingBuild struct {
	done chan struct{}
	ok   bool
	err  error
}

// startBuild runs a build unless the index is loaded (and reload is false) or
// another build is in flight. It returns nil when nothing had to be built,
// the finished build when it ran one (owner), or the running build.
func (r *Retriever) startBuild(ctx context.Context, reembed, reload bool) (b *pendingBuild, owner bool) {
	r.mu.Lock()
	if r.loaded && !reload {
		r.mu.Unlock()
		return nil, false
	}
	if r.inflight != nil {
		b := r.inflight
		r.mu.Unlock()
		return b, false
	}
	b = &pendingBuild{done: make(chan struct{})}
	r.inflight = b
	r.mu.Unlock()

	b.ok, b.err = r.build(ctx, reembed)

	r.mu.Lock()
	r.inflight = nil
	r.mu.Unlock()
	close(b.done)
	return b, true
}

// BuildIndex loads every document into the index, reusing cached embeddings
// that are still current unless force is set. It returns true once an index
// with documents is loaded. A call made while another build runs returns
// false immediately.
func (r *Retriever) BuildIndex(ctx context.Context, force bool) (bool, error) {
	b, owner := r.startBuild(ctx, force, force)
	if b == nil {
		return true, nil
	}
	if !owner {
		return false, nil
	}
	return b.ok, b.err
}

// build replaces the index with a fresh one. On error the current index is
// left in place.
func (r *Retriever) build(ctx context.Context, reembed bool) (bool, error) {
	docs, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	if len(docs) == 0 {
		r.logger.Warn("no guidelines found")
		r.setIndex(similarity.NewIndex[Document](), true)
		return false, nil
	}

	cached := make(map[string]cachedEmbedding)
	nodes, err := r.kv.List(ctx, embeddingsPath)
	if err != nil {
		r.logger.Warn("reading cached guideline embeddings failed, re-embedding", "error", err)
	}
	for _, n := range nodes {
		var ce cachedEmbedding
		if err := n.Decode(&ce); err == nil {
			cached[n.Key] = ce
		}
	}

	vectors := make([][]float32, len(docs))
	var stale []int
	for i, d := range docs {
		if ce, ok := cached[d.ID]; ok && !reembed && ce.GuidelineUpdatedAt == d.UpdatedAt && len(ce.Embedding) > 0 {
			vectors[i] = ce.Embedding
			continue
		}
		stale = append(stale, i)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, i := range stale {
		g.Go(func() error {
			vec, err := r.codec.Encode(gCtx, embedText(docs[i]))
			if err != nil {
				r.logger.Warn("embedding guideline failed, skipping", "id", docs[i].ID, "title", docs[i].Title, "error", err)
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	embedded := 0
	for _, i := range stale {
		if vectors[i] == nil {
			continue
		}
		embedded++
		ce := cachedEmbedding{
			Embedding:          vectors[i],
			GuidelineID:        docs[i].ID,
			GuidelineUpdatedAt: docs[i].UpdatedAt,
			LastEmbedded:       r.now().UnixMilli(),
		}
		if err := r.kv.Set(ctx, embeddingsPath+"/"+docs[i].ID, ce); err != nil {
			r.logger.Warn("saving guideline embedding failed", "id", docs[i].ID, "error", err)
		}
	}

	idx := similarity.NewIndex[Document]()
	for i, d := range docs {
		if vectors[i] != nil {
			idx.Add(vectors[i], d, d.ID)
		}
	}
	r.setIndex(idx, true)

	r.logger.Info("guidelines index built",
		"documents", idx.Len(), "embedded", embedded, "reused", idx.Len()-embedded)
	return true, nil
}

func (r *Retriever) setIndex(idx *similarity.Index[Document], loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = idx
	r.loaded = loaded
}

// Search returns up to topK documents whose similarity to query meets the
// threshold. Failures are logged and yield no results.
func (r *Retriever) Search(ctx context.Context, query string, topK int) []Match {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	// A search arriving during a build waits for that build.
	if b, _ := r.startBuild(ctx, false, false); b != nil {
		select {
		case <-b.done:
		case <-ctx.Done():
			return nil
		}
		if b.err != nil {
			r.logger.Warn("building guidelines index failed", "error", b.err)
			return nil
		}
	}

	r.mu.RLock()
	idx := r.index
	r.mu.RUnlock()
	if idx.Len() == 0 {
		return nil
	}

	vec, err := r.codec.Encode(ctx, query)
	if err != nil {
		r.logger.Warn("embedding guidelines query failed", "error", err)
		return nil
	}

	results := idx.Search(vec, topK, r.threshold, nil)
	matches := make([]Match, len(results))
	for i, res := range results {
		matches[i] = Match{Similarity: res.Similarity, Document: res.Meta}
	}
	r.logger.Debug("guidelines search", "matches", len(matches), "threshold", r.threshold)
	return matches
}

func (r *Retriever) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Loaded:    r.loaded,
		Building:  r.inflight != nil,
		Count:     r.index.Len(),
		Threshold: r.threshold,
		Model:     r.model,
	}
}

// ClearIndex drops the in-memory index; the next Search rebuilds it.
func (r *Retriever) ClearIndex() {
	r.setIndex(similarity.NewIndex[Document](), false)
}

// RebuildIndex re-embeds every document. The previous index keeps serving
// searches until the new one is ready.
func (r *Retriever) RebuildIndex(ctx context.Context) (bool, error) {
	return r.BuildIndex(ctx, true)
}

// Reindex reloads the index after document edits. Unchanged documents keep
// their cached embeddings unless force is set. A build already running may
// have read the documents before the edit, so Reindex waits for it and then
// builds again.
func (r *Retriever) Reindex(ctx context.Context, force bool) (bool, error) {
	for {
		b, owner := r.startBuild(ctx, force, true)
		if owner {
			return b.ok, b.err
		}
		select {
		case <-b.done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (r *Retriever) DeleteCachedEmbedding(ctx context.Context, id string) error {
	if err := r.kv.Remove(ctx, embeddingsPath+"/"+id); err != nil {
		return fmt.Errorf("deleting cached embedding %s: %w", id, err)
	}
	return nil
}

func (r *Retriever) CacheStats(ctx context.Context) (CacheStats, error) {
	nodes, err := r.kv.List(ctx, embeddingsPath)
	if err != nil {
		return CacheStats{}, fmt.Errorf("listing cached embeddings: %w", err)
	}
	stats := CacheStats{Embeddings: make([]EmbeddingInfo, 0, len(nodes))}
	for _, n := range nodes {
		var ce cachedEmbedding
		if err := n.Decode(&ce); err != nil {
			continue
		}
		stats.Embeddings = append(stats.Embeddings, EmbeddingInfo{
			ID:           n.Key,
			LastEmbedded: time.UnixMilli(ce.LastEmbedded).UTC(),
			VectorSize:   len(ce.Embedding),
		})
	}
	stats.Total = len(stats.Embeddings)
	return stats, nil
}

// ErrInvalidDocument is returned by Put for documents without a title or content.
var ErrInvalidDocument = errors.New("guideline needs a title and content")

// Put creates (empty ID) or replaces a document and stamps UpdatedAt, which
// makes any cached embedding stale.
func (r *Retriever) Put(ctx context.Context, d Document) (Document, error) {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Content) == "" {
		return Document{}, ErrInvalidDocument
	}
	if d.Keywords == nil {
		d.Keywords = []string{}
	}
	d.UpdatedAt = r.now().UnixMilli()
	if d.ID == "" {
		id, err := r.kv.Push(ctx, documentsPath, d)
		if err != nil {
			return Document{}, fmt.Errorf("creating guideline: %w", err)
		}
		d.ID = id
		return d, nil
	}
	if err := r.kv.Set(ctx, documentsPath+"/"+d.ID, d); err != nil {
		return Document{}, fmt.Errorf("saving guideline %s: %w", d.ID, err)
	}
	return d, nil
}

func (r *Retriever) Get(ctx context.Context, id string) (Document, error) {
	var d Document
	if err := r.kv.Get(ctx, documentsPath+"/"+id, &d); err != nil {
		return Document{}, err
	}
	d.ID = id
	return d, nil
}

// Delete removes a document and its cached embedding.
func (r *Retriever) Delete(ctx context.Context, id string) error {
	if err := r.kv.Remove(ctx, documentsPath+"/"+id); err != nil {
		return fmt.Errorf("deleting guideline %s: %w", id, err)
	}
	return r.DeleteCachedEmbedding(ctx, id)
}

func (r *Retriever) List(ctx context.Context) ([]Document, error) {
	nodes, err := r.kv.List(ctx, documentsPath)
	if err != nil {
		return nil, fmt.Errorf("listing guidelines: %w", err)
	}
	docs := make([]Document, 0, len(nodes))
	for _, n := range nodes {
		var d Document
		if err := n.Decode(&d); err != nil {
			r.logger.Warn("skipping unreadable guideline", "id", n.Key, "error", err)
			continue
		}
		d.ID = n.Key
		docs = append(docs, d)
	}
	return docs, nil
}
