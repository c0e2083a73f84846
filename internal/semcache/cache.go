// Package semcache answers repeated questions from previously generated
// responses, matched by embedding similarity within each user's namespace.
package semcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/studychat/internal/embedding"
	"github.com/kalambet/studychat/internal/metrics"
	"github.com/kalambet/studychat/internal/similarity"
	"github.com/kalambet/studychat/internal/storage"
)

const (
	DefaultLocalThreshold  = 0.85
	DefaultRemoteThreshold = 0.75
	DefaultMaxAge          = 30 * 24 * time.Hour
	DefaultMinHits         = 2
	DefaultMemoSize        = 1024
)

// Encoder produces codec-tagged query embeddings.
type Encoder interface {
	Encode(ctx context.Context, text string) (embedding.Embedding, error)
}

// FileContext scopes a lookup or store to an attached document.
type FileContext struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Entry is the persisted form of one cached exchange, stored at
// embeddings/{uid}/{id}. Timestamps are unix milliseconds.
type Entry struct {
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Embedding []float32 `json:"embedding"`
	Codec     string    `json:"codec"`
	FileName  string    `json:"fileName,omitempty"`
	FileSize  int64     `json:"fileSize,omitempty"`
	CreatedAt int64     `json:"createdAt"`
	HitCount  int       `json:"hitCount"`
	LastHitAt int64     `json:"lastHitAt,omitempty"`
}

// Hit is a successful lookup.
type Hit struct {
	ID         string
	Query      string
	Response   string
	Similarity float64
	Codec      string
}

// Stats summarizes one user's cache.
type Stats struct {
	Entries   int       `json:"entries"`
	TotalHits int       `json:"total_hits"`
	Oldest    time.Time `json:"oldest,omitzero"`
	Newest    time.Time `json:"newest,omitzero"`
}

type Config struct {
	LocalThreshold  float64
	RemoteThreshold float64
	MaxAge          time.Duration
	MinHits         int
	MemoSize        int
}

func (c Config) withDefaults() Config {
	if c.LocalThreshold <= 0 {
		c.LocalThreshold = DefaultLocalThreshold
	}
	if c.RemoteThreshold <= 0 {
		c.RemoteThreshold = DefaultRemoteThreshold
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MinHits <= 0 {
		c.MinHits = DefaultMinHits
	}
	if c.MemoSize <= 0 {
		c.MemoSize = DefaultMemoSize
	}
	return c
}

type entryMeta struct {
	query    string
	response string
	codec    string
	fileName string
}

type memoKey struct {
	uid      string
	query    string
	fileName string
}

// Cache is the per-process semantic cache service.
type Cache struct {
	kv      storage.KV
	encoder Encoder
	cfg     Config
	index   *similarity.Namespaces[entryMeta]
	memo    *lru.Cache[memoKey, *Hit]
	now     func() time.Time
	logger  *slog.Logger

	// memoMu orders memo writes against forget; memoGen counts forgets per
	// user so a lookup that raced a store does not memoize its stale result.
	memoMu  sync.Mutex
	memoGen map[string]uint64
}

func New(kv storage.KV, enc Encoder, cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	memo, err := lru.New[memoKey, *Hit](cfg.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("creating lookup memo: %w", err)
	}
	c := &Cache{
		kv:      kv,
		encoder: enc,
		cfg:     cfg,
		memo:    memo,
		memoGen: make(map[string]uint64),
		now:     time.Now,
		logger:  slog.Default(),
	}
	c.index = similarity.NewNamespaces(c.loadNamespace)
	return c, nil
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Threshold returns the minimum similarity for a hit with the given codec.
func (c *Cache) Threshold(codec string) float64 {
	if codec == embedding.CodecLocal {
		return c.cfg.LocalThreshold
	}
	return c.cfg.RemoteThreshold
}

func entriesPath(uid string) string {
	return "embeddings/" + uid
}

func (c *Cache) loadNamespace(ctx context.Context, uid string, idx *similarity.Index[entryMeta]) error {
	nodes, err := c.kv.List(ctx, entriesPath(uid))
	if err != nil {
		return err
	}
	for _, n := range nodes {
		var e Entry
		if err := n.Decode(&e); err != nil {
			c.logger.Warn("skipping unreadable cache entry", "user", uid, "id", n.Key, "error", err)
			continue
		}
		idx.Add(e.Embedding, entryMeta{
			query:    e.Query,
			response: e.Response,
			codec:    e.Codec,
			fileName: e.FileName,
		}, n.Key)
	}
	return nil
}

// Lookup returns the best cached answer for query, or nil on a miss. Only
// entries from the same codec (and the same attached file, when given) are
// compared. Persistence and embedding failures are logged and reported as a
// miss. Lookup never changes hit counts; see RecordHit.
func (c *Cache) Lookup(ctx context.Context, uid, query string, file *FileContext) (*Hit, error) {
	key := memoKey{uid: uid, query: query}
	if file != nil {
		key.fileName = file.Name
	}
	if hit, ok := c.memo.Get(key); ok {
		recordLookup(hit)
		return hit, nil
	}
	gen := c.memoGeneration(uid)

	idx, err := c.index.Load(ctx, uid)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("cache load failed, treating as miss", "user", uid, "error", err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, nil
	}

	emb, err := c.encoder.Encode(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("query embedding failed, treating as miss", "user", uid, "error", err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, nil
	}

	filter := func(m entryMeta) bool {
		if m.codec != emb.Codec {
			return false
		}
		return key.fileName == "" || m.fileName == key.fileName
	}
	results := idx.Search(emb.Values, 1, c.Threshold(emb.Codec), filter)

	var hit *Hit
	if len(results) > 0 {
		r := results[0]
		hit = &Hit{
			ID:         r.ID,
			Query:      r.Meta.query,
			Response:   r.Meta.response,
			Similarity: r.Similarity,
			Codec:      r.Meta.codec,
		}
	}
	c.remember(key, gen, hit)
	recordLookup(hit)
	return hit, nil
}

func recordLookup(hit *Hit) {
	if hit != nil {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
}

// RecordHit bumps hitCount and lastHitAt of a served entry.
func (c *Cache) RecordHit(ctx context.Context, uid, id string) error {
	path := entriesPath(uid) + "/" + id
	var e Entry
	if err := c.kv.Get(ctx, path, &e); err != nil {
		return fmt.Errorf("reading cache entry %s: %w", id, err)
	}
	err := c.kv.Update(ctx, path, map[string]any{
		"hitCount":  e.HitCount + 1,
		"lastHitAt": c.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("recording hit on %s: %w", id, err)
	}
	return nil
}

// Store persists a new entry for query and returns its id. Near-duplicates
// are never overwritten; pruning removes them.
func (c *Cache) Store(ctx context.Context, uid, query, response string, file *FileContext) (string, error) {
	emb, err := c.encoder.Encode(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embedding query: %w", err)
	}

	e := Entry{
		Query:     query,
		Response:  response,
		Embedding: emb.Values,
		Codec:     emb.Codec,
		CreatedAt: c.now().UnixMilli(),
	}
	if file != nil {
		e.FileName = file.Name
		e.FileSize = file.Size
	}

	id, err := c.kv.Push(ctx, entriesPath(uid), e)
	if err != nil {
		return "", fmt.Errorf("persisting cache entry: %w", err)
	}

	c.index.Add(uid, e.Embedding, entryMeta{
		query:    e.Query,
		response: e.Response,
		codec:    e.Codec,
		fileName: e.FileName,
	}, id)
	c.forget(uid)
	return id, nil
}

// Prune removes entries older than maxAge whose hitCount is below minHits.
// Both conditions must hold. Zero arguments use the configured defaults.
func (c *Cache) Prune(ctx context.Context, uid string, maxAge time.Duration, minHits int) (int, error) {
	if maxAge <= 0 {
		maxAge = c.cfg.MaxAge
	}
	if minHits <= 0 {
		minHits = c.cfg.MinHits
	}

	nodes, err := c.kv.List(ctx, entriesPath(uid))
	if err != nil {
		return 0, fmt.Errorf("listing cache entries: %w", err)
	}

	cutoff := c.now().Add(-maxAge).UnixMilli()
	removed := 0
	var errs []error
	for _, n := range nodes {
		var e Entry
		if err := n.Decode(&e); err != nil {
			continue
		}
		if e.CreatedAt < cutoff && e.HitCount < minHits {
			if err := c.kv.Remove(ctx, entriesPath(uid)+"/"+n.Key); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	c.index.Invalidate(uid)
	c.forget(uid)
	if removed > 0 {
		c.logger.Info("pruned cache entries", "user", uid, "removed", removed)
	}
	return removed, errors.Join(errs...)
}

// Clear removes every entry for uid.
func (c *Cache) Clear(ctx context.Context, uid string) error {
	if err := c.kv.Remove(ctx, entriesPath(uid)); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	c.index.Invalidate(uid)
	c.forget(uid)
	return nil
}

func (c *Cache) Stats(ctx context.Context, uid string) (Stats, error) {
	nodes, err := c.kv.List(ctx, entriesPath(uid))
	if err != nil {
		return Stats{}, fmt.Errorf("listing cache entries: %w", err)
	}
	var s Stats
	for _, n := range nodes {
		var e Entry
		if err := n.Decode(&e); err != nil {
			continue
		}
		s.Entries++
		s.TotalHits += e.HitCount
		created := time.UnixMilli(e.CreatedAt).UTC()
		if s.Oldest.IsZero() || created.Before(s.Oldest) {
			s.Oldest = created
		}
		if created.After(s.Newest) {
			s.Newest = created
		}
	}
	return s, nil
}

func (c *Cache) memoGeneration(uid string) uint64 {
	c.memoMu.Lock()
	defer c.memoMu.Unlock()
	return c.memoGen[uid]
}

// remember memoizes a lookup result unless uid's entries changed since gen.
func (c *Cache) remember(key memoKey, gen uint64, hit *Hit) {
	c.memoMu.Lock()
	defer c.memoMu.Unlock()
	if c.memoGen[key.uid] != gen {
		return
	}
	c.memo.Add(key, hit)
}

// forget drops memoized lookups for uid.
func (c *Cache) forget(uid string) {
	c.memoMu.Lock()
	defer c.memoMu.Unlock()
	c.memoGen[uid]++
	for _, k := range c.memo.Keys() {
		if k.uid == uid {
			c.memo.Remove(k)
		}
	}
}
