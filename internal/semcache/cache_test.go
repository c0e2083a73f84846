package semcache

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/studychat/internal/embedding"
	"github.com/kalambet/studychat/internal/storage"
)

// stubEncoder returns fixed vectors per text under a single codec.
type stubEncoder struct {
	codec   string
	vectors map[string][]float32
	err     error
}

func (s *stubEncoder) Encode(_ context.Context, text string) (embedding.Embedding, error) {
	if s.err != nil {
		return embedding.Embedding{}, s.err
	}
	v, ok := s.vectors[text]
	if !ok {
		v = []float32{0, 0, 1}
	}
	return embedding.Embedding{Values: v, Codec: s.codec}, nil
}

// failingKV implements storage.KV with every call failing.
type failingKV struct {
	listFn func(ctx context.Context, parent string) ([]storage.Node, error)
}

func (f *failingKV) Get(context.Context, string, any) error               { return errors.New("down") }
func (f *failingKV) Set(context.Context, string, any) error               { return errors.New("down") }
func (f *failingKV) Update(context.Context, string, map[string]any) error { return errors.New("down") }
func (f *failingKV) Remove(context.Context, string) error                 { return errors.New("down") }
func (f *failingKV) Push(context.Context, string, any) (string, error)    { return "", errors.New("down") }
func (f *failingKV) List(ctx context.Context, p string) ([]storage.Node, error) {
	return f.listFn(ctx, p)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCache(t *testing.T, kv storage.KV, enc Encoder) *Cache {
	t.Helper()
	c, err := New(kv, enc, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func remoteWaterCycle() *stubEncoder {
	return &stubEncoder{
		codec: embedding.CodecRemote,
		vectors: map[string][]float32{
			"explain the water cycle":          {1, 0.1, 0},
			"can you describe the water cycle": {0.9, 0.2, 0.05},
			"what is photosynthesis":           {0, 1, 0},
		},
	}
}

func TestStoreThenLookup_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), remoteWaterCycle())

	id, err := c.Store(ctx, "u1", "what is photosynthesis", "Photosynthesis is...", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	hit, err := c.Lookup(ctx, "u1", "what is photosynthesis", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil {
		t.Fatal("expected hit")
	}
	if hit.ID != id {
		t.Errorf("hit.ID = %q, want %q", hit.ID, id)
	}
	if hit.Response != "Photosynthesis is..." {
		t.Errorf("hit.Response = %q", hit.Response)
	}
	if math.Abs(hit.Similarity-1) > 1e-6 {
		t.Errorf("similarity = %v, want ~1", hit.Similarity)
	}
}

func TestLookup_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), remoteWaterCycle())
	if _, err := c.Store(ctx, "u1", "explain the water cycle", "Water evaporates...", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	first, err := c.Lookup(ctx, "u1", "can you describe the water cycle", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	second, err := c.Lookup(ctx, "u1", "can you describe the water cycle", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if first == nil || second == nil {
		t.Fatal("expected hits")
	}
	if first.ID != second.ID || first.Similarity != second.Similarity {
		t.Errorf("lookups differ: %+v vs %+v", first, second)
	}
}

func TestLookup_RemoteParaphraseMatches(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), remoteWaterCycle())
	if _, err := c.Store(ctx, "u1", "explain the water cycle", "Water evaporates...", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	hit, err := c.Lookup(ctx, "u1", "can you describe the water cycle", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil {
		t.Fatal("paraphrase should hit at the remote threshold")
	}
	if hit.Similarity < DefaultRemoteThreshold {
		t.Errorf("similarity %v below %v", hit.Similarity, DefaultRemoteThreshold)
	}
}

func TestLookup_LocalCodecUsesItsOwnThreshold(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), embedding.NewChain(nil, embedding.NewLocal(0)))

	if _, err := c.Store(ctx, "u1", "explain the water cycle", "Water evaporates...", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	hit, err := c.Lookup(ctx, "u1", "Explain the water cycle!", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil {
		t.Fatal("same words should hit with the local codec")
	}

	hit, err = c.Lookup(ctx, "u1", "can you describe the water cycle", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("paraphrase matched at %v, expected a miss at %v", hit.Similarity, DefaultLocalThreshold)
	}
}

func TestLookup_FiltersByCodec(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t)

	local := newTestCache(t, kv, &stubEncoder{codec: embedding.CodecLocal, vectors: map[string][]float32{"q": {1, 0, 0}}})
	if _, err := local.Store(ctx, "u1", "q", "local answer", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	remote := newTestCache(t, kv, &stubEncoder{codec: embedding.CodecRemote, vectors: map[string][]float32{"q": {1, 0, 0}}})
	hit, err := remote.Lookup(ctx, "u1", "q", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("remote lookup matched a local entry: %+v", hit)
	}
}

func TestLookup_FiltersByFile(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), remoteWaterCycle())

	if _, err := c.Store(ctx, "u1", "explain the water cycle", "From notes.pdf", &FileContext{Name: "notes.pdf", Size: 10}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	hit, err := c.Lookup(ctx, "u1", "explain the water cycle", &FileContext{Name: "other.pdf"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("lookup with another file matched: %+v", hit)
	}

	hit, err = c.Lookup(ctx, "u1", "explain the water cycle", &FileContext{Name: "notes.pdf"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil || hit.Response != "From notes.pdf" {
		t.Errorf("lookup with same file = %+v", hit)
	}
}

func TestLookup_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), remoteWaterCycle())
	if _, err := c.Store(ctx, "u1", "what is photosynthesis", "answer", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	hit, err := c.Lookup(ctx, "u2", "what is photosynthesis", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("u2 saw u1's entry: %+v", hit)
	}
}

func TestLookup_MissThenStoreInvalidatesMemo(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), remoteWaterCycle())

	hit, err := c.Lookup(ctx, "u1", "what is photosynthesis", nil)
	if err != nil || hit != nil {
		t.Fatalf("first Lookup = %+v, %v; want miss", hit, err)
	}
	if _, err := c.Store(ctx, "u1", "what is photosynthesis", "answer", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	hit, err = c.Lookup(ctx, "u1", "what is photosynthesis", nil)
	if err != nil || hit == nil {
		t.Fatalf("Lookup after Store = %+v, %v; want hit", hit, err)
	}
}

// gatedEncoder blocks Encode calls while armed until release is closed.
type gatedEncoder struct {
	*stubEncoder
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEncoder) Encode(ctx context.Context, text string) (embedding.Embedding, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.stubEncoder.Encode(ctx, text)
}

func TestLookup_RacingClearIsNotMemoized(t *testing.T) {
	ctx := context.Background()
	enc := &gatedEncoder{
		stubEncoder: remoteWaterCycle(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	c := newTestCache(t, openTestStore(t), enc)
	if _, err := c.Store(ctx, "u1", "what is photosynthesis", "answer", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	enc.armed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Lookup(ctx, "u1", "what is photosynthesis", nil)
	}()
	<-enc.entered

	// The lookup already holds the index that still contains the entry.
	if err := c.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	close(enc.release)
	<-done

	hit, err := c.Lookup(ctx, "u1", "what is photosynthesis", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("Lookup after Clear = %+v, want miss", hit)
	}
}

// snapshotGateKV reads children normally, then blocks the first armed List
// until release is closed.
type snapshotGateKV struct {
	*storage.Store
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (g *snapshotGateKV) List(ctx context.Context, parent string) ([]storage.Node, error) {
	nodes, err := g.Store.List(ctx, parent)
	if g.armed.CompareAndSwap(true, false) {
		close(g.read)
		<-g.release
	}
	return nodes, err
}

func TestStore_DuringFirstLoadIsVisible(t *testing.T) {
	ctx := context.Background()
	kv := &snapshotGateKV{Store: openTestStore(t), read: make(chan struct{}), release: make(chan struct{})}
	c := newTestCache(t, kv, remoteWaterCycle())

	kv.armed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Lookup(ctx, "u1", "explain the water cycle", nil)
	}()
	<-kv.read

	if _, err := c.Store(ctx, "u1", "what is photosynthesis", "answer", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	close(kv.release)
	<-done

	hit, err := c.Lookup(ctx, "u1", "what is photosynthesis", nil)
	if err != nil || hit == nil {
		t.Fatalf("Lookup = %+v, %v; want the answer stored during the load", hit, err)
	}
	if hit.Response != "answer" {
		t.Errorf("Response = %q", hit.Response)
	}
}

func TestLookup_PersistenceFailureIsMiss(t *testing.T) {
	kv := &failingKV{listFn: func(context.Context, string) ([]storage.Node, error) {
		return nil, errors.New("connection refused")
	}}
	c := newTestCache(t, kv, remoteWaterCycle())

	hit, err := c.Lookup(context.Background(), "u1", "what is photosynthesis", nil)
	if err != nil {
		t.Fatalf("Lookup should swallow persistence errors, got %v", err)
	}
	if hit != nil {
		t.Errorf("expected miss, got %+v", hit)
	}
}

func TestLookup_DoesNotCountHits(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t)
	c := newTestCache(t, kv, remoteWaterCycle())

	id, err := c.Store(ctx, "u1", "what is photosynthesis", "answer", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	for range 3 {
		if _, err := c.Lookup(ctx, "u1", "what is photosynthesis", nil); err != nil {
			t.Fatalf("Lookup: %v", err)
		}
	}

	var e Entry
	if err := kv.Get(ctx, "embeddings/u1/"+id, &e); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.HitCount != 0 {
		t.Errorf("hitCount = %d after lookups, want 0", e.HitCount)
	}

	now := time.UnixMilli(1_700_000_000_000)
	c.SetClock(func() time.Time { return now })
	if err := c.RecordHit(ctx, "u1", id); err != nil {
		t.Fatalf("RecordHit: %v", err)
	}
	if err := kv.Get(ctx, "embeddings/u1/"+id, &e); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.HitCount != 1 || e.LastHitAt != now.UnixMilli() {
		t.Errorf("after RecordHit: hitCount=%d lastHitAt=%d", e.HitCount, e.LastHitAt)
	}
	if e.Response != "answer" {
		t.Errorf("RecordHit clobbered response: %q", e.Response)
	}
}

func TestPrune_RequiresAgeAndLowHits(t *testing.T) {
	ctx := context.Background()
	kv := openTestStore(t)
	enc := &stubEncoder{codec: embedding.CodecRemote, vectors: map[string][]float32{
		"old unused":  {1, 0, 0},
		"old popular": {0, 1, 0},
		"fresh":       {0, 0, 1},
	}}
	c := newTestCache(t, kv, enc)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-31 * 24 * time.Hour)

	c.SetClock(func() time.Time { return old })
	oldUnused, err := c.Store(ctx, "u1", "old unused", "a", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	oldPopular, err := c.Store(ctx, "u1", "old popular", "b", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	for range 2 {
		if err := c.RecordHit(ctx, "u1", oldPopular); err != nil {
			t.Fatalf("RecordHit: %v", err)
		}
	}

	c.SetClock(func() time.Time { return now })
	fresh, err := c.Store(ctx, "u1", "fresh", "c", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	removed, err := c.Prune(ctx, "u1", 30*24*time.Hour, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if err := kv.Get(ctx, "embeddings/u1/"+oldUnused, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old unused entry should be pruned, Get = %v", err)
	}
	for _, id := range []string{oldPopular, fresh} {
		if err := kv.Get(ctx, "embeddings/u1/"+id, nil); err != nil {
			t.Errorf("entry %s should be retained: %v", id, err)
		}
	}

	hit, err := c.Lookup(ctx, "u1", "old unused", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("pruned entry still served from index: %+v", hit)
	}
}

func TestClearAndStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), remoteWaterCycle())

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return t0 })
	id, err := c.Store(ctx, "u1", "what is photosynthesis", "a", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	c.SetClock(func() time.Time { return t0.Add(time.Hour) })
	if _, err := c.Store(ctx, "u1", "explain the water cycle", "b", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.RecordHit(ctx, "u1", id); err != nil {
		t.Fatalf("RecordHit: %v", err)
	}

	st, err := c.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Entries != 2 || st.TotalHits != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if !st.Oldest.Equal(t0) || !st.Newest.Equal(t0.Add(time.Hour)) {
		t.Errorf("Oldest/Newest = %v/%v", st.Oldest, st.Newest)
	}

	if _, err := c.Lookup(ctx, "u1", "what is photosynthesis", nil); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := c.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st, err = c.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Entries != 0 {
		t.Errorf("Entries = %d after Clear", st.Entries)
	}
	hit, err := c.Lookup(ctx, "u1", "what is photosynthesis", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("Lookup after Clear = %+v", hit)
	}
}
