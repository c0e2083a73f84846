package embedding

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRemoteMemoSize bounds how many distinct texts Remote remembers when
// no size is configured. Evicted texts are requested again on next use.
const DefaultRemoteMemoSize = 4096

type memoEntry struct {
	text string
	vec  []float32
}

// Remote encodes through an Embedder and memoizes the most recent results by
// Hash(text). The source text is kept with each vector so a hash collision is
// treated as a miss.
type Remote struct {
	embedder Embedder
	memo     *lru.Cache[int32, memoEntry]
}

// NewRemote memoizes up to memoSize texts; memoSize <= 0 uses
// DefaultRemoteMemoSize.
func NewRemote(e Embedder, memoSize int) *Remote {
	if memoSize <= 0 {
		memoSize = DefaultRemoteMemoSize
	}
	memo, _ := lru.New[int32, memoEntry](memoSize) // errors only for size <= 0
	return &Remote{embedder: e, memo: memo}
}

func (r *Remote) Name() string { return CodecRemote }

func (r *Remote) Encode(ctx context.Context, text string) ([]float32, error) {
	key := Hash(text)

	if e, ok := r.memo.Get(key); ok && e.text == text {
		return e.vec, nil
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("remote embedding: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("remote embedding: empty vector")
	}

	r.memo.Add(key, memoEntry{text: text, vec: vec})
	return vec, nil
}

// Len reports how many texts are memoized.
func (r *Remote) Len() int {
	return r.memo.Len()
}
