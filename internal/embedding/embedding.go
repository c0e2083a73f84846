// Package embedding turns text into fixed-dimension vectors. A remote model
// is the primary encoder; a deterministic word-hash encoder is the fallback.
package embedding

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kalambet/studychat/internal/metrics"
)

// Codec names recorded next to persisted vectors.
const (
	CodecRemote = "remote"
	CodecLocal  = "local"
)

// Embedder is the remote embedding endpoint.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Codec encodes text into a vector and names the vector space it produces.
type Codec interface {
	Name() string
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Embedding is an encoded vector tagged with the codec that produced it.
type Embedding struct {
	Values []float32
	Codec  string
}

// Chain tries Primary and falls back to Fallback on any error. Primary may
// be nil, in which case Fallback is used directly.
type Chain struct {
	Primary  Codec
	Fallback Codec
	Logger   *slog.Logger
}

// NewChain returns a Chain logging through slog.Default.
func NewChain(primary, fallback Codec) *Chain {
	return &Chain{Primary: primary, Fallback: fallback, Logger: slog.Default()}
}

func (c *Chain) Encode(ctx context.Context, text string) (Embedding, error) {
	if c.Primary != nil {
		vec, err := c.Primary.Encode(ctx, text)
		if err == nil {
			return Embedding{Values: vec, Codec: c.Primary.Name()}, nil
		}
		if ctx.Err() != nil {
			return Embedding{}, ctx.Err()
		}
		c.logger().Warn("primary embedding failed, using fallback",
			"codec", c.Primary.Name(), "error", err)
		metrics.EmbeddingFallbacks.Inc()
	}
	if c.Fallback == nil {
		return Embedding{}, errors.New("no embedding codec configured")
	}
	vec, err := c.Fallback.Encode(ctx, text)
	if err != nil {
		return Embedding{}, err
	}
	return Embedding{Values: vec, Codec: c.Fallback.Name()}, nil
}

func (c *Chain) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
