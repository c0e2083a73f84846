package embedding

import (
	"context"
	"math"
	"strings"
	"unicode"
	"unicode/utf16"
)

// DefaultLocalDimensions is the width of the local hash accumulator.
const DefaultLocalDimensions = 300

// Hash is the classic h = h*31 + c rolling hash over UTF-16 code units,
// wrapping at 32 bits.
func Hash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	return h
}

// Local is the deterministic fallback encoder: every word is hashed into a
// fixed-width accumulator which is then L2-normalized.
type Local struct {
	Dimensions int
}

func NewLocal(dims int) *Local {
	if dims <= 0 {
		dims = DefaultLocalDimensions
	}
	return &Local{Dimensions: dims}
}

func (l *Local) Name() string { return CodecLocal }

// Encode never fails. Text without words yields the zero vector.
func (l *Local) Encode(_ context.Context, text string) ([]float32, error) {
	return l.Vector(text), nil
}

func (l *Local) Vector(text string) []float32 {
	dims := l.Dimensions
	if dims <= 0 {
		dims = DefaultLocalDimensions
	}
	acc := make([]float64, dims)
	for _, w := range words(text) {
		h := int64(Hash(w))
		if h < 0 {
			h = -h
		}
		acc[h%int64(dims)]++
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, dims)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
