// Package hashing provides a deterministic feature-hashing embedder. It needs
// no model server, which makes it the offline default and the test embedder.
package hashing

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/kirillkom/medrag/internal/core/textnorm"
)

const (
	DefaultDimensions = 384

	termWeight    = 1.0
	bigramWeight  = 0.5
	trigramWeight = 0.25
)

type Embedder struct {
	dims int
}

func New(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{dims: dims}
}

func (e *Embedder) Dimensions() int {
	return e.dims
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.vector(text))
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

// vector never returns the zero vector: text without index terms, such as
// stopwords or punctuation only, is hashed by its raw lowercase words.
func (e *Embedder) vector(text string) []float32 {
	terms := textnorm.Terms(text)
	if len(terms) == 0 {
		terms = strings.Fields(strings.ToLower(text))
	}
	if len(terms) == 0 {
		terms = []string{"\x00" + text}
	}
	acc := make([]float64, e.dims)

	tf := make(map[string]float64, len(terms))
	for _, term := range terms {
		tf[term]++
	}
	for term, n := range tf {
		w := termWeight * (1 + math.Log(n))
		e.add(acc, "t:"+term, w)
		runes := []rune(term)
		for i := 0; i+3 <= len(runes); i++ {
			e.add(acc, "c:"+string(runes[i:i+3]), trigramWeight*w)
		}
	}
	for i := 0; i+1 < len(terms); i++ {
		e.add(acc, "b:"+terms[i]+" "+terms[i+1], bigramWeight)
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, e.dims)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

// add uses the top hash bit as the sign so colliding features tend to cancel.
func (e *Embedder) add(acc []float64, feature string, weight float64) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum32()
	idx := int(sum % uint32(e.dims))
	if sum&(1<<31) != 0 {
		weight = -weight
	}
	acc[idx] += weight
}
