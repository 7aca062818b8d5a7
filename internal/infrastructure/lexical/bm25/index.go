// Package bm25 is an in-memory inverted index scored with Okapi BM25.
package bm25

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/textnorm"
)

const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

type posting struct {
	documentID string
	length     int
	terms      map[string]int
}

type Index struct {
	k1 float64
	b  float64

	mu          sync.RWMutex
	chunks      map[string]*posting
	postings    map[string]map[string]int
	byDocument  map[string]map[string]struct{}
	totalLength int
}

func New() *Index {
	return NewWithParams(DefaultK1, DefaultB)
}

func NewWithParams(k1, b float64) *Index {
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b < 0 || b > 1 {
		b = DefaultB
	}
	return &Index{
		k1:         k1,
		b:          b,
		chunks:     make(map[string]*posting),
		postings:   make(map[string]map[string]int),
		byDocument: make(map[string]map[string]struct{}),
	}
}

// Add indexes chunks. Re-adding a chunk ID replaces its previous postings.
func (ix *Index) Add(ctx context.Context, chunks []domain.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, chunk := range chunks {
		if chunk.ID == "" {
			continue
		}
		ix.removeLocked(chunk.ID)

		terms := textnorm.Terms(chunk.Text)
		tf := make(map[string]int, len(terms))
		for _, term := range terms {
			tf[term]++
		}
		p := &posting{documentID: chunk.DocumentID, length: len(terms), terms: tf}
		ix.chunks[chunk.ID] = p
		ix.totalLength += p.length
		for term, freq := range tf {
			list := ix.postings[term]
			if list == nil {
				list = make(map[string]int)
				ix.postings[term] = list
			}
			list[chunk.ID] = freq
		}
		ids := ix.byDocument[chunk.DocumentID]
		if ids == nil {
			ids = make(map[string]struct{})
			ix.byDocument[chunk.DocumentID] = ids
		}
		ids[chunk.ID] = struct{}{}
	}
	return nil
}

func (ix *Index) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for id := range ix.byDocument[documentID] {
		ix.removeLocked(id)
	}
	delete(ix.byDocument, documentID)
	return nil
}

func (ix *Index) removeLocked(chunkID string) {
	p, ok := ix.chunks[chunkID]
	if !ok {
		return
	}
	for term := range p.terms {
		list := ix.postings[term]
		delete(list, chunkID)
		if len(list) == 0 {
			delete(ix.postings, term)
		}
	}
	ix.totalLength -= p.length
	delete(ix.chunks, chunkID)
	if ids := ix.byDocument[p.documentID]; ids != nil {
		delete(ids, chunkID)
		if len(ids) == 0 {
			delete(ix.byDocument, p.documentID)
		}
	}
}

// Search returns up to k chunks ordered by BM25 score, ties by chunk ID.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]domain.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	queryTerms := distinct(textnorm.Terms(query))
	if len(queryTerms) == 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := float64(len(ix.chunks))
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(ix.totalLength) / n
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		list := ix.postings[term]
		if len(list) == 0 {
			continue
		}
		df := float64(len(list))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for chunkID, freq := range list {
			tf := float64(freq)
			norm := 1 - ix.b + ix.b*float64(ix.chunks[chunkID].length)/avgLen
			scores[chunkID] += idf * (tf * (ix.k1 + 1)) / (tf + ix.k1*norm)
		}
	}

	hits := make([]domain.Hit, 0, len(scores))
	for chunkID, score := range scores {
		if math.IsNaN(score) || math.IsInf(score, 0) {
			continue
		}
		hits = append(hits, domain.Hit{
			ChunkID:    chunkID,
			DocumentID: ix.chunks[chunkID].documentID,
			Score:      score,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len reports the number of indexed chunks.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.chunks)
}

func distinct(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}
