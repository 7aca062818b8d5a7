package usecase

import (
	"sort"

	"github.com/kirillkom/medrag/internal/core/domain"
)

type fusedCandidate struct {
	chunk    domain.RetrievedChunk
	semantic float64
	keyword  float64
}

// fuseWeighted merges two ranked lists with min-max normalized scores:
// fused = wSemantic*sem + wKeyword*kw, where a chunk missing from a list
// contributes 0 for it. The result does not depend on input order.
func fuseWeighted(semantic, keyword []domain.Hit, wSemantic, wKeyword float64) []domain.RetrievedChunk {
	semScores := normalizeHits(semantic)
	kwScores := normalizeHits(keyword)

	acc := make(map[string]*fusedCandidate, len(semScores)+len(kwScores))
	add := func(hits []domain.Hit, scores map[string]float64, assign func(*fusedCandidate, float64)) {
		for _, hit := range hits {
			candidate := acc[hit.ChunkID]
			if candidate == nil {
				candidate = &fusedCandidate{chunk: domain.RetrievedChunk{ChunkID: hit.ChunkID, ChunkIndex: -1}}
				acc[hit.ChunkID] = candidate
			}
			if candidate.chunk.DocumentID == "" {
				candidate.chunk.DocumentID = hit.DocumentID
			}
			assign(candidate, scores[hit.ChunkID])
		}
	}
	add(semantic, semScores, func(c *fusedCandidate, v float64) { c.semantic = v })
	add(keyword, kwScores, func(c *fusedCandidate, v float64) { c.keyword = v })

	out := make([]domain.RetrievedChunk, 0, len(acc))
	for _, c := range acc {
		chunk := c.chunk
		chunk.SemanticScore = c.semantic
		chunk.KeywordScore = c.keyword
		chunk.FusedScore = wSemantic*c.semantic + wKeyword*c.keyword
		chunk.Score = chunk.FusedScore
		out = append(out, chunk)
	}
	sortByScore(out)
	return out
}

// normalizeHits maps each chunk's best score into [0,1]. When every score is
// equal the list normalizes to 1.
func normalizeHits(hits []domain.Hit) map[string]float64 {
	raw := make(map[string]float64, len(hits))
	for _, hit := range hits {
		if current, ok := raw[hit.ChunkID]; !ok || hit.Score > current {
			raw[hit.ChunkID] = hit.Score
		}
	}
	if len(raw) == 0 {
		return raw
	}

	first := true
	var lo, hi float64
	for _, v := range raw {
		if first {
			lo, hi, first = v, v, false
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}

	out := make(map[string]float64, len(raw))
	span := hi - lo
	for id, v := range raw {
		if span <= 0 {
			out[id] = 1
			continue
		}
		out[id] = (v - lo) / span
	}
	return out
}

func sortByScore(chunks []domain.RetrievedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
}

func trimCandidates(chunks []domain.RetrievedChunk, limit int) []domain.RetrievedChunk {
	if limit <= 0 || len(chunks) <= limit {
		return chunks
	}
	return chunks[:limit]
}
