// Package lexical scores query/passage relevance from term coverage, phrase
// matches and term proximity. It is the local stand-in for a cross-encoder.
package lexical

import (
	"context"
	"sort"

	"github.com/kirillkom/medrag/internal/core/textnorm"
)

const (
	coverageWeight  = 0.60
	bigramWeight    = 0.25
	proximityWeight = 0.15
)

type Scorer struct{}

func New() *Scorer {
	return &Scorer{}
}

// Score returns a relevance value in [0, 1].
func (s *Scorer) Score(ctx context.Context, query, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	queryTerms := textnorm.Terms(query)
	passage := textnorm.Terms(text)
	if len(queryTerms) == 0 || len(passage) == 0 {
		return 0, nil
	}

	positions := make(map[string][]int, len(passage))
	for i, term := range passage {
		positions[term] = append(positions[term], i)
	}

	wanted := distinct(queryTerms)
	matched := 0
	for _, term := range wanted {
		if len(positions[term]) > 0 {
			matched++
		}
	}
	if matched == 0 {
		return 0, nil
	}
	coverage := float64(matched) / float64(len(wanted))

	return coverageWeight*coverage +
		bigramWeight*bigramCoverage(queryTerms, passage) +
		proximityWeight*proximity(wanted, positions, matched), nil
}

func bigramCoverage(query, passage []string) float64 {
	if len(query) < 2 {
		return 0
	}
	pairs := make(map[[2]string]struct{}, len(passage))
	for i := 0; i+1 < len(passage); i++ {
		pairs[[2]string{passage[i], passage[i+1]}] = struct{}{}
	}
	hits := 0
	for i := 0; i+1 < len(query); i++ {
		if _, ok := pairs[[2]string{query[i], query[i+1]}]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query)-1)
}

// proximity is matched/width of the narrowest passage window that contains
// every matched query term at least once.
func proximity(wanted []string, positions map[string][]int, matched int) float64 {
	if matched == 1 {
		return 1
	}
	type occurrence struct {
		pos  int
		term int
	}
	var occ []occurrence
	for ti, term := range wanted {
		for _, p := range positions[term] {
			occ = append(occ, occurrence{pos: p, term: ti})
		}
	}
	sort.Slice(occ, func(i, j int) bool { return occ[i].pos < occ[j].pos })

	counts := make(map[int]int, matched)
	best := -1
	left := 0
	for right := range occ {
		counts[occ[right].term]++
		for len(counts) == matched {
			if width := occ[right].pos - occ[left].pos + 1; best < 0 || width < best {
				best = width
			}
			counts[occ[left].term]--
			if counts[occ[left].term] == 0 {
				delete(counts, occ[left].term)
			}
			left++
		}
	}
	if best <= 0 {
		return 0
	}
	return float64(matched) / float64(best)
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
