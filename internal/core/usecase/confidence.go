package usecase

import (
	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/textnorm"
)

type ConfidenceConfig struct {
	TopWeight     float64
	MarginWeight  float64
	SupportWeight float64
	OverlapWeight float64
	// RelevanceFloor is the score a chunk needs to count as support.
	RelevanceFloor    float64
	SupportSaturation int
	HighThreshold     float64
	MediumThreshold   float64
}

func DefaultConfidenceConfig() ConfidenceConfig {
	return ConfidenceConfig{
		TopWeight:         0.45,
		MarginWeight:      0.15,
		SupportWeight:     0.20,
		OverlapWeight:     0.20,
		RelevanceFloor:    0.3,
		SupportSaturation: 3,
		HighThreshold:     0.7,
		MediumThreshold:   0.5,
	}
}

func (c ConfidenceConfig) normalize() ConfidenceConfig {
	out := c
	def := DefaultConfidenceConfig()
	if out.TopWeight < 0 || out.MarginWeight < 0 || out.SupportWeight < 0 || out.OverlapWeight < 0 ||
		out.TopWeight+out.MarginWeight+out.SupportWeight+out.OverlapWeight == 0 {
		out.TopWeight, out.MarginWeight, out.SupportWeight, out.OverlapWeight =
			def.TopWeight, def.MarginWeight, def.SupportWeight, def.OverlapWeight
	}
	if out.RelevanceFloor <= 0 {
		out.RelevanceFloor = def.RelevanceFloor
	}
	if out.SupportSaturation <= 0 {
		out.SupportSaturation = def.SupportSaturation
	}
	if out.HighThreshold <= 0 {
		out.HighThreshold = def.HighThreshold
	}
	if out.MediumThreshold <= 0 || out.MediumThreshold > out.HighThreshold {
		out.MediumThreshold = min(def.MediumThreshold, out.HighThreshold)
	}
	return out
}

// ConfidenceScorer turns ranked evidence, and optionally a generated answer,
// into a score in [0,1]. The score is a non-negative weighted sum of its
// signals, so it never decreases when any signal increases.
type ConfidenceScorer struct {
	cfg ConfidenceConfig
}

func NewConfidenceScorer(cfg ConfidenceConfig) *ConfidenceScorer {
	return &ConfidenceScorer{cfg: cfg.normalize()}
}

// Score expects chunks ordered best first with scores in [0,1].
func (s *ConfidenceScorer) Score(chunks []domain.RetrievedChunk, answer string) domain.Confidence {
	return s.FromSignals(s.Signals(chunks, answer), answer != "")
}

func (s *ConfidenceScorer) Signals(chunks []domain.RetrievedChunk, answer string) domain.ConfidenceSignals {
	if len(chunks) == 0 {
		return domain.ConfidenceSignals{}
	}

	var sig domain.ConfidenceSignals
	sig.Top = clamp01(chunks[0].Score)
	if len(chunks) > 1 {
		sig.Margin = clamp01(sig.Top - clamp01(chunks[1].Score))
	} else {
		sig.Margin = sig.Top
	}

	supporting := 0
	for _, c := range chunks {
		if c.Score >= s.cfg.RelevanceFloor {
			supporting++
		}
	}
	sig.Support = float64(min(supporting, s.cfg.SupportSaturation)) / float64(s.cfg.SupportSaturation)

	if answer != "" {
		sig.Overlap = answerOverlap(answer, chunks)
	}
	return sig
}

// FromSignals combines signals. Without an answer the overlap weight is
// dropped and the remaining weights are rescaled to sum to one.
func (s *ConfidenceScorer) FromSignals(sig domain.ConfidenceSignals, withAnswer bool) domain.Confidence {
	wTop, wMargin, wSupport, wOverlap := s.cfg.TopWeight, s.cfg.MarginWeight, s.cfg.SupportWeight, s.cfg.OverlapWeight
	if !withAnswer {
		wOverlap = 0
	}
	total := wTop + wMargin + wSupport + wOverlap
	if total == 0 {
		return domain.Confidence{Level: domain.ConfidenceLow, Signals: sig}
	}

	score := (wTop*clamp01(sig.Top) +
		wMargin*clamp01(sig.Margin) +
		wSupport*clamp01(sig.Support) +
		wOverlap*clamp01(sig.Overlap)) / total
	score = clamp01(score)

	return domain.Confidence{Score: score, Level: s.level(score), Signals: sig}
}

func (s *ConfidenceScorer) level(score float64) domain.ConfidenceLevel {
	switch {
	case score >= s.cfg.HighThreshold:
		return domain.ConfidenceHigh
	case score >= s.cfg.MediumThreshold:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// answerOverlap is the share of distinct answer terms found in the evidence.
func answerOverlap(answer string, chunks []domain.RetrievedChunk) float64 {
	terms := textnorm.TermSet(answer)
	if len(terms) == 0 {
		return 0
	}
	evidence := make(map[string]struct{})
	for _, c := range chunks {
		for term := range textnorm.TermSet(c.Text) {
			evidence[term] = struct{}{}
		}
	}
	found := 0
	for term := range terms {
		if _, ok := evidence[term]; ok {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}
