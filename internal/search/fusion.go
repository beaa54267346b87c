package search

import (
	"sort"

	"github.com/trial-match-server/internal/domain"
)

// DefaultRRFK is the reciprocal rank fusion constant. 60 is the standard
// choice and keeps fused scores reproducible across deployments.
const DefaultRRFK = 60

// FuseRRF rescores the lexical candidates with reciprocal rank fusion
// against the dense ranking. Each candidate's fused score is the sum of
// 1/(k+rank) over the rankings it appears in, with ranks starting at 1.
// Only lexical candidates are kept; dense-only ids are not re-admitted.
// Ties break by original lexical rank, so the output is deterministic.
func FuseRRF(lexical []domain.ScoredDoc, dense []domain.DenseHit, k int) []domain.ScoredDoc {
	if k <= 0 {
		k = DefaultRRFK
	}
	if len(lexical) == 0 {
		return lexical
	}

	denseRank := make(map[string]int, len(dense))
	for i, hit := range dense {
		if _, dup := denseRank[hit.NCTID]; !dup {
			denseRank[hit.NCTID] = i + 1
		}
	}

	type fused struct {
		doc     domain.ScoredDoc
		score   float64
		lexRank int
	}
	out := make([]fused, len(lexical))
	for i, sd := range lexical {
		score := 1.0 / float64(k+i+1)
		if r, ok := denseRank[sd.Doc.NCTID]; ok {
			score += 1.0 / float64(k+r)
		}
		out[i] = fused{doc: sd, score: score, lexRank: i}
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].score != out[b].score {
			return out[a].score > out[b].score
		}
		return out[a].lexRank < out[b].lexRank
	})

	result := make([]domain.ScoredDoc, len(out))
	for i, f := range out {
		f.doc.Score = f.score
		result[i] = f.doc
	}
	return result
}

// RRFOrder fuses two plain id rankings and returns the merged order, ids
// from either list admitted. Used where no documents are attached yet.
func RRFOrder(lexicalIDs, denseIDs []string, k int) []string {
	if k <= 0 {
		k = DefaultRRFK
	}
	scores := make(map[string]float64)
	lexRank := make(map[string]int)
	order := []string{}

	admit := func(id string) {
		if _, seen := scores[id]; !seen {
			scores[id] = 0
			order = append(order, id)
		}
	}
	for i, id := range lexicalIDs {
		admit(id)
		scores[id] += 1.0 / float64(k+i+1)
		if _, dup := lexRank[id]; !dup {
			lexRank[id] = i
		}
	}
	for i, id := range denseIDs {
		admit(id)
		scores[id] += 1.0 / float64(k+i+1)
	}

	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := scores[order[a]], scores[order[b]]
		if sa != sb {
			return sa > sb
		}
		ra, aok := lexRank[order[a]]
		rb, bok := lexRank[order[b]]
		switch {
		case aok && bok:
			return ra < rb
		case aok:
			return true
		default:
			return false
		}
	})
	return order
}

// MinMaxNormalize maps values onto [0,1]. A constant list maps to all ones
// so a single candidate keeps full retrieval weight.
func MinMaxNormalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	if hi == lo {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	span := hi - lo
	for i, v := range values {
		out[i] = (v - lo) / span
	}
	return out
}
