package chronicle

import (
	"math"
	"sort"
)

// --- Cosine similarity ---

// Cosine computes the cosine similarity between two float32 vectors.
// Returns 0 if the dimensions differ or either vector has zero norm.
// Deterministic for a given pair of inputs.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// --- k-nearest neighbours ---

// Neighbor is one scored entry returned by KNN.
type Neighbor struct {
	Item       Item
	Similarity float64
}

// KNN scores every item carrying an embedding against the query vector and
// returns the k most similar, descending. Ties break by ascending id so
// results are stable.
func KNN(query []float32, items []Item, k int) []Neighbor {
	if k <= 0 || len(query) == 0 {
		return nil
	}

	var scored []Neighbor
	for _, it := range items {
		if it.Embedding == nil {
			continue
		}
		scored = append(scored, Neighbor{Item: it, Similarity: Cosine(query, it.Embedding)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Item.ID < scored[j].Item.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// --- Memory entropy ---

// entropyBins is the histogram resolution for Entropy.
const entropyBins = 10

// Entropy computes the normalised Shannon entropy of a salience distribution.
// Values are bucketed into 10 equal bins over [0,1] (the last bin inclusive
// of 1.0); H is computed in bits and normalised by log2(10) so the result
// lands in [0,1]. Empty input yields 0.
func Entropy(saliences []float64) float64 {
	if len(saliences) == 0 {
		return 0
	}

	var counts [entropyBins]int
	for _, s := range saliences {
		bin := int(s * entropyBins)
		if bin >= entropyBins {
			bin = entropyBins - 1
		}
		if bin < 0 {
			bin = 0
		}
		counts[bin]++
	}

	total := float64(len(saliences))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}

	h /= math.Log2(entropyBins)
	return math.Min(math.Max(h, 0), 1)
}
