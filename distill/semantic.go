package distill

import (
	"math"
	"sort"
)

// CosineSimilarity computes the cosine similarity of two equal-length
// embedding vectors. Mismatched or zero-length vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ContextEntry is one summarized chunk retained in the context window.
type ContextEntry struct {
	Chunk   Chunk
	Summary string
}

// ContextWindow keeps the most recent summarized chunks and surfaces the
// ones semantically relevant to the chunk currently being summarized.
// It is not safe for concurrent use; the pipeline summarizes chunks in
// order precisely so the window sees them in order.
type ContextWindow struct {
	size      int
	threshold float64
	entries   []ContextEntry
}

// NewContextWindow creates a window holding up to size entries and
// filtering relevance at the given similarity threshold. A size of 0
// disables context entirely.
func NewContextWindow(size int, threshold float64) *ContextWindow {
	return &ContextWindow{size: size, threshold: threshold}
}

// Update appends a summarized chunk, evicting the oldest entry once the
// window is full.
func (w *ContextWindow) Update(chunk Chunk, summary string) {
	if w.size <= 0 {
		return
	}
	w.entries = append(w.entries, ContextEntry{Chunk: chunk, Summary: summary})
	if len(w.entries) > w.size {
		w.entries = w.entries[1:]
	}
}

// Relevant returns the window entries whose embedding similarity to chunk
// exceeds the threshold, most similar first.
func (w *ContextWindow) Relevant(chunk Chunk) []ContextEntry {
	if len(w.entries) == 0 || len(chunk.Embedding) == 0 {
		return nil
	}

	type scored struct {
		entry      ContextEntry
		similarity float64
	}
	var hits []scored
	for _, entry := range w.entries {
		sim := CosineSimilarity(chunk.Embedding, entry.Chunk.Embedding)
		if sim > w.threshold {
			hits = append(hits, scored{entry: entry, similarity: sim})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].similarity > hits[j].similarity
	})

	relevant := make([]ContextEntry, 0, len(hits))
	for _, h := range hits {
		relevant = append(relevant, h.entry)
	}
	return relevant
}

// Len reports how many entries the window currently holds.
func (w *ContextWindow) Len() int { return len(w.entries) }
