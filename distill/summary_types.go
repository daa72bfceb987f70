package distill

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ChunkSummary is the model-produced summary artifact for one chunk.
type ChunkSummary struct {
	ChunkIndex int      `json:"chunk_index"`
	Speakers   []string `json:"speakers,omitempty"`

	// Summary is a tight prose summary of the chunk.
	Summary string `json:"summary"`

	// KeyPoints are bullet-style claims/facts worth retrieving later.
	KeyPoints []string `json:"key_points,omitempty"`

	// Terms are technical terms the model surfaced in this chunk.
	Terms []string `json:"terms,omitempty"`

	// Metrics are the quality scores the summary was gated on.
	Metrics QualityMetrics `json:"metrics"`

	// Retries is how many times the summary was regenerated before it
	// passed the quality gate.
	Retries int `json:"retries"`

	// ContextUsed records whether prior-chunk context informed the prompt.
	ContextUsed bool `json:"context_used"`
}

// TranscriptSummary is the aggregated final artifact for a whole transcript.
type TranscriptSummary struct {
	SourceFile string   `json:"source_file"`
	ChunkCount int      `json:"chunk_count"`
	Speakers   []string `json:"speakers,omitempty"`

	// Summary is the combined section-by-section text.
	Summary string `json:"summary"`

	// Terms collects every explained technical term.
	Terms []TermDefinition `json:"terms,omitempty"`

	GeneratedAt string `json:"generated_at"`
}

// AggregateSummaries combines per-chunk summaries, in chunk order, into the
// final transcript summary.
func AggregateSummaries(sourceFile string, summaries []ChunkSummary, terms []TermDefinition) TranscriptSummary {
	sections := make([]string, 0, len(summaries))
	speakerSet := make(map[string]bool)
	for i, s := range summaries {
		sections = append(sections, fmt.Sprintf("Section %d:\n%s", i+1, strings.TrimSpace(s.Summary)))
		for _, sp := range s.Speakers {
			speakerSet[sp] = true
		}
	}

	speakers := make([]string, 0, len(speakerSet))
	for sp := range speakerSet {
		speakers = append(speakers, sp)
	}
	sort.Strings(speakers)

	return TranscriptSummary{
		SourceFile:  sourceFile,
		ChunkCount:  len(summaries),
		Speakers:    speakers,
		Summary:     strings.Join(sections, "\n\n"),
		Terms:       terms,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// RunReport captures run-level statistics written next to the summary.
type RunReport struct {
	SourceFile      string        `json:"source_file"`
	ChunkCount      int           `json:"chunk_count"`
	Duration        float64       `json:"duration_seconds"`
	APICalls        int64         `json:"api_calls"`
	Retries         int64         `json:"retries"`
	EmbedCacheHits  int64         `json:"embedding_cache_hits"`
	EmbedCacheMiss  int64         `json:"embedding_cache_misses"`
	TermCacheHits   int64         `json:"term_cache_hits"`
	ExplainedTerms  int           `json:"explained_terms"`
	Quality         QualityReport `json:"quality"`
	CompletedAt     string        `json:"completed_at"`
	ResumedChunks   int           `json:"resumed_chunks"`
	DurationPerItem float64       `json:"seconds_per_chunk"`
}
