package distill

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// Chunk is a summarizer-ready slice of a transcript.
type Chunk struct {
	Index    int      `json:"chunk_index"`
	Text     string   `json:"text"`
	Size     int      `json:"size"`
	Speakers []string `json:"speakers,omitempty"`

	// Embedding is populated by the semantic pass; it never leaves the
	// process.
	Embedding []float64 `json:"-"`
}

var speakerTagPattern = regexp.MustCompile(`(?m)^([A-Z][a-zA-Z]*)\s*:`)

// ChunkTranscript splits cleaned transcript text into paragraph-aligned
// chunks sized in words. Chunks target the optimal size, never grow past max
// mid-accumulation, and only the final chunk may fall below min. A single
// paragraph larger than max becomes its own chunk.
func ChunkTranscript(text string, sizes ChunkSizeSettings) ([]Chunk, error) {
	if sizes.Min <= 0 || sizes.Optimal < sizes.Min || sizes.Max < sizes.Optimal {
		return nil, errors.New("ChunkTranscript: invalid chunk sizes")
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil, errors.New("ChunkTranscript: transcript is empty")
	}

	var chunks []Chunk
	var current []string
	currentSize := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, buildChunk(len(chunks), current))
		current = nil
		currentSize = 0
	}

	for _, para := range paragraphs {
		paraSize := len(strings.Fields(para))

		if currentSize > 0 && currentSize+paraSize > sizes.Max {
			flush()
		}

		current = append(current, para)
		currentSize += paraSize

		if currentSize >= sizes.Optimal {
			flush()
		}
	}
	flush()

	return chunks, nil
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	paragraphs := make([]string, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			paragraphs = append(paragraphs, strings.TrimSpace(p))
		}
	}
	return paragraphs
}

func buildChunk(index int, paragraphs []string) Chunk {
	text := strings.Join(paragraphs, "\n\n")
	return Chunk{
		Index:    index,
		Text:     text,
		Size:     len(strings.Fields(text)),
		Speakers: ExtractSpeakers(text),
	}
}

// ExtractSpeakers returns the distinct speaker names tagged in the text
// ("Name:" at line start), sorted.
func ExtractSpeakers(text string) []string {
	seen := make(map[string]bool)
	for _, m := range speakerTagPattern.FindAllStringSubmatch(text, -1) {
		seen[m[1]] = true
	}
	speakers := make([]string, 0, len(seen))
	for s := range seen {
		speakers = append(speakers, s)
	}
	sort.Strings(speakers)
	return speakers
}

// OptimizeChunks merges adjacent chunks whose embeddings are more similar
// than threshold, as long as the merged size stays within maxSize. Chunk
// indices are renumbered afterwards. Chunks without embeddings are left
// alone.
func OptimizeChunks(chunks []Chunk, threshold float64, maxSize int) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	optimized := make([]Chunk, 0, len(chunks))
	current := chunks[0]
	for _, next := range chunks[1:] {
		similarity := 0.0
		if len(current.Embedding) > 0 && len(next.Embedding) > 0 {
			similarity = CosineSimilarity(current.Embedding, next.Embedding)
		}
		if similarity > threshold && current.Size+next.Size <= maxSize {
			current = mergeChunks(current, next)
			continue
		}
		optimized = append(optimized, current)
		current = next
	}
	optimized = append(optimized, current)

	for i := range optimized {
		optimized[i].Index = i
	}
	return optimized
}

func mergeChunks(a, b Chunk) Chunk {
	merged := Chunk{
		Index:    a.Index,
		Text:     a.Text + "\n\n" + b.Text,
		Size:     a.Size + b.Size,
		Speakers: mergeSpeakers(a.Speakers, b.Speakers),
	}
	if len(a.Embedding) == len(b.Embedding) && len(a.Embedding) > 0 {
		merged.Embedding = make([]float64, len(a.Embedding))
		for i := range a.Embedding {
			merged.Embedding[i] = (a.Embedding[i] + b.Embedding[i]) / 2
		}
	}
	return merged
}

func mergeSpeakers(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		seen[s] = true
	}
	merged := make([]string, 0, len(seen))
	for s := range seen {
		merged = append(merged, s)
	}
	sort.Strings(merged)
	return merged
}
