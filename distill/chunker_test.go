package distill

import (
	"reflect"
	"strings"
	"testing"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = "word"
	}
	return strings.Join(w, " ")
}

func TestChunkTranscript_TargetsOptimalSize(t *testing.T) {
	t.Parallel()

	// Three 6-word paragraphs with optimal=10: the first two accumulate to
	// 12 and flush, the third becomes the final short chunk.
	text := words(6) + "\n\n" + words(6) + "\n\n" + words(6)
	chunks, err := ChunkTranscript(text, ChunkSizeSettings{Min: 5, Optimal: 10, Max: 20})
	if err != nil {
		t.Fatalf("ChunkTranscript: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("len(chunks)=%d, want 2", len(chunks))
	}
	if chunks[0].Size != 12 {
		t.Fatalf("chunk0 size=%d, want 12", chunks[0].Size)
	}
	if chunks[1].Size != 6 {
		t.Fatalf("chunk1 size=%d, want 6", chunks[1].Size)
	}
	if chunks[0].Index != 0 || chunks[1].Index != 1 {
		t.Fatalf("indices=%d,%d, want 0,1", chunks[0].Index, chunks[1].Index)
	}
}

func TestChunkTranscript_NeverGrowsPastMax(t *testing.T) {
	t.Parallel()

	// 15 + 8 would exceed max=20, so the second paragraph starts a new chunk.
	text := words(15) + "\n\n" + words(8)
	chunks, err := ChunkTranscript(text, ChunkSizeSettings{Min: 5, Optimal: 16, Max: 20})
	if err != nil {
		t.Fatalf("ChunkTranscript: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("len(chunks)=%d, want 2", len(chunks))
	}
	if chunks[0].Size != 15 || chunks[1].Size != 8 {
		t.Fatalf("sizes=%d,%d, want 15,8", chunks[0].Size, chunks[1].Size)
	}
}

func TestChunkTranscript_OversizedParagraphStandsAlone(t *testing.T) {
	t.Parallel()

	text := words(3) + "\n\n" + words(30) + "\n\n" + words(3)
	chunks, err := ChunkTranscript(text, ChunkSizeSettings{Min: 2, Optimal: 5, Max: 10})
	if err != nil {
		t.Fatalf("ChunkTranscript: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks)=%d, want 3", len(chunks))
	}
	if chunks[1].Size != 30 {
		t.Fatalf("chunk1 size=%d, want 30", chunks[1].Size)
	}
}

func TestChunkTranscript_Errors(t *testing.T) {
	t.Parallel()

	if _, err := ChunkTranscript("some text", ChunkSizeSettings{Min: 10, Optimal: 5, Max: 20}); err == nil {
		t.Fatal("want error for optimal < min")
	}
	if _, err := ChunkTranscript("   \n\n  ", ChunkSizeSettings{Min: 1, Optimal: 2, Max: 3}); err == nil {
		t.Fatal("want error for empty transcript")
	}
}

func TestExtractSpeakers(t *testing.T) {
	t.Parallel()

	text := "Alice: hello there\nBob: hi\nAlice: more\nnot a speaker line"
	got := ExtractSpeakers(text)
	want := []string{"Alice", "Bob"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("speakers=%v, want %v", got, want)
	}
}

func TestOptimizeChunks_MergesSimilarNeighbors(t *testing.T) {
	t.Parallel()

	chunks := []Chunk{
		{Index: 0, Text: "a", Size: 5, Speakers: []string{"Alice"}, Embedding: []float64{1, 0}},
		{Index: 1, Text: "b", Size: 5, Speakers: []string{"Bob"}, Embedding: []float64{1, 0}},
		{Index: 2, Text: "c", Size: 5, Embedding: []float64{0, 1}},
	}

	got := OptimizeChunks(chunks, 0.8, 20)
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	if got[0].Text != "a\n\nb" || got[0].Size != 10 {
		t.Fatalf("merged chunk=%+v, want a+b with size 10", got[0])
	}
	if !reflect.DeepEqual(got[0].Speakers, []string{"Alice", "Bob"}) {
		t.Fatalf("merged speakers=%v", got[0].Speakers)
	}
	if got[0].Index != 0 || got[1].Index != 1 {
		t.Fatalf("indices=%d,%d, want renumbered 0,1", got[0].Index, got[1].Index)
	}
}

func TestOptimizeChunks_RespectsMaxSize(t *testing.T) {
	t.Parallel()

	chunks := []Chunk{
		{Index: 0, Text: "a", Size: 15, Embedding: []float64{1, 0}},
		{Index: 1, Text: "b", Size: 15, Embedding: []float64{1, 0}},
	}
	got := OptimizeChunks(chunks, 0.8, 20)
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (merge would exceed max size)", len(got))
	}
}

func TestOptimizeChunks_LeavesUnembeddedChunksAlone(t *testing.T) {
	t.Parallel()

	chunks := []Chunk{
		{Index: 0, Text: "a", Size: 5},
		{Index: 1, Text: "b", Size: 5},
	}
	got := OptimizeChunks(chunks, 0.1, 100)
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
}
