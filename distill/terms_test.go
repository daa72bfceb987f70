package distill

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestIdentifyTerms(t *testing.T) {
	t.Parallel()

	text := "The API feeds DataFrame batches into machine-learning models. API calls are cheap."
	got := IdentifyTerms(text)
	want := []string{"API", "DataFrame", "machine-learning"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("terms=%v, want %v", got, want)
	}

	if got := IdentifyTerms("plain words only"); len(got) != 0 {
		t.Fatalf("terms=%v, want none", got)
	}
}

func TestTermBank_LookupIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	bank := TermBank{Version: 1, Entries: []TermDefinition{
		{Term: "gRPC", Definition: "an RPC framework", Count: 2},
	}}

	def, ok := bank.Lookup("GRPC")
	if !ok {
		t.Fatal("Lookup(GRPC) missed")
	}
	if def.Term != "gRPC" {
		t.Fatalf("term=%q, want gRPC", def.Term)
	}
	if _, ok := bank.Lookup("unknown"); ok {
		t.Fatal("Lookup(unknown) hit")
	}
}

func TestTermBank_Merge(t *testing.T) {
	t.Parallel()

	var bank TermBank
	bank.Merge([]TermDefinition{
		{Term: "API", Definition: "application programming interface"},
		{Term: "LRU", Definition: ""},
	})
	bank.Merge([]TermDefinition{
		{Term: "api"},
		{Term: "LRU", Definition: "least recently used eviction"},
	})

	if len(bank.Entries) != 2 {
		t.Fatalf("entries=%d, want 2", len(bank.Entries))
	}

	// api was seen twice and sorts first.
	if bank.Entries[0].Term != "API" || bank.Entries[0].Count != 2 {
		t.Fatalf("entry0=%+v, want API with count 2", bank.Entries[0])
	}
	if bank.Entries[0].Definition != "application programming interface" {
		t.Fatalf("definition=%q, first non-empty should win", bank.Entries[0].Definition)
	}

	// The empty LRU definition was backfilled on the second merge.
	if bank.Entries[1].Term != "LRU" || bank.Entries[1].Definition != "least recently used eviction" {
		t.Fatalf("entry1=%+v", bank.Entries[1])
	}
}

func TestTermBank_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "term_bank.json")

	// Missing file loads as an empty bank.
	empty, err := LoadTermBank(path)
	if err != nil {
		t.Fatalf("LoadTermBank(missing): %v", err)
	}
	if empty.Version != 1 || len(empty.Entries) != 0 {
		t.Fatalf("empty bank=%+v", empty)
	}

	bank := TermBank{Version: 1, Entries: []TermDefinition{
		{Term: "API", Definition: "application programming interface", Count: 3, Source: "gpt-4"},
	}}
	if err := SaveTermBank(path, bank); err != nil {
		t.Fatalf("SaveTermBank: %v", err)
	}

	loaded, err := LoadTermBank(path)
	if err != nil {
		t.Fatalf("LoadTermBank: %v", err)
	}
	if !reflect.DeepEqual(loaded, bank) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", loaded, bank)
	}
}

func TestTermCache(t *testing.T) {
	t.Parallel()

	cache, err := NewTermCache(2)
	if err != nil {
		t.Fatalf("NewTermCache: %v", err)
	}

	cache.Add(TermDefinition{Term: "API", Definition: "def"})
	if def, ok := cache.Get("api"); !ok || def.Term != "API" {
		t.Fatalf("Get(api)=%+v,%v", def, ok)
	}

	// Capacity is bounded; the oldest entry is evicted.
	cache.Add(TermDefinition{Term: "LRU", Definition: "d2"})
	cache.Add(TermDefinition{Term: "TLS", Definition: "d3"})
	if cache.Len() != 2 {
		t.Fatalf("Len=%d, want 2", cache.Len())
	}
	if _, ok := cache.Get("API"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
}

func TestTermIntegrator_ExplainsOncePerRun(t *testing.T) {
	t.Parallel()

	ti := NewTermIntegrator()
	defs := []TermDefinition{{Term: "API", Definition: "application programming interface"}}

	first := ti.Integrate("The API handles auth. The API also routes.", defs)
	want := "The API (application programming interface) handles auth. The API also routes."
	if first != want {
		t.Fatalf("first=%q\nwant %q", first, want)
	}

	// A later chunk mentioning the same term is left alone.
	second := ti.Integrate("The API does more.", defs)
	if second != "The API does more." {
		t.Fatalf("second=%q, term should not be re-explained", second)
	}
}

func TestTermIntegrator_SkipsAbsentAndUndefinedTerms(t *testing.T) {
	t.Parallel()

	ti := NewTermIntegrator()
	out := ti.Integrate("no mention here", []TermDefinition{
		{Term: "API", Definition: "def"},
		{Term: "TLS"},
	})
	if out != "no mention here" {
		t.Fatalf("out=%q, want unchanged", out)
	}
}
