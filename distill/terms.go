package distill

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/theimaginaryfoundation/podcast-distiller/distill/fileutils"
)

var (
	acronymPattern   = regexp.MustCompile(`\b[A-Z]{2,}[0-9]*\b`)
	camelPattern     = regexp.MustCompile(`\b[A-Z][a-z]+(?:[A-Z][a-z0-9]+)+\b`)
	hyphenatedTechRe = regexp.MustCompile(`\b[a-z]+(?:-[a-z]+)+\b`)
)

// IdentifyTerms extracts candidate technical terms from text: acronyms,
// CamelCase identifiers, and hyphenated compounds. The result is
// deduplicated and sorted.
func IdentifyTerms(text string) []string {
	seen := make(map[string]string)
	for _, t := range acronymPattern.FindAllString(text, -1) {
		seen[strings.ToLower(t)] = t
	}
	for _, t := range camelPattern.FindAllString(text, -1) {
		seen[strings.ToLower(t)] = t
	}
	for _, t := range hyphenatedTechRe.FindAllString(text, -1) {
		seen[strings.ToLower(t)] = t
	}

	terms := make([]string, 0, len(seen))
	for _, t := range seen {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

// TermDefinition is one explained technical term.
type TermDefinition struct {
	Term       string `json:"term"`
	Definition string `json:"definition,omitempty"`
	Count      int    `json:"count"`
	Source     string `json:"source,omitempty"`
}

// TermBank is the persisted set of explained terms, shared across runs so
// explanations stay consistent and are never regenerated.
type TermBank struct {
	Version int              `json:"version"`
	Entries []TermDefinition `json:"entries"`
}

// LoadTermBank reads a term bank JSON file. A missing file yields an empty
// bank.
func LoadTermBank(path string) (TermBank, error) {
	if path == "" {
		return TermBank{}, errors.New("LoadTermBank: path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TermBank{Version: 1, Entries: []TermDefinition{}}, nil
		}
		return TermBank{}, fmt.Errorf("LoadTermBank: read file: %w", err)
	}
	var bank TermBank
	if err := json.Unmarshal(b, &bank); err != nil {
		return TermBank{}, fmt.Errorf("LoadTermBank: unmarshal: %w", err)
	}
	if bank.Version == 0 {
		bank.Version = 1
	}
	if bank.Entries == nil {
		bank.Entries = []TermDefinition{}
	}
	return bank, nil
}

// SaveTermBank writes the term bank JSON file atomically.
func SaveTermBank(path string, bank TermBank) error {
	if path == "" {
		return errors.New("SaveTermBank: path is empty")
	}
	b, err := json.MarshalIndent(bank, "", "  ")
	if err != nil {
		return fmt.Errorf("SaveTermBank: marshal: %w", err)
	}
	if err := fileutils.WriteFileAtomicSameDir(path, b, 0o644); err != nil {
		return fmt.Errorf("SaveTermBank: write: %w", err)
	}
	return nil
}

// Lookup returns the stored definition for a term, case-insensitively.
func (b *TermBank) Lookup(term string) (TermDefinition, bool) {
	key := normalizeTermKey(term)
	for i := range b.Entries {
		if normalizeTermKey(b.Entries[i].Term) == key {
			return b.Entries[i], true
		}
	}
	return TermDefinition{}, false
}

// Merge applies new definitions, bumping counts for terms already present
// and keeping the first non-empty definition seen. Entries stay sorted by
// descending count, then term.
func (b *TermBank) Merge(defs []TermDefinition) {
	if b.Version == 0 {
		b.Version = 1
	}
	if b.Entries == nil {
		b.Entries = []TermDefinition{}
	}

	index := make(map[string]int, len(b.Entries))
	for i := range b.Entries {
		index[normalizeTermKey(b.Entries[i].Term)] = i
	}

	for _, def := range defs {
		key := normalizeTermKey(def.Term)
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			b.Entries[i].Count++
			if b.Entries[i].Definition == "" && def.Definition != "" {
				b.Entries[i].Definition = def.Definition
				b.Entries[i].Source = def.Source
			}
			continue
		}
		entry := def
		if entry.Count == 0 {
			entry.Count = 1
		}
		index[key] = len(b.Entries)
		b.Entries = append(b.Entries, entry)
	}

	sort.SliceStable(b.Entries, func(i, j int) bool {
		if b.Entries[i].Count != b.Entries[j].Count {
			return b.Entries[i].Count > b.Entries[j].Count
		}
		return normalizeTermKey(b.Entries[i].Term) < normalizeTermKey(b.Entries[j].Term)
	})
}

func normalizeTermKey(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// TermCache is a bounded in-memory cache of term definitions used during a
// run, in front of the persisted bank.
type TermCache struct {
	cache *lru.Cache[string, TermDefinition]
}

// NewTermCache creates a cache holding at most size definitions.
func NewTermCache(size int) (*TermCache, error) {
	c, err := lru.New[string, TermDefinition](size)
	if err != nil {
		return nil, fmt.Errorf("NewTermCache: %w", err)
	}
	return &TermCache{cache: c}, nil
}

func (c *TermCache) Get(term string) (TermDefinition, bool) {
	return c.cache.Get(normalizeTermKey(term))
}

func (c *TermCache) Add(def TermDefinition) {
	key := normalizeTermKey(def.Term)
	if key == "" {
		return
	}
	c.cache.Add(key, def)
}

func (c *TermCache) Len() int { return c.cache.Len() }

// TermIntegrator appends definitions to summaries at each term's first
// mention across the whole run, so a term is explained once per document
// rather than once per chunk.
type TermIntegrator struct {
	explained map[string]bool
}

func NewTermIntegrator() *TermIntegrator {
	return &TermIntegrator{explained: make(map[string]bool)}
}

// Integrate rewrites summary so the first occurrence of each not-yet-
// explained term is followed by its definition in parentheses.
func (ti *TermIntegrator) Integrate(summary string, defs []TermDefinition) string {
	out := summary
	for _, def := range defs {
		key := normalizeTermKey(def.Term)
		if key == "" || def.Definition == "" || ti.explained[key] {
			continue
		}
		pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(def.Term) + `\b`)
		if err != nil {
			continue
		}
		loc := pattern.FindStringIndex(out)
		if loc == nil {
			continue
		}
		mention := out[loc[0]:loc[1]]
		out = out[:loc[0]] + mention + " (" + def.Definition + ")" + out[loc[1]:]
		ti.explained[key] = true
	}
	return out
}
