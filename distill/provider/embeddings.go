package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEmbeddingModel is used when the settings don't name one.
const DefaultEmbeddingModel = "text-embedding-3-small"

// Embedder fetches embeddings through the provider client with an LRU cache
// keyed by content hash, so re-embedding the same text (retries, merged
// chunks, summaries) is free.
type Embedder struct {
	client *Client
	model  string
	cache  *lru.Cache[string, []float64]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewEmbedder creates an embedder caching up to cacheSize vectors.
func NewEmbedder(client *Client, model string, cacheSize int) (*Embedder, error) {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	cache, err := lru.New[string, []float64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("NewEmbedder: %w", err)
	}
	return &Embedder{client: client, model: model, cache: cache}, nil
}

// Embed returns the embedding vector for text, from cache when possible.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := embeddingKey(text)
	if v, ok := e.cache.Get(key); ok {
		e.hits.Add(1)
		return v, nil
	}
	e.misses.Add(1)

	v, err := e.client.NewEmbedding(ctx, e.model, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, v)
	return v, nil
}

// CacheStats reports cache hits and misses.
func (e *Embedder) CacheStats() (hits, misses int64) {
	return e.hits.Load(), e.misses.Load()
}

func embeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
