package embed

import (
	"context"

	"github.com/dgraph-io/ristretto"
)

// Cached wraps a Provider with an in-process ristretto cache keyed by the
// exact input text. Retrieval embeds the same short queries over and over
// (task consumers poll with a fixed recency-biased query), so a small cache
// removes most provider round trips.
//
// The cache is best-effort: admission is probabilistic and a miss just means
// one extra provider call.
type Cached struct {
	provider Provider
	cache    *ristretto.Cache
}

// NewCached wraps provider with a cache holding up to maxEntries vectors.
func NewCached(provider Provider, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{provider: provider, cache: cache}, nil
}

// Embed returns the cached vector for text, calling the wrapped provider on
// a miss. Provider errors are never cached.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, 1)
	return vec, nil
}

// Dimensions returns the wrapped provider's vector size.
func (c *Cached) Dimensions() int {
	return c.provider.Dimensions()
}

// Wait blocks until buffered cache writes have been applied.
// Useful in tests; production callers never need it.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases cache resources.
func (c *Cached) Close() {
	c.cache.Close()
}
