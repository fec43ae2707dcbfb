package classifier

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentinelguard/sentinel/guardian/contenthash"
)

// Cached memoizes successful classifications by content digest.
type Cached struct {
	inner Classifier
	cache *lru.Cache[string, *Result]
}

// NewCached wraps inner with an LRU of the given size.
func NewCached(inner Classifier, size int) (*Cached, error) {
	cache, err := lru.New[string, *Result](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Classify returns a cached result for identical text, otherwise delegates.
func (c *Cached) Classify(ctx context.Context, text string) (*Result, error) {
	key := contenthash.Digest(text)
	if r, ok := c.cache.Get(key); ok {
		return r, nil
	}
	r, err := c.inner.Classify(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, r)
	return r, nil
}

// Len returns the number of cached results.
func (c *Cached) Len() int {
	return c.cache.Len()
}
