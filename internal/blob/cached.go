package blob

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/tileindex/internal/core/observability"
)

// Cached keeps recently read bodies in memory. Overflow URLs are content
// addressed, so a cached body never goes stale.
type Cached struct {
	next  Store
	cache *lru.Cache[string, []byte]
}

var _ Store = (*Cached)(nil)

func NewCached(next Store, size int) (*Cached, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("blob cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Put(ctx context.Context, rawURL string, body []byte) error {
	if err := c.next.Put(ctx, rawURL, body); err != nil {
		return err
	}
	c.cache.Add(rawURL, body)
	return nil
}

func (c *Cached) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if b, ok := c.cache.Get(rawURL); ok {
		observability.IncBlobCacheHit()
		return b, nil
	}
	observability.IncBlobCacheMiss()
	b, err := c.next.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	c.cache.Add(rawURL, b)
	return b, nil
}

func (c *Cached) Delete(ctx context.Context, rawURL string) error {
	c.cache.Remove(rawURL)
	return c.next.Delete(ctx, rawURL)
}
