// internal/transfer/cache.go
package transfer

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lumix-ai/stylize/internal/core"
)

// StyleCache - precomputed style activations keyed by style source. Evicted
// entries are disposed.
type StyleCache struct {
	entries *lru.Cache[string, core.TensorMap]
}

func NewStyleCache(size int) (*StyleCache, error) {
	entries, err := lru.NewWithEvict(size, func(_ string, feats core.TensorMap) {
		feats.Dispose()
	})
	if err != nil {
		return nil, err
	}
	return &StyleCache{entries: entries}, nil
}

// Get returns cached activations. They stay owned by the cache.
func (c *StyleCache) Get(key string) (core.TensorMap, bool) {
	return c.entries.Get(key)
}

// Add takes ownership of feats.
func (c *StyleCache) Add(key string, feats core.TensorMap) {
	// overwriting a key skips the eviction callback
	if c.entries.Contains(key) {
		c.entries.Remove(key)
	}
	c.entries.Add(key, feats)
}

func (c *StyleCache) Len() int {
	return c.entries.Len()
}

// Purge disposes every entry.
func (c *StyleCache) Purge() {
	c.entries.Purge()
}
