package archive

import (
	"container/list"
	"context"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// IndexStore persists indexes between runs. Implementations must return
// (nil, nil) for unknown keys.
type IndexStore interface {
	Load(ctx context.Context, key string) (*Index, error)
	Save(ctx context.Context, ix *Index) error
	Delete(ctx context.Context, key string) error
}

// BuildFunc enumerates a container into an index.
type BuildFunc func(ctx context.Context, path string, sig Signature) (*Index, error)

// IndexCacheConfig configures an IndexCache.
type IndexCacheConfig struct {
	Logger     *slog.Logger
	MaxEntries int        // Default 256
	Store      IndexStore // Optional
	Build      BuildFunc
}

// IndexCacheStats reports index cache activity.
type IndexCacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Rebuilds  uint64 `json:"rebuilds"`
	StoreHits uint64 `json:"store_hits"`
}

// IndexCache holds one index per container, keyed by normalized path and
// bounded by LRU. Concurrent builds of the same container share one scan.
type IndexCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	max     int
	stats   IndexCacheStats

	group  singleflight.Group
	build  BuildFunc
	store  IndexStore
	logger *slog.Logger
}

// NewIndexCache creates an index cache.
func NewIndexCache(cfg IndexCacheConfig) *IndexCache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	max := cfg.MaxEntries
	if max <= 0 {
		max = 256
	}
	return &IndexCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		max:     max,
		build:   cfg.Build,
		store:   cfg.Store,
		logger:  logger.With("component", "index_cache"),
	}
}

// GetOrBuild returns the index for path, rebuilding it when the container's
// current signature differs from the cached one.
func (c *IndexCache) GetOrBuild(ctx context.Context, path string) (*Index, error) {
	key := NormalizePath(path)
	sig, err := StatSignature(path)
	if err != nil {
		c.Invalidate(path)
		return nil, err
	}

	if ix, stale := c.lookup(key, sig); ix != nil {
		return ix, nil
	} else if stale {
		c.logger.Debug("index signature changed, rebuilding", "path", key)
	}

	v, err, _ := c.group.Do(key+"\x00"+sigKey(sig), func() (any, error) {
		// Another caller may have finished the build while we waited.
		if ix, _ := c.peek(key, sig); ix != nil {
			return ix, nil
		}

		if ix := c.loadStored(ctx, key, sig); ix != nil {
			c.put(key, ix)
			return ix, nil
		}

		ix, err := c.build(ctx, path, sig)
		if err != nil {
			return nil, err
		}
		c.put(key, ix)
		c.saveStored(ctx, ix)
		c.logger.Debug("index built", "path", key, "format", ix.Format, "entries", ix.Len(), "solid", ix.Solid)
		return ix, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// lookup returns a cached index matching sig. stale is true when an entry
// existed but was built against another signature; it is dropped.
func (c *IndexCache) lookup(key string, sig Signature) (ix *Index, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	cached := el.Value.(*Index)
	if !cached.Signature.Equal(sig) {
		c.lru.Remove(el)
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Rebuilds++
		return nil, true
	}
	c.lru.MoveToFront(el)
	c.stats.Hits++
	return cached, false
}

func (c *IndexCache) peek(key string, sig Signature) (*Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		ix := el.Value.(*Index)
		if ix.Signature.Equal(sig) {
			return ix, true
		}
	}
	return nil, false
}

func (c *IndexCache) put(key string, ix *Index) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = ix
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(ix)
	for c.lru.Len() > c.max {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, NormalizePath(oldest.Value.(*Index).Path))
	}
}

func (c *IndexCache) loadStored(ctx context.Context, key string, sig Signature) *Index {
	if c.store == nil {
		return nil
	}
	ix, err := c.store.Load(ctx, key)
	if err != nil {
		c.logger.Warn("failed to load stored index", "path", key, "error", err)
		return nil
	}
	if ix == nil || !ix.Signature.Equal(sig) {
		return nil
	}
	c.mu.Lock()
	c.stats.StoreHits++
	c.mu.Unlock()
	return ix
}

func (c *IndexCache) saveStored(ctx context.Context, ix *Index) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, ix); err != nil {
		c.logger.Warn("failed to persist index", "path", ix.Path, "error", err)
	}
}

// Invalidate drops the cached and stored index for path.
func (c *IndexCache) Invalidate(path string) {
	key := NormalizePath(path)
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.lru.Remove(el)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete(context.Background(), key); err != nil {
			c.logger.Warn("failed to delete stored index", "path", key, "error", err)
		}
	}
}

// Clear drops every cached index. Stored indexes are kept; they are still
// validated by signature on load.
func (c *IndexCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns a snapshot of cache counters.
func (c *IndexCache) Stats() IndexCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	return s
}

func sigKey(sig Signature) string {
	return strconv.FormatInt(sig.ModTime.UnixNano(), 10) + "/" + strconv.FormatInt(sig.Size, 10)
}
