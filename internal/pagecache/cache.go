// Package pagecache is a byte-bounded store of decoded page bytes keyed by
// (book, page index). When over budget it evicts pages the reader is least
// likely to revisit: pages of other books first, then pages behind the
// reading direction, then the pages farthest ahead.
package pagecache

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Key identifies one page of one book.
type Key struct {
	Book  string
	Index int
}

func (k Key) String() string {
	return k.Book + ":" + strconv.Itoa(k.Index)
}

// Meta describes a cached page.
type Meta struct {
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type"`
	LastAccess time.Time `json:"last_access"`
	Locked     bool      `json:"locked"`
}

type entry struct {
	data     []byte
	meta     Meta
	accessed uint64 // monotonic tie breaker for LastAccess
}

// Config configures a Cache.
type Config struct {
	Logger     *slog.Logger
	MaxBytes   int64 // Default 512 MiB
	MaxEntries int   // 0 means unbounded
	// Pages within ProtectRadius of the current page are skipped by the
	// distance pass and only fall to the LRU fallback.
	ProtectRadius int
}

// Stats is a snapshot of cache state.
type Stats struct {
	Entries      int     `json:"entries"`
	TotalBytes   int64   `json:"total_bytes"`
	MaxBytes     int64   `json:"max_bytes"`
	UsagePercent float64 `json:"usage_percent"`
	Locked       int     `json:"locked"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	Evictions    uint64  `json:"evictions"`
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[Key]*entry
	size       int64
	maxBytes   int64
	maxEntries int
	radius     int
	clock      uint64

	hits, misses, evictions uint64

	logger *slog.Logger
	now    func() time.Time
}

// New creates a cache.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	max := cfg.MaxBytes
	if max <= 0 {
		max = 512 << 20
	}
	return &Cache{
		entries:    make(map[Key]*entry),
		maxBytes:   max,
		maxEntries: cfg.MaxEntries,
		radius:     cfg.ProtectRadius,
		logger:     logger.With("component", "page_cache"),
		now:        time.Now,
	}
}

func (c *Cache) touch(e *entry) {
	c.clock++
	e.accessed = c.clock
	e.meta.LastAccess = c.now()
}

// Get returns a copy of the cached bytes for key.
func (c *Cache) Get(key Key) ([]byte, Meta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, Meta{}, false
	}
	c.hits++
	c.touch(e)
	return bytes.Clone(e.data), e.meta, true
}

// Contains reports whether key is cached without recording an access.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Insert stores a copy of data under key and evicts until the cache is
// within budget, ranking victims relative to current and direction (+1 or
// -1) in key's book. It returns the number of evicted entries. If every
// remaining entry is locked the insert proceeds over budget.
func (c *Cache) Insert(key Key, data []byte, mime string, current, direction int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	locked := false
	if old, ok := c.entries[key]; ok {
		c.size -= old.meta.Size
		locked = old.meta.Locked
		delete(c.entries, key)
	}

	size := int64(len(data))
	evicted := 0
	for c.overBudget(size) {
		victim, ok := c.pickVictim(key.Book, current, direction)
		if !ok {
			c.logger.Debug("cache over budget, no evictable entry", "key", key, "size", c.size+size, "max", c.maxBytes)
			break
		}
		c.removeLocked(victim)
		c.evictions++
		evicted++
	}

	e := &entry{
		data: bytes.Clone(data),
		meta: Meta{Size: size, MimeType: mime, Locked: locked},
	}
	c.touch(e)
	c.entries[key] = e
	c.size += size
	return evicted
}

func (c *Cache) overBudget(incoming int64) bool {
	if len(c.entries) == 0 {
		return false
	}
	if c.size+incoming > c.maxBytes {
		return true
	}
	return c.maxEntries > 0 && len(c.entries)+1 > c.maxEntries
}

// pickVictim ranks unlocked entries. Other books go first by LRU. Within
// the current book, score = (index-current)*direction: negative scores
// (behind) before positive (ahead), larger distance first, older access on
// ties. Entries inside the protect radius are left to the LRU fallback.
func (c *Cache) pickVictim(book string, current, direction int) (Key, bool) {
	if direction == 0 {
		direction = 1
	}

	var (
		best      Key
		bestRank  [3]int64
		found     bool
		lru       Key
		lruAccess uint64
		lruFound  bool
	)
	for k, e := range c.entries {
		if e.meta.Locked {
			continue
		}
		if !lruFound || e.accessed < lruAccess {
			lru, lruAccess, lruFound = k, e.accessed, true
		}

		var rank [3]int64
		if k.Book != book {
			rank = [3]int64{0, 0, int64(e.accessed)}
		} else {
			delta := k.Index - current
			if abs(delta) <= c.radius {
				continue
			}
			score := delta * direction
			class := int64(2)
			if score < 0 {
				class = 1
			}
			rank = [3]int64{class, -int64(abs(delta)), int64(e.accessed)}
		}
		if !found || less(rank, bestRank) {
			best, bestRank, found = k, rank, true
		}
	}
	if found {
		return best, true
	}
	return lru, lruFound
}

func less(a, b [3]int64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (c *Cache) removeLocked(key Key) {
	if e, ok := c.entries[key]; ok {
		c.size -= e.meta.Size
		delete(c.entries, key)
	}
}

// Remove drops key. It reports whether the key was present.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	c.removeLocked(key)
	return ok
}

// Lock pins key against eviction. It reports whether the key was present.
func (c *Cache) Lock(key Key) bool {
	return c.setLocked(key, true)
}

// Unlock releases a pin.
func (c *Cache) Unlock(key Key) bool {
	return c.setLocked(key, false)
}

func (c *Cache) setLocked(key Key, locked bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		e.meta.Locked = locked
	}
	return ok
}

// LockRange pins every cached page of book with lo <= index <= hi and
// returns how many were pinned.
func (c *Cache) LockRange(book string, lo, hi int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if k.Book == book && k.Index >= lo && k.Index <= hi {
			e.meta.Locked = true
			n++
		}
	}
	return n
}

// UnlockAll releases every pin.
func (c *Cache) UnlockAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.meta.Locked = false
	}
}

// ClearBook drops every page of book, locked or not, and returns the bytes
// freed.
func (c *Cache) ClearBook(book string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var freed int64
	for k, e := range c.entries {
		if k.Book == book {
			freed += e.meta.Size
			c.size -= e.meta.Size
			delete(c.entries, k)
		}
	}
	return freed
}

// ClearAll empties the cache.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*entry)
	c.size = 0
}

// Resize changes the byte budget. Shrinking evicts by LRU immediately.
func (c *Cache) Resize(maxBytes int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxBytes > 0 {
		c.maxBytes = maxBytes
	}
	evicted := 0
	for c.size > c.maxBytes {
		victim, ok := c.oldestUnlocked()
		if !ok {
			break
		}
		c.removeLocked(victim)
		c.evictions++
		evicted++
	}
	return evicted
}

func (c *Cache) oldestUnlocked() (Key, bool) {
	var (
		oldest Key
		access uint64
		found  bool
	)
	for k, e := range c.entries {
		if e.meta.Locked {
			continue
		}
		if !found || e.accessed < access {
			oldest, access, found = k, e.accessed, true
		}
	}
	return oldest, found
}

// CachedIndices returns the cached page indices of book in ascending order.
func (c *Cache) CachedIndices(book string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for k := range c.entries {
		if k.Book == book {
			out = append(out, k.Index)
		}
	}
	sort.Ints(out)
	return out
}

// Stats returns a snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:    len(c.entries),
		TotalBytes: c.size,
		MaxBytes:   c.maxBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
	if c.maxBytes > 0 {
		s.UsagePercent = float64(c.size) / float64(c.maxBytes) * 100
	}
	for _, e := range c.entries {
		if e.meta.Locked {
			s.Locked++
		}
	}
	return s
}

var errAccounting = errors.New("cache accounting mismatch")

// checkAccounting verifies that the tracked size equals the sum of entry
// sizes.
func (c *Cache) checkAccounting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum int64
	for _, e := range c.entries {
		if e.meta.Size != int64(len(e.data)) {
			return fmt.Errorf("%w: entry size %d, data %d", errAccounting, e.meta.Size, len(e.data))
		}
		sum += e.meta.Size
	}
	if sum != c.size {
		return fmt.Errorf("%w: tracked %d, actual %d", errAccounting, c.size, sum)
	}
	return nil
}
