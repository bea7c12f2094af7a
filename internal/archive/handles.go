package archive

import (
	"container/list"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
)

// zipHandle is one open ZIP container shared by concurrent readers. mu
// serializes entry reads; the registry lock is never held while it is taken.
type zipHandle struct {
	key    string
	sig    Signature
	file   *os.File
	reader *zip.Reader
	files  map[string]*zip.File

	mu sync.Mutex

	// Guarded by the registry lock.
	refs     int
	lastUsed time.Time
	evicted  bool
	elem     *list.Element
}

func (h *zipHandle) close() {
	if h.file != nil {
		h.file.Close()
	}
}

// HandleStats reports handle registry state.
type HandleStats struct {
	Open       int    `json:"open"`
	ActiveRefs int    `json:"active_refs"`
	Opens      uint64 `json:"opens"`
	Reuses     uint64 `json:"reuses"`
	Evictions  uint64 `json:"evictions"`
}

// handleRegistry bounds the number of open ZIP containers.
type handleRegistry struct {
	mu      sync.Mutex
	handles map[string]*zipHandle
	lru     *list.List
	max     int
	ttl     time.Duration
	stats   HandleStats
	logger  *slog.Logger

	now func() time.Time
}

func newHandleRegistry(max int, ttl time.Duration, logger *slog.Logger) *handleRegistry {
	if max <= 0 {
		max = 16
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &handleRegistry{
		handles: make(map[string]*zipHandle),
		lru:     list.New(),
		max:     max,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// acquire returns a referenced handle for path. Callers must release it.
func (r *handleRegistry) acquire(path string, sig Signature) (*zipHandle, error) {
	key := NormalizePath(path)

	r.mu.Lock()
	if h, ok := r.handles[key]; ok {
		if h.sig.Equal(sig) {
			h.refs++
			h.lastUsed = r.now()
			r.lru.MoveToFront(h.elem)
			r.stats.Reuses++
			r.mu.Unlock()
			return h, nil
		}
		r.detachLocked(h)
	}
	r.mu.Unlock()

	// Opening touches the disk, so it happens outside the lock. Two racing
	// opens of one container both succeed; the loser's handle is closed.
	opened, err := openZip(path, sig)
	if err != nil {
		return nil, err
	}
	opened.key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok && h.sig.Equal(sig) {
		opened.close()
		h.refs++
		h.lastUsed = r.now()
		r.lru.MoveToFront(h.elem)
		r.stats.Reuses++
		return h, nil
	} else if ok {
		r.detachLocked(h)
	}

	opened.refs = 1
	opened.lastUsed = r.now()
	opened.elem = r.lru.PushFront(opened)
	r.handles[key] = opened
	r.stats.Opens++
	r.evictLocked()
	return opened, nil
}

// release drops one reference. A handle evicted while referenced is closed
// by its last release.
func (r *handleRegistry) release(h *zipHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.refs--
	h.lastUsed = r.now()
	if h.evicted && h.refs == 0 {
		h.close()
	}
}

// invalidate detaches the handle for path so the next acquire reopens it.
func (r *handleRegistry) invalidate(path string) {
	key := NormalizePath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[key]; ok {
		r.detachLocked(h)
	}
}

func (r *handleRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		r.detachLocked(h)
	}
}

func (r *handleRegistry) snapshot() HandleStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Open = len(r.handles)
	s.ActiveRefs = 0
	for _, h := range r.handles {
		s.ActiveRefs += h.refs
	}
	return s
}

// evictLocked enforces the bound, skipping referenced handles. When every
// handle is referenced the registry temporarily exceeds its bound.
func (r *handleRegistry) evictLocked() {
	cutoff := r.now().Add(-r.ttl)
	for el := r.lru.Back(); el != nil && len(r.handles) > 0; {
		prev := el.Prev()
		h := el.Value.(*zipHandle)
		over := len(r.handles) > r.max
		expired := h.refs == 0 && h.lastUsed.Before(cutoff)
		if (over && h.refs == 0) || expired {
			r.detachLocked(h)
		}
		el = prev
	}
}

func (r *handleRegistry) detachLocked(h *zipHandle) {
	if h.evicted {
		return
	}
	h.evicted = true
	if h.elem != nil {
		r.lru.Remove(h.elem)
		h.elem = nil
	}
	if cur, ok := r.handles[h.key]; ok && cur == h {
		delete(r.handles, h.key)
	}
	r.stats.Evictions++
	if h.refs == 0 {
		h.close()
	}
	r.logger.Debug("zip handle closed", "path", h.key, "refs", h.refs)
}
