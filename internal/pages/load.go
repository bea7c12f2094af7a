package pages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/book"
	"github.com/jackzampolin/leaf/internal/jobs"
	"github.com/jackzampolin/leaf/internal/media"
	"github.com/jackzampolin/leaf/internal/pagecache"
)

// loaded is the payload of a page load, shared between the synchronous path
// and preload jobs.
type loaded struct {
	data []byte
	mime string
}

// load serves v.page from the cache or reads it. Concurrent misses on one
// key share a single read, including a preload job already reading it.
func (m *Manager) load(ctx context.Context, v view) ([]byte, LoadResult, error) {
	key := pagecache.Key{Book: v.path, Index: v.page.Index}
	res := LoadResult{Index: v.page.Index}

	if data, meta, ok := m.cache.Get(key); ok {
		res.Size, res.MimeType, res.CacheHit = len(data), meta.MimeType, true
		return data, res, nil
	}

	for attempt := 0; ; attempt++ {
		// The shared read outlives a caller that gives up; its result still
		// lands in the cache.
		ch := m.group.DoChan(key.String(), func() (any, error) {
			return m.loadMiss(context.WithoutCancel(ctx), v, key)
		})
		select {
		case r := <-ch:
			if r.Err != nil {
				// A joined preload was cancelled, not this caller.
				if attempt == 0 && r.Shared && cancelled(r.Err) && ctx.Err() == nil {
					continue
				}
				return nil, res, r.Err
			}
			pg := r.Val.(*loaded)
			res.Size, res.MimeType = len(pg.data), pg.mime
			return bytes.Clone(pg.data), res, nil
		case <-ctx.Done():
			return nil, res, ctx.Err()
		}
	}
}

func (m *Manager) loadMiss(ctx context.Context, v view, key pagecache.Key) (*loaded, error) {
	// A queued preload for this page would only find it cached.
	if h, ok := m.sched.Lookup(jobs.PageKey(v.path, v.page.Index)); ok && h.Status() == jobs.StatusQueued {
		h.Cancel()
	}

	data, err := retry.DoWithData(
		func() ([]byte, error) {
			return m.fetch(ctx, v)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(m.retryDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrIO)
		}),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("page read failed, retrying", "book", v.path, "index", v.page.Index, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return m.store(v, key, data), nil
}

// store caches a page read for view v and notifies the notifier. Nothing is
// cached once the book of v.gen is closed or replaced.
func (m *Manager) store(v view, key pagecache.Key, data []byte) *loaded {
	pg := &loaded{data: data, mime: mimeOf(v.page)}
	if m.insertIfCurrent(v.gen, key, pg) {
		m.produced(v.path, v.page.Index, len(data))
	}
	return pg
}

// insertIfCurrent holds mu across the generation check and the insert so a
// concurrent CloseBook or OpenBook cannot slip in between.
func (m *Manager) insertIfCurrent(gen uint64, key pagecache.Key, pg *loaded) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book == nil || m.gen != gen {
		return false
	}
	m.cache.Insert(key, pg.data, pg.mime, m.book.CurrentIndex, m.book.Direction)
	return true
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, jobs.ErrCancelled)
}

// fetch reads one page from its container without touching the cache.
func (m *Manager) fetch(ctx context.Context, v view) ([]byte, error) {
	if v.typ == book.TypeArchive {
		return m.source.Extract(ctx, v.path, v.page.InnerPath)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(v.page.InnerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &archive.EntryError{Container: v.path, Entry: v.page.InnerPath, Err: ErrNotFound}
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return data, nil
}

func (m *Manager) produced(bookPath string, index, size int) {
	if m.notifier != nil {
		m.notifier.PageProduced(bookPath, index, size)
	}
}

func mimeOf(p book.PageInfo) string {
	return media.MimeType(p.Name)
}
