package pages

import (
	"context"
	"errors"

	"github.com/jackzampolin/leaf/internal/book"
	"github.com/jackzampolin/leaf/internal/jobs"
	"github.com/jackzampolin/leaf/internal/pagecache"
)

// submitPreloads queues the preload window of the book of generation gen,
// skipping pages already cached. It returns how many jobs were queued.
func (m *Manager) submitPreloads(gen uint64) int {
	m.mu.Lock()
	if m.book == nil || m.gen != gen {
		m.mu.Unlock()
		return 0
	}
	path, typ := m.book.Path, m.book.Type
	var targets []book.PageInfo
	for _, idx := range m.book.PreloadWindow(m.ahead, m.behind) {
		p, _ := m.book.Page(idx)
		targets = append(targets, p)
	}
	m.mu.Unlock()

	queued := 0
	for _, p := range targets {
		if m.cache.Contains(pagecache.Key{Book: path, Index: p.Index}) {
			continue
		}
		v := view{path: path, typ: typ, gen: gen, page: p}
		_, submitted, err := m.sched.Submit(jobs.Job{
			Key:      jobs.PageKey(path, p.Index),
			Priority: jobs.PriorityPreload,
			Category: jobs.CategoryPageContent,
			Run:      m.preloadJob(v),
		})
		if err != nil {
			m.logger.Debug("preload not queued", "book", path, "index", p.Index, "error", err)
			return queued
		}
		if submitted {
			queued++
		}
	}
	return queued
}

// preloadJob reads one page through the same flight as synchronous loads,
// so a page being served is never read twice.
func (m *Manager) preloadJob(v view) jobs.RunFunc {
	key := pagecache.Key{Book: v.path, Index: v.page.Index}
	return func(ctx context.Context, tok *jobs.Token) (any, error) {
		if err := tok.Check(); err != nil {
			return nil, err
		}
		if m.cache.Contains(key) {
			return nil, nil
		}

		out, err, _ := m.group.Do(key.String(), func() (any, error) {
			data, err := m.fetch(ctx, v)
			if err != nil {
				return nil, err
			}
			return m.store(v, key, data), nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, jobs.ErrCancelled
			}
			return nil, err
		}
		if !m.current(v.gen) {
			return nil, jobs.ErrCancelled
		}
		return out, nil
	}
}

// jobFinished logs page job outcomes. Cancellation is routine while the
// reader flips pages and stays at debug.
func (m *Manager) jobFinished(ev jobs.Event) {
	if ev.Category != jobs.CategoryPageContent {
		return
	}
	switch ev.Status {
	case jobs.StatusCancelled:
		m.logger.Debug("preload cancelled", "key", ev.Key)
	case jobs.StatusFailed:
		m.logger.Warn("preload failed", "key", ev.Key, "error", ev.Err)
	}
}
