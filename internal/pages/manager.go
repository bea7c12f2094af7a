// Package pages serves page bytes for the open book. A request is answered
// from the page cache when possible; a miss is loaded synchronously and the
// pages around it are queued as preload jobs.
package pages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/book"
	"github.com/jackzampolin/leaf/internal/jobs"
	"github.com/jackzampolin/leaf/internal/media"
	"github.com/jackzampolin/leaf/internal/pagecache"
	"github.com/jackzampolin/leaf/internal/watch"
)

var (
	// ErrNoBook is returned when no book is open.
	ErrNoBook = errors.New("no book open")

	// ErrOutOfRange is returned for a page index outside the open book.
	ErrOutOfRange = errors.New("page index out of range")

	ErrNotFound          = archive.ErrNotFound
	ErrCorruptArchive    = archive.ErrCorruptArchive
	ErrIO                = archive.ErrIO
	ErrUnsupportedFormat = archive.ErrUnsupportedFormat
	ErrLockFailure       = archive.ErrLockFailure
	ErrCancelled         = jobs.ErrCancelled
)

// Source reads container indexes and entries. *archive.Accessor satisfies it.
type Source interface {
	Index(ctx context.Context, path string) (*archive.Index, error)
	Extract(ctx context.Context, path, inner string) ([]byte, error)
	Invalidate(path string)
}

// Sources that can pre-extract solid containers implement this as well.
type preExtracter interface {
	PreExtract(ctx context.Context, path string) (bool, error)
	CancelPreExtract(path string)
}

type archiveStatter interface {
	Stats() archive.Stats
	PreExtractProgress(path string) archive.PreExtractProgress
}

// Notifier is told about every page the manager puts into the cache.
type Notifier interface {
	PageProduced(book string, index int, size int)
}

// LoadResult describes one served page.
type LoadResult struct {
	Index    int    `json:"index"`
	Size     int    `json:"size"`
	MimeType string `json:"mime_type"`
	CacheHit bool   `json:"cache_hit"`
}

// Options configures a Manager. Source, Cache and Scheduler are required
// and owned by the caller.
type Options struct {
	Logger    *slog.Logger
	Source    Source
	Cache     *pagecache.Cache
	Scheduler *jobs.Scheduler

	PreloadAhead  int // Default 5
	PreloadBehind int // Default 5

	Decoder  Decoder
	Notifier Notifier

	// RetryDelay is the pause before the single retry of a failed read.
	RetryDelay time.Duration

	// Watch follows the open book on disk and reloads it when it changes.
	Watch         bool
	WatchDebounce time.Duration
}

// Stats is a snapshot of the manager and the shared components it drives.
type Stats struct {
	CurrentBook  string                      `json:"current_book,omitempty"`
	BookType     book.Type                   `json:"book_type,omitempty"`
	CurrentIndex int                         `json:"current_index"`
	TotalPages   int                         `json:"total_pages"`
	CachedPages  []int                       `json:"cached_pages"`
	MemoryBytes  int64                       `json:"memory_bytes"`
	Cache        pagecache.Stats             `json:"cache"`
	Jobs         jobs.Stats                  `json:"jobs"`
	Archive      *archive.Stats              `json:"archive,omitempty"`
	PreExtract   *archive.PreExtractProgress `json:"pre_extract,omitempty"`
}

// Manager owns the open book. All methods are safe for concurrent use.
type Manager struct {
	logger     *slog.Logger
	source     Source
	cache      *pagecache.Cache
	sched      *jobs.Scheduler
	decoder    Decoder
	notifier   Notifier
	retryDelay time.Duration
	watcher    *watch.Watcher

	group singleflight.Group

	mu     sync.Mutex
	book   *book.Context
	gen    uint64 // bumped whenever the open book changes
	ahead  int
	behind int
	pinned *pagecache.Key
}

// New creates a manager. The scheduler should already be started.
func New(opts Options) (*Manager, error) {
	if opts.Source == nil || opts.Cache == nil || opts.Scheduler == nil {
		return nil, errors.New("pages: source, cache and scheduler are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ahead, behind := opts.PreloadAhead, opts.PreloadBehind
	if ahead == 0 {
		ahead = 5
	}
	if behind == 0 {
		behind = 5
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = DefaultDecoder
	}

	m := &Manager{
		logger:     logger.With("component", "pages"),
		source:     opts.Source,
		cache:      opts.Cache,
		sched:      opts.Scheduler,
		decoder:    decoder,
		notifier:   opts.Notifier,
		retryDelay: delay,
		ahead:      max(ahead, 0),
		behind:     max(behind, 0),
	}

	if opts.Watch {
		w, err := watch.New(watch.Config{
			Logger:   logger,
			Debounce: opts.WatchDebounce,
			OnChange: m.containerChanged,
		})
		if err != nil {
			return nil, err
		}
		m.watcher = w
	}

	m.sched.OnComplete(m.jobFinished)
	return m, nil
}

// OpenBook closes the current book and opens path, which may be a
// directory, an archive or a single image or video.
func (m *Manager) OpenBook(ctx context.Context, path string) (book.Info, error) {
	m.CloseBook()

	abs, err := canonical(path)
	if err != nil {
		return book.Info{}, err
	}
	b, err := m.build(ctx, abs)
	if err != nil {
		return book.Info{}, err
	}

	m.mu.Lock()
	m.book = b
	m.gen++
	info := b.Info()
	m.mu.Unlock()

	if b.Solid {
		m.startPreExtract(ctx, b.Path)
	}
	if m.watcher != nil {
		if err := m.watcher.Watch(b.Path); err != nil {
			m.logger.Warn("failed to watch book", "path", b.Path, "error", err)
		}
	}

	m.logger.Info("book opened", "path", info.Path, "type", info.Type, "pages", info.TotalPages, "solid", b.Solid)
	return info, nil
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// build classifies path and lists its pages.
func (m *Manager) build(ctx context.Context, path string) (*book.Context, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	switch {
	case fi.IsDir():
		return book.FromDirectory(path)
	case media.IsPage(path) && !archive.IsArchive(path):
		return book.FromSingleFile(path), nil
	default:
		ix, err := m.source.Index(ctx, path)
		if err != nil {
			return nil, err
		}
		b := book.FromArchive(path, ix, m.logger)
		if b.Len() == 0 {
			return nil, fmt.Errorf("%w: %s", book.ErrNoPages, path)
		}
		return b, nil
	}
}

func (m *Manager) startPreExtract(ctx context.Context, path string) {
	pe, ok := m.source.(preExtracter)
	if !ok {
		return
	}
	started, err := pe.PreExtract(ctx, path)
	if err != nil {
		m.logger.Warn("pre-extraction not started", "path", path, "error", err)
		return
	}
	if started {
		m.logger.Info("pre-extracting solid archive", "path", path)
	}
}

// CloseBook cancels the book's jobs and drops its cached pages.
func (m *Manager) CloseBook() {
	m.mu.Lock()
	b := m.book
	m.book = nil
	m.gen++
	m.pinned = nil
	m.mu.Unlock()

	if b == nil {
		return
	}
	if m.watcher != nil {
		m.watcher.Unwatch()
	}
	cancelled := m.sched.CancelBook(b.Path)
	freed := m.cache.ClearBook(b.Path)
	if pe, ok := m.source.(preExtracter); ok && b.Solid {
		pe.CancelPreExtract(b.Path)
	}
	m.logger.Info("book closed", "path", b.Path, "jobs_cancelled", cancelled, "bytes_freed", freed)
}

// Book returns the summary of the open book.
func (m *Manager) Book() (book.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book == nil {
		return book.Info{}, false
	}
	return m.book.Info(), true
}

// CurrentPage returns the page the open book is on.
func (m *Manager) CurrentPage() (book.PageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book == nil {
		return book.PageInfo{}, ErrNoBook
	}
	p, _ := m.book.Current()
	return p, nil
}

// Pages returns the page list of the open book.
func (m *Manager) Pages() ([]book.PageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book == nil {
		return nil, ErrNoBook
	}
	return append([]book.PageInfo(nil), m.book.Pages...), nil
}

// view is a consistent copy of the navigation state taken under mu.
type view struct {
	path string
	typ  book.Type
	gen  uint64
	page book.PageInfo
}

func (m *Manager) viewLocked(index int) view {
	p, _ := m.book.Page(index)
	return view{path: m.book.Path, typ: m.book.Type, gen: m.gen, page: p}
}

func (m *Manager) outOfRange(index int) error {
	return fmt.Errorf("%w: %d of %d", ErrOutOfRange, index, m.book.Len())
}

// Goto makes index the current page, returns its bytes and queues preloads
// around it.
func (m *Manager) Goto(ctx context.Context, index int) ([]byte, LoadResult, error) {
	m.mu.Lock()
	if m.book == nil {
		m.mu.Unlock()
		return nil, LoadResult{}, ErrNoBook
	}
	if !m.book.Goto(index) {
		err := m.outOfRange(index)
		m.mu.Unlock()
		return nil, LoadResult{}, err
	}
	v := m.viewLocked(index)
	m.mu.Unlock()

	data, res, err := m.load(ctx, v)
	if err != nil {
		return nil, res, err
	}
	m.pin(v)
	m.submitPreloads(v.gen)
	return data, res, nil
}

// Get returns the bytes of index without moving the current page.
func (m *Manager) Get(ctx context.Context, index int) ([]byte, LoadResult, error) {
	m.mu.Lock()
	if m.book == nil {
		m.mu.Unlock()
		return nil, LoadResult{}, ErrNoBook
	}
	if _, ok := m.book.Page(index); !ok {
		err := m.outOfRange(index)
		m.mu.Unlock()
		return nil, LoadResult{}, err
	}
	v := m.viewLocked(index)
	m.mu.Unlock()

	return m.load(ctx, v)
}

// Next moves one page forward.
func (m *Manager) Next(ctx context.Context) ([]byte, LoadResult, error) {
	return m.step(ctx, 1)
}

// Prev moves one page back.
func (m *Manager) Prev(ctx context.Context) ([]byte, LoadResult, error) {
	return m.step(ctx, -1)
}

func (m *Manager) step(ctx context.Context, delta int) ([]byte, LoadResult, error) {
	m.mu.Lock()
	if m.book == nil {
		m.mu.Unlock()
		return nil, LoadResult{}, ErrNoBook
	}
	target := m.book.CurrentIndex + delta
	m.mu.Unlock()
	return m.Goto(ctx, target)
}

// pin keeps the current page cached and releases the previous one. A
// stale view, left behind by a concurrent Goto, pins nothing.
func (m *Manager) pin(v view) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book == nil || m.gen != v.gen || m.book.CurrentIndex != v.page.Index {
		return
	}
	key := pagecache.Key{Book: v.path, Index: v.page.Index}
	if m.pinned != nil && *m.pinned != key {
		m.cache.Unlock(*m.pinned)
	}
	if m.cache.Lock(key) {
		m.pinned = &key
	} else {
		m.pinned = nil
	}
}

// current reports whether the book of generation gen is still open.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book != nil && m.gen == gen
}

// SetPreloadWindow changes how many pages are preloaded on each side.
func (m *Manager) SetPreloadWindow(ahead, behind int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ahead, m.behind = max(ahead, 0), max(behind, 0)
}

// ClearCache empties the page cache, including other books' pages.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.pinned = nil
	m.mu.Unlock()
	m.cache.ClearAll()
	m.logger.Info("page cache cleared")
}

// Stats returns a snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	var s Stats
	var solid bool
	if m.book != nil {
		s.CurrentBook = m.book.Path
		s.BookType = m.book.Type
		s.CurrentIndex = m.book.CurrentIndex
		s.TotalPages = m.book.Len()
		solid = m.book.Solid
	}
	m.mu.Unlock()

	s.Cache = m.cache.Stats()
	s.MemoryBytes = s.Cache.TotalBytes
	s.Jobs = m.sched.Stats()
	if s.CurrentBook != "" {
		s.CachedPages = m.cache.CachedIndices(s.CurrentBook)
	}
	if as, ok := m.source.(archiveStatter); ok {
		st := as.Stats()
		s.Archive = &st
		if solid {
			prog := as.PreExtractProgress(s.CurrentBook)
			s.PreExtract = &prog
		}
	}
	return s
}

// containerChanged reloads the open book after its container changed on
// disk. Everything derived from the old contents is dropped first.
func (m *Manager) containerChanged(path string) {
	m.mu.Lock()
	if m.book == nil || m.book.Path != path {
		m.mu.Unlock()
		return
	}
	current, direction := m.book.CurrentIndex, m.book.Direction
	m.gen++
	m.pinned = nil
	m.mu.Unlock()

	m.source.Invalidate(path)
	m.sched.CancelBook(path)
	m.cache.ClearBook(path)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	b, err := m.build(ctx, path)
	if err != nil {
		m.logger.Warn("book no longer readable, closing", "path", path, "error", err)
		m.CloseBook()
		return
	}
	b.CurrentIndex = min(current, b.Len()-1)
	b.Direction = direction

	m.mu.Lock()
	if m.book == nil || m.book.Path != path {
		// Closed or replaced while rebuilding.
		m.mu.Unlock()
		return
	}
	m.book = b
	m.gen++
	m.mu.Unlock()

	if b.Solid {
		m.startPreExtract(ctx, path)
	}
	m.logger.Info("book reloaded", "path", path, "pages", b.Len(), "current", b.CurrentIndex)
}

// Close closes the open book and stops watching. The shared components are
// left to their owner.
func (m *Manager) Close() error {
	m.CloseBook()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
