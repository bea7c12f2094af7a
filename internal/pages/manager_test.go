package pages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/image/bmp"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/book"
	"github.com/jackzampolin/leaf/internal/jobs"
	"github.com/jackzampolin/leaf/internal/pagecache"
	"github.com/jackzampolin/leaf/internal/testutil"
)

// countingSource counts extractions and can fail or hold them.
type countingSource struct {
	*archive.Accessor

	extracts atomic.Int64
	failNext atomic.Int32

	// Extractions after the first pass ones wait for gate.
	pass int64
	gate chan struct{}

	// Extractions of hold signal held, then wait for release.
	hold    string
	held    chan struct{}
	release chan struct{}

	mu     sync.Mutex
	byName map[string]int
}

func (s *countingSource) Extract(ctx context.Context, path, inner string) ([]byte, error) {
	n := s.extracts.Add(1)
	s.mu.Lock()
	if s.byName == nil {
		s.byName = make(map[string]int)
	}
	s.byName[inner]++
	s.mu.Unlock()

	if s.hold != "" && inner == s.hold {
		select {
		case s.held <- struct{}{}:
		default:
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return nil, fmt.Errorf("%w: injected", archive.ErrIO)
	}
	if s.gate != nil && n > s.pass {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Accessor.Extract(ctx, path, inner)
}

func (s *countingSource) count(inner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[inner]
}

type harness struct {
	m     *Manager
	src   *countingSource
	cache *pagecache.Cache
	sched *jobs.Scheduler
}

func newHarness(t *testing.T, src *countingSource, opts Options) *harness {
	t.Helper()
	logger := testutil.Logger()

	if src == nil {
		src = &countingSource{}
	}
	src.Accessor = archive.New(archive.Config{Logger: logger})
	cache := pagecache.New(pagecache.Config{Logger: logger})
	sched := jobs.NewScheduler(jobs.Config{Logger: logger, Workers: 4, PrimaryWorkers: -1})
	sched.Start()

	opts.Logger = logger
	opts.Source = src
	opts.Cache = cache
	opts.Scheduler = sched
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
		src.Accessor.Close()
	})
	return &harness{m: m, src: src, cache: cache, sched: sched}
}

func writeBook(t *testing.T, pages int) string {
	t.Helper()
	return testutil.WriteZip(t, filepath.Join(t.TempDir(), "book.cbz"), testutil.PageFiles(pages))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, "scheduler idle", func() bool {
		s := h.sched.Stats()
		return s.Running == 0 && s.Queue.Total == 0 && len(h.sched.ActiveKeys()) == 0
	})
}

func TestPreloadServesNeighbours(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	path := writeBook(t, 20)

	info, err := h.m.OpenBook(ctx, path)
	if err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	if info.TotalPages != 20 || info.Type != book.TypeArchive || info.CurrentIndex != 0 {
		t.Fatalf("info = %+v", info)
	}

	data, res, err := h.m.Goto(ctx, 10)
	if err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if res.CacheHit {
		t.Error("first Goto reported a cache hit")
	}
	if !bytes.Equal(data, testutil.PageData(10)) {
		t.Errorf("data = %q", data)
	}
	if res.Index != 10 || res.MimeType != "image/jpeg" || res.Size != len(data) {
		t.Errorf("result = %+v", res)
	}

	h.waitIdle(t)
	// The page itself plus five ahead and five behind.
	if n := h.src.extracts.Load(); n != 11 {
		t.Fatalf("extractions after preload = %d, want 11", n)
	}

	for _, i := range []int{11, 12, 13, 14, 15, 9, 8, 7} {
		data, res, err := h.m.Get(ctx, i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if !res.CacheHit {
			t.Errorf("Get(%d) missed the cache", i)
		}
		if !bytes.Equal(data, testutil.PageData(i)) {
			t.Errorf("Get(%d) = %q", i, data)
		}
	}
	if n := h.src.extracts.Load(); n != 11 {
		t.Errorf("extractions after hits = %d, want 11", n)
	}

	s := h.m.Stats()
	if want := []int{5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}; !reflect.DeepEqual(s.CachedPages, want) {
		t.Errorf("cached pages = %v", s.CachedPages)
	}
	if s.CurrentIndex != 10 || s.TotalPages != 20 || s.CurrentBook != info.Path {
		t.Errorf("stats = %+v", s)
	}
	if s.Jobs.Completed != 10 {
		t.Errorf("completed jobs = %d", s.Jobs.Completed)
	}
	if s.Archive == nil {
		t.Error("archive stats missing")
	}
}

func TestPreloadFollowsDirection(t *testing.T) {
	h := newHarness(t, nil, Options{PreloadAhead: 2, PreloadBehind: 1})
	ctx := context.Background()
	info, err := h.m.OpenBook(ctx, writeBook(t, 20))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := h.m.Goto(ctx, 10); err != nil {
		t.Fatal(err)
	}
	h.waitIdle(t)
	h.m.ClearCache()

	if _, _, err := h.m.Goto(ctx, 8); err != nil {
		t.Fatal(err)
	}
	h.waitIdle(t)
	if got := h.cache.CachedIndices(info.Path); !reflect.DeepEqual(got, []int{6, 7, 8, 9}) {
		t.Errorf("cached after moving back = %v", got)
	}
}

func TestNavigationErrors(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	if _, _, err := h.m.Goto(ctx, 0); !errors.Is(err, ErrNoBook) {
		t.Errorf("Goto without book = %v", err)
	}
	if _, _, err := h.m.Get(ctx, 0); !errors.Is(err, ErrNoBook) {
		t.Errorf("Get without book = %v", err)
	}
	if _, _, err := h.m.Next(ctx); !errors.Is(err, ErrNoBook) {
		t.Errorf("Next without book = %v", err)
	}

	if _, err := h.m.OpenBook(ctx, writeBook(t, 3)); err != nil {
		t.Fatal(err)
	}
	for _, idx := range []int{-1, 3, 100} {
		if _, _, err := h.m.Goto(ctx, idx); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Goto(%d) = %v", idx, err)
		}
		if _, _, err := h.m.Get(ctx, idx); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Get(%d) = %v", idx, err)
		}
	}
	if _, _, err := h.m.Prev(ctx); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Prev at first page = %v", err)
	}
	if info, _ := h.m.Book(); info.CurrentIndex != 0 {
		t.Errorf("failed navigation moved to %d", info.CurrentIndex)
	}
}

func TestDirectoryNextPrev(t *testing.T) {
	h := newHarness(t, nil, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	dir := testutil.WriteDir(t, t.TempDir(), []testutil.File{
		{Name: "10.png", Data: []byte("ten")},
		{Name: "2.png", Data: []byte("two")},
		{Name: "1.png", Data: []byte("one")},
		{Name: "notes.txt", Data: []byte("skip")},
	})

	info, err := h.m.OpenBook(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != book.TypeDirectory || info.TotalPages != 3 {
		t.Fatalf("info = %+v", info)
	}

	want := []string{"one", "two", "ten"}
	data, _, err := h.m.Goto(ctx, 0)
	if err != nil || string(data) != want[0] {
		t.Fatalf("Goto(0) = %q, %v", data, err)
	}
	for i := 1; i < 3; i++ {
		data, res, err := h.m.Next(ctx)
		if err != nil || string(data) != want[i] {
			t.Fatalf("Next -> %d = %q, %v", i, data, err)
		}
		if res.MimeType != "image/png" {
			t.Errorf("mime = %q", res.MimeType)
		}
	}
	if _, _, err := h.m.Next(ctx); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Next past end = %v", err)
	}
	data, res, err := h.m.Prev(ctx)
	if err != nil || string(data) != "two" || !res.CacheHit {
		t.Errorf("Prev = %q hit=%v err=%v", data, res.CacheHit, err)
	}
	if h.sched.Stats().Submitted != 0 {
		t.Error("preloads submitted with an empty window")
	}
}

func TestSingleImage(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "cover.webp")
	if err := os.WriteFile(file, []byte("cover"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := h.m.OpenBook(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != book.TypeSingleImage || info.TotalPages != 1 {
		t.Fatalf("info = %+v", info)
	}
	data, _, err := h.m.Goto(ctx, 0)
	if err != nil || string(data) != "cover" {
		t.Errorf("Goto = %q, %v", data, err)
	}
}

func TestOpenBookErrors(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := h.m.OpenBook(ctx, filepath.Join(dir, "missing.cbz")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing = %v", err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.Mkdir(empty, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.OpenBook(ctx, empty); !errors.Is(err, book.ErrNoPages) {
		t.Errorf("empty dir = %v", err)
	}
	text := filepath.Join(dir, "readme.txt")
	if err := os.WriteFile(text, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.OpenBook(ctx, text); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("text file = %v", err)
	}
	noImages := testutil.WriteZip(t, filepath.Join(dir, "docs.cbz"), []testutil.File{{Name: "a.txt", Data: []byte("x")}})
	if _, err := h.m.OpenBook(ctx, noImages); !errors.Is(err, book.ErrNoPages) {
		t.Errorf("zip without images = %v", err)
	}
	if _, ok := h.m.Book(); ok {
		t.Error("failed opens left a book open")
	}
}

func TestGetDoesNotNavigate(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	if _, err := h.m.OpenBook(ctx, writeBook(t, 10)); err != nil {
		t.Fatal(err)
	}

	if _, _, err := h.m.Get(ctx, 6); err != nil {
		t.Fatal(err)
	}
	info, _ := h.m.Book()
	if info.CurrentIndex != 0 || !info.AtStart {
		t.Errorf("info = %+v", info)
	}
	if p, err := h.m.CurrentPage(); err != nil || p.Name != "page001.jpg" {
		t.Errorf("CurrentPage = %+v, %v", p, err)
	}
	if s := h.sched.Stats(); s.Submitted != 0 {
		t.Errorf("Get queued %d preloads", s.Submitted)
	}
}

func TestRetryOnceOnIO(t *testing.T) {
	h := newHarness(t, nil, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	if _, err := h.m.OpenBook(ctx, writeBook(t, 5)); err != nil {
		t.Fatal(err)
	}

	h.src.failNext.Store(1)
	data, _, err := h.m.Goto(ctx, 2)
	if err != nil {
		t.Fatalf("Goto after one I/O failure: %v", err)
	}
	if !bytes.Equal(data, testutil.PageData(2)) {
		t.Errorf("data = %q", data)
	}
	if n := h.src.extracts.Load(); n != 2 {
		t.Errorf("extractions = %d, want 2", n)
	}

	h.src.failNext.Store(2)
	if _, _, err := h.m.Goto(ctx, 3); !errors.Is(err, ErrIO) {
		t.Errorf("Goto after two failures = %v", err)
	}
	if n := h.src.extracts.Load(); n != 4 {
		t.Errorf("extractions = %d, want 4", n)
	}
}

func TestMissingFileNotRetried(t *testing.T) {
	h := newHarness(t, nil, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	dir := testutil.WriteDir(t, t.TempDir(), []testutil.File{
		{Name: "a.jpg", Data: []byte("a")},
		{Name: "b.jpg", Data: []byte("b")},
	})
	if _, err := h.m.OpenBook(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "b.jpg")); err != nil {
		t.Fatal(err)
	}

	_, _, err := h.m.Get(ctx, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v", err)
	}
	var ee *archive.EntryError
	if !errors.As(err, &ee) || filepath.Base(ee.Entry) != "b.jpg" {
		t.Errorf("error = %#v", err)
	}
}

func TestPinsCurrentPage(t *testing.T) {
	h := newHarness(t, nil, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	info, err := h.m.OpenBook(ctx, writeBook(t, 5))
	if err != nil {
		t.Fatal(err)
	}

	locked := func(i int) bool {
		_, meta, ok := h.cache.Get(pagecache.Key{Book: info.Path, Index: i})
		return ok && meta.Locked
	}

	if _, _, err := h.m.Goto(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if !locked(1) {
		t.Error("current page not locked")
	}
	if _, _, err := h.m.Goto(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if locked(1) || !locked(2) {
		t.Errorf("locks: page1=%v page2=%v", locked(1), locked(2))
	}
	if s := h.cache.Stats(); s.Locked != 1 {
		t.Errorf("locked entries = %d", s.Locked)
	}
}

func TestCloseBookCancelsPreloads(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &countingSource{pass: 1, gate: gate}, Options{})
	ctx := context.Background()
	info, err := h.m.OpenBook(ctx, writeBook(t, 20))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := h.m.Goto(ctx, 10); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "preloads running", func() bool { return h.sched.Stats().Running == 4 })

	h.m.CloseBook()
	close(gate)
	waitFor(t, "preloads cancelled", func() bool {
		s := h.sched.Stats()
		return s.Cancelled == 10 && s.Running == 0
	})

	s := h.sched.Stats()
	if s.Completed != 0 {
		t.Errorf("completed = %d after close", s.Completed)
	}
	if got := h.cache.CachedIndices(info.Path); len(got) != 0 {
		t.Errorf("pages cached after close: %v", got)
	}
	if _, _, err := h.m.Goto(ctx, 10); !errors.Is(err, ErrNoBook) {
		t.Errorf("Goto after close = %v", err)
	}
}

func TestOpenBookReplacesPrevious(t *testing.T) {
	h := newHarness(t, nil, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	first, err := h.m.OpenBook(ctx, writeBook(t, 4))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.m.Goto(ctx, 1); err != nil {
		t.Fatal(err)
	}

	second, err := h.m.OpenBook(ctx, writeBook(t, 6))
	if err != nil {
		t.Fatal(err)
	}
	if second.TotalPages != 6 || second.Path == first.Path {
		t.Fatalf("second = %+v", second)
	}
	if got := h.cache.CachedIndices(first.Path); len(got) != 0 {
		t.Errorf("first book still cached: %v", got)
	}
}

func TestConcurrentMissesShareRead(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &countingSource{pass: 0, gate: gate}, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	if _, err := h.m.OpenBook(ctx, writeBook(t, 8)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := h.m.Get(ctx, 3)
			if err == nil && !bytes.Equal(data, testutil.PageData(3)) {
				err = fmt.Errorf("data = %q", data)
			}
			errs <- err
		}()
	}
	waitFor(t, "first read", func() bool { return h.src.extracts.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if n := h.src.extracts.Load(); n != 1 {
		t.Errorf("extractions = %d, want 1", n)
	}
}

func TestCancelledCallerStillFillsCache(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &countingSource{pass: 0, gate: gate}, Options{PreloadAhead: -1, PreloadBehind: -1})
	info, err := h.m.OpenBook(context.Background(), writeBook(t, 4))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := h.m.Get(ctx, 2)
		done <- err
	}()
	waitFor(t, "read started", func() bool { return h.src.extracts.Load() == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Get = %v", err)
	}

	close(gate)
	waitFor(t, "page cached", func() bool {
		return h.cache.Contains(pagecache.Key{Book: info.Path, Index: 2})
	})
}

func TestPreloadJoinsInFlightRead(t *testing.T) {
	src := &countingSource{hold: "page012.jpg", held: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, src, Options{PreloadAhead: 2, PreloadBehind: 1})
	ctx := context.Background()
	info, err := h.m.OpenBook(ctx, writeBook(t, 20))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.m.Get(ctx, 10); err != nil {
		t.Fatal(err)
	}

	got := make(chan error, 1)
	go func() {
		data, _, err := h.m.Get(ctx, 11)
		if err == nil && !bytes.Equal(data, testutil.PageData(11)) {
			err = fmt.Errorf("data = %q", data)
		}
		got <- err
	}()
	<-src.held

	// Page 11 is in the preload window of 10 but already being read.
	if _, res, err := h.m.Goto(ctx, 10); err != nil || !res.CacheHit {
		t.Fatalf("Goto = %+v, %v", res, err)
	}
	waitFor(t, "preload of page 11 running", func() bool {
		j, ok := h.sched.Lookup(jobs.PageKey(info.Path, 11))
		return ok && j.Status() == jobs.StatusRunning
	})
	time.Sleep(50 * time.Millisecond)
	close(src.release)

	if err := <-got; err != nil {
		t.Fatalf("Get: %v", err)
	}
	h.waitIdle(t)
	if n := src.count("page012.jpg"); n != 1 {
		t.Errorf("page 11 extracted %d times, want 1", n)
	}
	if !h.cache.Contains(pagecache.Key{Book: info.Path, Index: 11}) {
		t.Error("page 11 not cached")
	}
}

func TestReadAfterCloseNotCached(t *testing.T) {
	src := &countingSource{hold: "page003.jpg", held: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, src, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	info, err := h.m.OpenBook(ctx, writeBook(t, 5))
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan error, 1)
	go func() {
		_, _, err := h.m.Get(ctx, 2)
		got <- err
	}()
	<-src.held

	h.m.CloseBook()
	close(src.release)
	if err := <-got; err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cached := h.cache.CachedIndices(info.Path); len(cached) != 0 {
		t.Errorf("pages cached after close: %v", cached)
	}
}

func TestInsertIfCurrent(t *testing.T) {
	h := newHarness(t, nil, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	info, err := h.m.OpenBook(ctx, writeBook(t, 3))
	if err != nil {
		t.Fatal(err)
	}
	h.m.mu.Lock()
	gen := h.m.gen
	h.m.mu.Unlock()

	key := pagecache.Key{Book: info.Path, Index: 1}
	pg := &loaded{data: []byte("x"), mime: "image/jpeg"}
	if !h.m.insertIfCurrent(gen, key, pg) {
		t.Fatal("insert for the open book refused")
	}
	h.cache.Remove(key)

	if _, err := h.m.OpenBook(ctx, info.Path); err != nil {
		t.Fatal(err)
	}
	if h.m.insertIfCurrent(gen, key, pg) {
		t.Error("insert for a replaced generation accepted")
	}
	if h.cache.Contains(key) {
		t.Error("stale page cached")
	}
}

type notifier struct {
	mu    sync.Mutex
	pages []int
}

func (n *notifier) PageProduced(book string, index int, size int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages = append(n.pages, index)
}

func TestNotifier(t *testing.T) {
	n := &notifier{}
	h := newHarness(t, nil, Options{PreloadAhead: 1, PreloadBehind: -1, Notifier: n})
	ctx := context.Background()
	if _, err := h.m.OpenBook(ctx, writeBook(t, 4)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.m.Goto(ctx, 0); err != nil {
		t.Fatal(err)
	}
	h.waitIdle(t)
	// A hit produces nothing.
	if _, _, err := h.m.Get(ctx, 0); err != nil {
		t.Fatal(err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !reflect.DeepEqual(n.pages, []int{0, 1}) {
		t.Errorf("produced = %v", n.pages)
	}
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	var bmpBuf bytes.Buffer
	if err := bmp.Encode(&bmpBuf, img); err != nil {
		t.Fatal(err)
	}
	dir := testutil.WriteDir(t, t.TempDir(), []testutil.File{
		{Name: "1.png", Data: buf.Bytes()},
		{Name: "2.png", Data: []byte("not a png")},
		{Name: "3.bmp", Data: bmpBuf.Bytes()},
	})

	h := newHarness(t, nil, Options{PreloadAhead: -1, PreloadBehind: -1})
	ctx := context.Background()
	if _, err := h.m.OpenBook(ctx, dir); err != nil {
		t.Fatal(err)
	}

	got, res, err := h.m.Decode(ctx, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Bounds() != img.Bounds() || res.MimeType != "image/png" {
		t.Errorf("bounds = %v mime = %q", got.Bounds(), res.MimeType)
	}
	if _, _, err := h.m.Decode(ctx, 1); !errors.Is(err, ErrNotImage) {
		t.Errorf("Decode garbage = %v", err)
	}

	got, res, err = h.m.Decode(ctx, 2)
	if err != nil {
		t.Fatalf("Decode bmp: %v", err)
	}
	if got.Bounds() != img.Bounds() || res.MimeType != "image/bmp" {
		t.Errorf("bmp bounds = %v mime = %q", got.Bounds(), res.MimeType)
	}
}

func TestReloadsChangedDirectory(t *testing.T) {
	h := newHarness(t, nil, Options{Watch: true, WatchDebounce: 50 * time.Millisecond})
	ctx := context.Background()
	dir := testutil.WriteDir(t, t.TempDir(), testutil.PageFiles(3))
	if _, err := h.m.OpenBook(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.m.Goto(ctx, 2); err != nil {
		t.Fatal(err)
	}

	testutil.WriteDir(t, dir, []testutil.File{{Name: "page004.jpg", Data: []byte("new")}})
	waitFor(t, "reload", func() bool {
		info, ok := h.m.Book()
		return ok && info.TotalPages == 4
	})

	info, _ := h.m.Book()
	if info.CurrentIndex != 2 {
		t.Errorf("current after reload = %d", info.CurrentIndex)
	}
	data, _, err := h.m.Get(ctx, 3)
	if err != nil || string(data) != "new" {
		t.Errorf("Get(3) = %q, %v", data, err)
	}
}

func TestSetPreloadWindow(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	info, err := h.m.OpenBook(ctx, writeBook(t, 10))
	if err != nil {
		t.Fatal(err)
	}
	h.m.SetPreloadWindow(1, 0)

	if _, _, err := h.m.Goto(ctx, 4); err != nil {
		t.Fatal(err)
	}
	h.waitIdle(t)
	if got := h.cache.CachedIndices(info.Path); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Errorf("cached = %v", got)
	}
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error")
	}
}
