package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Config configures a Scheduler.
type Config struct {
	Logger *slog.Logger
	// Workers is the pool size (default 4).
	Workers int
	// PrimaryWorkers of the pool only take CurrentPage and Urgent jobs, so
	// a burst of preloads cannot delay the page being viewed (default 2).
	// At least one worker always takes every priority; negative disables
	// primaries.
	PrimaryWorkers int
}

// Event describes a job reaching a terminal state.
type Event struct {
	ID       string        `json:"id"`
	Key      string        `json:"key"`
	Category Category      `json:"category"`
	Priority int           `json:"priority"`
	Status   Status        `json:"status"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Stats is a snapshot of scheduler state.
type Stats struct {
	Queue          PriorityQueueStats `json:"queue"`
	Running        int                `json:"running"`
	Submitted      uint64             `json:"submitted"`
	Coalesced      uint64             `json:"coalesced"`
	Completed      uint64             `json:"completed"`
	Failed         uint64             `json:"failed"`
	Cancelled      uint64             `json:"cancelled"`
	Workers        int                `json:"workers"`
	PrimaryWorkers int                `json:"primary_workers"`
}

// Scheduler runs jobs on a bounded worker pool in priority order and
// coalesces jobs that share a key.
type Scheduler struct {
	logger  *slog.Logger
	workers int
	primary int
	queue   *PriorityQueue

	mu      sync.Mutex
	active  map[string]*Handle // queued or running, by key
	running int
	started bool
	closed  bool
	hooks   []func(Event)
	stats   Stats

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. Call Start to run its workers.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	primary := cfg.PrimaryWorkers
	if primary == 0 {
		primary = 2
	}
	if primary < 0 {
		primary = 0
	}
	if primary >= workers {
		primary = workers - 1
	}

	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		workers: workers,
		primary: primary,
		queue:   NewPriorityQueue(),
		active:  make(map[string]*Handle),
	}
}

// Start launches the worker goroutines. Calling it again has no effect.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		minPriority := math.MinInt
		if i < s.primary {
			minPriority = PriorityCurrentPage
		}
		s.wg.Add(1)
		go func(id, minPriority int) {
			defer s.wg.Done()
			s.workerLoop(id, minPriority)
		}(i, minPriority)
	}
	s.logger.Info("scheduler started", "workers", s.workers, "primary", s.primary)
}

// Submit queues job. When a job with the same key is queued or running its
// handle is returned instead, with submitted false.
func (s *Scheduler) Submit(job Job) (h *Handle, submitted bool, err error) {
	if job.Run == nil {
		return nil, false, ErrNilRun
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrClosed
	}
	if existing, ok := s.active[job.Key]; ok {
		s.stats.Coalesced++
		s.mu.Unlock()
		s.logger.Debug("job coalesced", "key", job.Key, "id", existing.ID)
		return existing, false, nil
	}
	h = newHandle(job, s)
	// Pushed under the lock so Shutdown's drain cannot miss it.
	if err := s.queue.Push(h); err != nil {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("failed to queue job %s: %w", job.Key, err)
	}
	s.active[job.Key] = h
	s.stats.Submitted++
	s.mu.Unlock()

	s.logger.Debug("job queued", "key", job.Key, "id", h.ID, "priority", PriorityName(job.Priority))
	return h, true, nil
}

// Lookup returns the queued or running handle for key.
func (s *Scheduler) Lookup(key string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.active[key]
	return h, ok
}

// ActiveKeys returns the keys of queued and running jobs.
func (s *Scheduler) ActiveKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.active))
	for k := range s.active {
		keys = append(keys, k)
	}
	return keys
}

// OnComplete registers fn to be called, outside any lock, whenever a job
// reaches a terminal state.
func (s *Scheduler) OnComplete(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// CancelByPrefix cancels every queued or running job whose key starts with
// prefix and returns how many were cancelled.
func (s *Scheduler) CancelByPrefix(prefix string) int {
	s.mu.Lock()
	var matched []*Handle
	for k, h := range s.active {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, h)
		}
	}
	s.mu.Unlock()

	for _, h := range matched {
		s.cancel(h)
	}
	if len(matched) > 0 {
		s.logger.Debug("jobs cancelled", "prefix", prefix, "count", len(matched))
	}
	return len(matched)
}

// CancelBook cancels every page job of book.
func (s *Scheduler) CancelBook(book string) int {
	return s.CancelByPrefix(BookPrefix(book))
}

// CancelAll cancels every queued or running job.
func (s *Scheduler) CancelAll() int {
	return s.CancelByPrefix("")
}

func (s *Scheduler) cancel(h *Handle) {
	h.token.cancel()

	s.mu.Lock()
	if cur, ok := s.active[h.Key]; ok && cur == h {
		delete(s.active, h.Key)
	}
	s.mu.Unlock()

	if s.queue.Remove(h) {
		s.complete(h, nil, ErrCancelled, 0)
	}
}

// Shutdown cancels queued work, lets running jobs finish and waits for the
// workers to exit or ctx to end. It may be called more than once.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		for _, h := range s.queue.Drain() {
			h.token.cancel()
			s.complete(h, nil, ErrCancelled, 0)
		}
		s.queue.Close()
		s.logger.Info("scheduler shutting down")
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// Stats returns a snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	st.Running = s.running
	s.mu.Unlock()

	st.Queue = s.queue.Stats()
	st.Workers = s.workers
	st.PrimaryWorkers = s.primary
	return st
}

func (s *Scheduler) workerLoop(id, minPriority int) {
	logger := s.logger.With("worker", id)
	logger.Debug("worker started", "min_priority", minPriority)

	for {
		h := s.queue.Pop(minPriority)
		if h == nil {
			logger.Debug("worker stopping")
			return
		}
		s.execute(h)
	}
}

func (s *Scheduler) execute(h *Handle) {
	if !h.setRunning() {
		s.complete(h, nil, ErrCancelled, 0)
		return
	}

	s.mu.Lock()
	s.running++
	s.mu.Unlock()

	start := time.Now()
	result, err := runSafely(h)

	s.mu.Lock()
	s.running--
	s.mu.Unlock()

	s.complete(h, result, err, time.Since(start))
}

func runSafely(h *Handle) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", h.Key, r)
		}
	}()
	if err := h.token.Check(); err != nil {
		return nil, err
	}
	return h.job.Run(h.token.ctx, h.token)
}

// complete records the outcome under the scheduler lock so that stats and
// the active map agree with the handle by the time waiters wake.
func (s *Scheduler) complete(h *Handle, result any, err error, d time.Duration) {
	s.mu.Lock()
	status, changed := h.finish(result, err)
	if !changed {
		s.mu.Unlock()
		return
	}
	if cur, ok := s.active[h.Key]; ok && cur == h {
		delete(s.active, h.Key)
	}
	switch status {
	case StatusCompleted:
		s.stats.Completed++
	case StatusFailed:
		s.stats.Failed++
	case StatusCancelled:
		s.stats.Cancelled++
	}
	hooks := append([]func(Event){}, s.hooks...)
	s.mu.Unlock()

	if status == StatusFailed {
		s.logger.Debug("job failed", "key", h.Key, "error", err)
	}

	ev := Event{
		ID:       h.ID,
		Key:      h.Key,
		Category: h.Category,
		Priority: h.Priority,
		Status:   status,
		Duration: d,
	}
	if status != StatusCompleted {
		ev.Err = h.Err()
	}
	for _, fn := range hooks {
		fn(ev)
	}
}
