package jobs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCancelled is returned by jobs that observed their token.
	ErrCancelled = errors.New("job cancelled")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("scheduler closed")

	// ErrNilRun is returned when a job has no Run function.
	ErrNilRun = errors.New("job has no run function")
)

// Priority levels. Higher values are processed first.
const (
	PriorityThumbnail   = 10
	PriorityPreload     = 50
	PriorityCurrentPage = 90
	PriorityUrgent      = 100
)

// PriorityName returns a label for the priority band p falls into.
func PriorityName(p int) string {
	switch {
	case p >= PriorityUrgent:
		return "urgent"
	case p >= PriorityCurrentPage:
		return "current_page"
	case p >= PriorityPreload:
		return "preload"
	default:
		return "thumbnail"
	}
}

// Category groups jobs for stats and logging.
type Category string

const (
	CategoryPageContent Category = "page_content"
	CategoryThumbnail   Category = "thumbnail"
	CategoryArchiveScan Category = "archive_scan"
	CategoryPreExtract  Category = "pre_extract"
)

// Status represents the current state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunFunc does the work of a job. It should check tok before and after
// blocking steps and return ErrCancelled when it is set.
type RunFunc func(ctx context.Context, tok *Token) (any, error)

// Job is one unit of prioritized work. Jobs with equal keys are coalesced
// while one of them is queued or running.
type Job struct {
	Key      string
	Priority int
	Category Category
	Run      RunFunc
}

// PageKey is the coalescing key for loading page index of book.
func PageKey(book string, index int) string {
	return BookPrefix(book) + strconv.Itoa(index)
}

// BookPrefix matches every page job of book.
func BookPrefix(book string) string {
	return "page:" + book + ":"
}

// Token is the cancellation flag shared by a job and its handle.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newToken() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancelled reports whether the job was cancelled.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Check returns ErrCancelled once the job was cancelled.
func (t *Token) Check() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Done is closed when the job is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Handle tracks a submitted job. Every submitter of a coalesced key gets
// the same handle.
type Handle struct {
	ID       string
	Key      string
	Priority int
	Category Category
	Created  time.Time

	job   Job
	token *Token
	done  chan struct{}
	sched *Scheduler

	mu     sync.Mutex
	status Status
	result any
	err    error

	// Queue position, guarded by the queue lock. -1 when not queued.
	index int
	seq   uint64
}

func newHandle(job Job, s *Scheduler) *Handle {
	return &Handle{
		ID:       uuid.NewString(),
		Key:      job.Key,
		Priority: job.Priority,
		Category: job.Category,
		Created:  time.Now(),
		job:      job,
		token:    newToken(),
		done:     make(chan struct{}),
		sched:    s,
		status:   StatusQueued,
		index:    -1,
	}
}

// Status returns the current state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx ends. A cancelled job returns
// ErrCancelled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Cancel sets the job's token. A queued job is removed from the queue and
// never runs; a running job stops at its next token check.
func (h *Handle) Cancel() {
	h.sched.cancel(h)
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	return h.token.Cancelled()
}

// setRunning moves a queued handle to running. It fails if the handle was
// cancelled in the meantime.
func (h *Handle) setRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusQueued || h.token.Cancelled() {
		return false
	}
	h.status = StatusRunning
	return true
}

// finish records the terminal state once. It reports the state and
// whether this call recorded it.
func (h *Handle) finish(result any, err error) (Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return h.status, false
	}
	switch {
	case h.token.Cancelled() || errors.Is(err, ErrCancelled):
		h.status = StatusCancelled
		h.result = nil
		h.err = ErrCancelled
	case err != nil:
		h.status = StatusFailed
		h.err = err
	default:
		h.status = StatusCompleted
		h.result = result
	}
	close(h.done)
	return h.status, true
}
