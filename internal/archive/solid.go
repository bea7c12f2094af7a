package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/sync/errgroup"
)

// visitFunc receives each file entry in container order. r is only valid
// for the duration of the call. Returning stop ends the walk.
type visitFunc func(name string, size int64, r io.Reader) (stop bool, err error)

func walkContainer(ctx context.Context, path string, format Format, sig Signature, visit visitFunc) error {
	switch format {
	case FormatZip:
		return walkZip(ctx, path, sig, visit)
	case FormatRar:
		return walkRar(ctx, path, visit)
	case FormatSevenZip:
		return walkSevenZip(ctx, path, visit)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func initialCap(size int64) int {
	const limit = 64 << 20
	if size <= 0 {
		return 0
	}
	if size > limit {
		return limit
	}
	return int(size)
}

// PreExtractState is the lifecycle of one container's pre-extraction.
type PreExtractState string

const (
	PreExtractNone       PreExtractState = "none"
	PreExtractExtracting PreExtractState = "extracting"
	PreExtractDone       PreExtractState = "done"
	PreExtractCancelled  PreExtractState = "cancelled"
	PreExtractFailed     PreExtractState = "failed"
)

// PreExtractConfig bounds the pre-extractor. Entries larger than
// MemoryThreshold, or arriving once MaxMemory is used, are spilled to
// ScratchDir.
type PreExtractConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	MemoryThreshold int64  `mapstructure:"memory_threshold" yaml:"memory_threshold"`
	MaxMemory       int64  `mapstructure:"max_memory" yaml:"max_memory"`
	ScratchDir      string `mapstructure:"scratch_dir" yaml:"scratch_dir"`
	CompressSpill   bool   `mapstructure:"compress_spill" yaml:"compress_spill"`
}

// DefaultPreExtractConfig returns the stock limits.
func DefaultPreExtractConfig() PreExtractConfig {
	return PreExtractConfig{
		Enabled:         true,
		MemoryThreshold: 10 << 20,
		MaxMemory:       500 << 20,
		CompressSpill:   true,
	}
}

// PreExtractStats reports pre-extractor activity.
type PreExtractStats struct {
	Active         int    `json:"active"`
	Requests       uint64 `json:"requests"`
	Hits           uint64 `json:"hits"`
	Extracted      uint64 `json:"extracted"`
	ExtractedBytes int64  `json:"extracted_bytes"`
	MemoryBytes    int64  `json:"memory_bytes"`
	SpilledBytes   int64  `json:"spilled_bytes"`
}

// PreExtractProgress is the progress of one container.
type PreExtractProgress struct {
	State     PreExtractState `json:"state"`
	Extracted int             `json:"extracted"`
	Total     int             `json:"total"`
	Error     string          `json:"error,omitempty"`
}

type spillRef struct {
	path       string
	size       int64
	compressed bool
}

type extracted struct {
	name string
	data []byte
}

// preExtraction holds the output of one background decode.
type preExtraction struct {
	key    string
	sig    Signature
	dir    string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	state     PreExtractState
	err       error
	mem       map[string][]byte
	spilled   map[string]spillRef
	memBytes  int64
	extracted int
	total     int
}

// PreExtractor decodes solid containers front to back once, in the
// background, so later page requests avoid a sequential decode each.
type PreExtractor struct {
	cfg    PreExtractConfig
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*preExtraction
	memUsed int64
	stats   PreExtractStats
	wg      sync.WaitGroup
}

// NewPreExtractor creates a pre-extractor. A zero threshold or cap takes
// the default.
func NewPreExtractor(cfg PreExtractConfig, logger *slog.Logger) *PreExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultPreExtractConfig()
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = def.MaxMemory
	}
	return &PreExtractor{
		cfg:    cfg,
		logger: logger.With("component", "pre_extract"),
		jobs:   make(map[string]*preExtraction),
	}
}

// Start begins pre-extraction of path unless one for the same signature is
// running or finished. It returns false when nothing was started.
func (p *PreExtractor) Start(path string, format Format, sig Signature, total int) bool {
	if !p.cfg.Enabled {
		return false
	}
	key := NormalizePath(path)

	p.mu.Lock()
	if pe, ok := p.jobs[key]; ok {
		pe.mu.RLock()
		st := pe.state
		pe.mu.RUnlock()
		if pe.sig.Equal(sig) && (st == PreExtractExtracting || st == PreExtractDone) {
			p.mu.Unlock()
			return false
		}
		p.detachLocked(pe)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pe := &preExtraction{
		key:     key,
		sig:     sig,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   PreExtractExtracting,
		mem:     make(map[string][]byte),
		spilled: make(map[string]spillRef),
		total:   total,
	}
	p.jobs[key] = pe
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer close(pe.done)
		start := time.Now()
		err := p.run(ctx, pe, path, format)

		pe.mu.Lock()
		switch {
		case err == nil:
			pe.state = PreExtractDone
		case errors.Is(err, context.Canceled):
			pe.state = PreExtractCancelled
		default:
			pe.state = PreExtractFailed
			pe.err = err
		}
		state, n := pe.state, pe.extracted
		pe.mu.Unlock()

		if state == PreExtractFailed {
			p.logger.Warn("pre-extraction failed", "path", key, "extracted", n, "error", err)
		} else {
			p.logger.Debug("pre-extraction finished", "path", key, "state", state, "extracted", n, "duration", time.Since(start))
		}
	}()

	p.logger.Debug("pre-extraction started", "path", key, "format", format, "entries", total)
	return true
}

// run decodes in one goroutine and stores in another so a slow spill write
// does not stall the decoder beyond the channel buffer.
func (p *PreExtractor) run(ctx context.Context, pe *preExtraction, path string, format Format) error {
	g, gctx := errgroup.WithContext(ctx)
	items := make(chan extracted, 4)

	g.Go(func() error {
		defer close(items)
		return walkContainer(gctx, path, format, pe.sig, func(name string, size int64, r io.Reader) (bool, error) {
			buf := bytes.NewBuffer(make([]byte, 0, initialCap(size)))
			if _, err := io.Copy(buf, r); err != nil {
				return true, &EntryError{Container: path, Entry: name, Err: classify(path, err)}
			}
			select {
			case items <- extracted{name: name, data: buf.Bytes()}:
				return false, nil
			case <-gctx.Done():
				return true, gctx.Err()
			}
		})
	})

	g.Go(func() error {
		for it := range items {
			if err := p.store(pe, it); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

func (p *PreExtractor) store(pe *preExtraction, it extracted) error {
	size := int64(len(it.data))

	p.mu.Lock()
	inMemory := size <= p.cfg.MemoryThreshold && p.memUsed+size <= p.cfg.MaxMemory
	if inMemory {
		p.memUsed += size
		p.stats.MemoryBytes = p.memUsed
	}
	p.stats.Extracted++
	p.stats.ExtractedBytes += size
	p.mu.Unlock()

	if inMemory {
		pe.mu.Lock()
		pe.mem[it.name] = it.data
		pe.memBytes += size
		pe.extracted++
		pe.mu.Unlock()
		return nil
	}

	ref, err := p.spill(pe, it)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.stats.SpilledBytes += size
	p.mu.Unlock()

	pe.mu.Lock()
	pe.spilled[it.name] = ref
	pe.extracted++
	pe.mu.Unlock()
	return nil
}

func (p *PreExtractor) spill(pe *preExtraction, it extracted) (spillRef, error) {
	if pe.dir == "" {
		base := p.cfg.ScratchDir
		if base == "" {
			base = os.TempDir()
		}
		dir := filepath.Join(base, "leaf-extract-"+uuid.NewString())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return spillRef{}, fmt.Errorf("%w: create scratch dir: %w", ErrIO, err)
		}
		pe.dir = dir
	}

	ref := spillRef{
		path:       filepath.Join(pe.dir, fmt.Sprintf("%06d.bin", pe.extracted)),
		size:       int64(len(it.data)),
		compressed: p.cfg.CompressSpill,
	}
	f, err := os.Create(ref.path)
	if err != nil {
		return spillRef{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	var w io.Writer = f
	var zw *lz4.Writer
	if ref.compressed {
		zw = lz4.NewWriter(f)
		w = zw
	}
	if _, err := w.Write(it.data); err != nil {
		return spillRef{}, fmt.Errorf("%w: spill %s: %w", ErrIO, it.name, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return spillRef{}, fmt.Errorf("%w: spill %s: %w", ErrIO, it.name, err)
		}
	}
	return ref, nil
}

// Get returns a pre-extracted entry when it has been produced from the
// container as it is at sig. Output of an earlier version is never served.
func (p *PreExtractor) Get(path string, sig Signature, name string) ([]byte, bool) {
	key := NormalizePath(path)

	p.mu.Lock()
	p.stats.Requests++
	pe, ok := p.jobs[key]
	p.mu.Unlock()
	if !ok || !pe.sig.Equal(sig) {
		return nil, false
	}

	pe.mu.RLock()
	data, inMem := pe.mem[name]
	ref, onDisk := pe.spilled[name]
	pe.mu.RUnlock()

	switch {
	case inMem:
		p.hit()
		return bytes.Clone(data), true
	case onDisk:
		data, err := readSpill(ref)
		if err != nil {
			p.logger.Warn("failed to read spilled entry", "path", key, "entry", name, "error", err)
			return nil, false
		}
		p.hit()
		return data, true
	}
	return nil, false
}

func (p *PreExtractor) hit() {
	p.mu.Lock()
	p.stats.Hits++
	p.mu.Unlock()
}

func readSpill(ref spillRef) ([]byte, error) {
	f, err := os.Open(ref.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if ref.compressed {
		r = lz4.NewReader(f)
	}
	buf := bytes.NewBuffer(make([]byte, 0, initialCap(ref.size)))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// State returns the state for path, or PreExtractNone.
func (p *PreExtractor) State(path string) PreExtractState {
	return p.Progress(path).State
}

// Progress returns state and counters for path.
func (p *PreExtractor) Progress(path string) PreExtractProgress {
	p.mu.Lock()
	pe, ok := p.jobs[NormalizePath(path)]
	p.mu.Unlock()
	if !ok {
		return PreExtractProgress{State: PreExtractNone}
	}
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	prog := PreExtractProgress{State: pe.state, Extracted: pe.extracted, Total: pe.total}
	if pe.err != nil {
		prog.Error = pe.err.Error()
	}
	return prog
}

// Wait blocks until the pre-extraction of path ends or ctx is done.
func (p *PreExtractor) Wait(ctx context.Context, path string) (PreExtractState, error) {
	p.mu.Lock()
	pe, ok := p.jobs[NormalizePath(path)]
	p.mu.Unlock()
	if !ok {
		return PreExtractNone, nil
	}
	select {
	case <-pe.done:
	case <-ctx.Done():
		return PreExtractExtracting, ctx.Err()
	}
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	return pe.state, pe.err
}

// Cancel stops and discards the pre-extraction of path.
func (p *PreExtractor) Cancel(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pe, ok := p.jobs[NormalizePath(path)]; ok {
		p.detachLocked(pe)
	}
}

// Stats returns a snapshot of counters.
func (p *PreExtractor) Stats() PreExtractStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Active = 0
	for _, pe := range p.jobs {
		pe.mu.RLock()
		if pe.state == PreExtractExtracting {
			s.Active++
		}
		pe.mu.RUnlock()
	}
	return s
}

// Close cancels everything and waits for the decoders to exit.
func (p *PreExtractor) Close() {
	p.mu.Lock()
	for _, pe := range p.jobs {
		p.detachLocked(pe)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// detachLocked cancels pe, removes it from the table and frees its output
// once the decoder has exited.
func (p *PreExtractor) detachLocked(pe *preExtraction) {
	pe.cancel()
	if cur, ok := p.jobs[pe.key]; ok && cur == pe {
		delete(p.jobs, pe.key)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-pe.done
		pe.mu.Lock()
		freed := pe.memBytes
		pe.mem = nil
		pe.spilled = nil
		pe.memBytes = 0
		dir := pe.dir
		pe.mu.Unlock()

		p.mu.Lock()
		p.memUsed -= freed
		p.stats.MemoryBytes = p.memUsed
		p.mu.Unlock()

		if dir != "" {
			if err := os.RemoveAll(dir); err != nil {
				p.logger.Warn("failed to remove scratch dir", "dir", dir, "error", err)
			}
		}
	}()
}
