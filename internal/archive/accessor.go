// Package archive reads pages out of ZIP, RAR and 7z containers behind one
// extraction call. ZIP entries are read directly through a shared handle;
// RAR and 7z entries are decoded sequentially, or served from a background
// pre-extraction when the container is solid.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by calls on a closed accessor.
var ErrClosed = errors.New("archive accessor closed")

// Config configures an Accessor.
type Config struct {
	Logger *slog.Logger

	MaxIndexes int           // Default 256
	MaxHandles int           // Default 16
	HandleTTL  time.Duration // Default 5m

	// Store persists indexes across runs. Optional.
	Store IndexStore

	PreExtract PreExtractConfig

	// 7z containers above either bound are treated as solid.
	SolidMinEntries int   // Default 100
	SolidMinBytes   int64 // Default 100 MiB
}

// Stats is a snapshot of accessor state.
type Stats struct {
	Extractions uint64          `json:"extractions"`
	Indexes     IndexCacheStats `json:"indexes"`
	Handles     HandleStats     `json:"handles"`
	PreExtract  PreExtractStats `json:"pre_extract"`
}

// Accessor is the single entry point for reading container entries.
type Accessor struct {
	logger  *slog.Logger
	indexes *IndexCache
	handles *handleRegistry
	pre     *PreExtractor

	solidMinEntries int
	solidMinBytes   int64

	extractions atomic.Uint64
	closed      atomic.Bool
}

// New creates an accessor.
func New(cfg Config) *Accessor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "archive")

	a := &Accessor{
		logger:          logger,
		handles:         newHandleRegistry(cfg.MaxHandles, cfg.HandleTTL, logger),
		pre:             NewPreExtractor(cfg.PreExtract, logger),
		solidMinEntries: cfg.SolidMinEntries,
		solidMinBytes:   cfg.SolidMinBytes,
	}
	if a.solidMinEntries <= 0 {
		a.solidMinEntries = 100
	}
	if a.solidMinBytes <= 0 {
		a.solidMinBytes = 100 << 20
	}
	a.indexes = NewIndexCache(IndexCacheConfig{
		Logger:     logger,
		MaxEntries: cfg.MaxIndexes,
		Store:      cfg.Store,
		Build:      a.build,
	})
	return a
}

func (a *Accessor) build(ctx context.Context, path string, sig Signature) (*Index, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	var ix *Index
	switch format {
	case FormatZip:
		ix, err = buildZipIndex(ctx, path, sig)
	case FormatRar:
		ix, err = buildRarIndex(ctx, path, sig)
	case FormatSevenZip:
		ix, err = buildSevenZipIndex(ctx, path, sig)
		if err == nil {
			ix.Solid = ix.Len() > a.solidMinEntries || ix.TotalSize() > a.solidMinBytes
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return ix, err
}

// Index returns the signature-checked index of a container.
func (a *Accessor) Index(ctx context.Context, path string) (*Index, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	return a.indexes.GetOrBuild(ctx, path)
}

// Images returns the displayable entries of a container in page order.
func (a *Accessor) Images(ctx context.Context, path string) ([]Entry, error) {
	ix, err := a.Index(ctx, path)
	if err != nil {
		return nil, err
	}
	return ix.Pages(), nil
}

// Extract returns the bytes of one entry. The returned slice is owned by
// the caller.
func (a *Accessor) Extract(ctx context.Context, path, inner string) ([]byte, error) {
	ix, err := a.Index(ctx, path)
	if err != nil {
		return nil, err
	}
	entry, ok := ix.Lookup(inner)
	if !ok {
		return nil, notFound(path, inner)
	}
	a.extractions.Add(1)

	switch ix.Format {
	case FormatZip:
		h, err := a.handles.acquire(path, ix.Signature)
		if err != nil {
			return nil, err
		}
		defer a.handles.release(h)
		return readZipEntry(ctx, h, path, entry.Name)

	case FormatRar, FormatSevenZip:
		if data, ok := a.pre.Get(path, ix.Signature, entry.Name); ok {
			return data, nil
		}
		if ix.Solid {
			a.pre.Start(path, ix.Format, ix.Signature, ix.Len())
		}
		if ix.Format == FormatRar {
			return readRarEntry(ctx, path, entry.Name)
		}
		return readSevenZipEntry(ctx, path, entry.Name)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// PreExtract starts a background pre-extraction of path. It reports
// whether a new one was started.
func (a *Accessor) PreExtract(ctx context.Context, path string) (bool, error) {
	ix, err := a.Index(ctx, path)
	if err != nil {
		return false, err
	}
	return a.pre.Start(path, ix.Format, ix.Signature, ix.Len()), nil
}

// PreExtractProgress reports the pre-extraction state of path.
func (a *Accessor) PreExtractProgress(path string) PreExtractProgress {
	return a.pre.Progress(path)
}

// WaitPreExtract blocks until the pre-extraction of path ends.
func (a *Accessor) WaitPreExtract(ctx context.Context, path string) (PreExtractState, error) {
	return a.pre.Wait(ctx, path)
}

// CancelPreExtract stops the pre-extraction of path and frees its output.
func (a *Accessor) CancelPreExtract(path string) {
	a.pre.Cancel(path)
}

// Invalidate forgets everything known about path: its index, its open
// handle and any pre-extraction output.
func (a *Accessor) Invalidate(path string) {
	a.indexes.Invalidate(path)
	a.handles.invalidate(path)
	a.pre.Cancel(path)
	a.logger.Debug("container invalidated", "path", NormalizePath(path))
}

// Stats returns a snapshot of accessor state.
func (a *Accessor) Stats() Stats {
	return Stats{
		Extractions: a.extractions.Load(),
		Indexes:     a.indexes.Stats(),
		Handles:     a.handles.snapshot(),
		PreExtract:  a.pre.Stats(),
	}
}

// Close releases all handles and stops pre-extraction.
func (a *Accessor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.pre.Close()
	a.handles.closeAll()
	a.indexes.Clear()
	return nil
}
