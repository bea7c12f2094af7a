// Package book holds the state of an open book: its ordered pages, the
// current page and the direction the reader is moving in.
package book

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/media"
)

// ErrNoPages is returned when a directory holds no displayable files.
var ErrNoPages = errors.New("book has no pages")

// Type is the kind of container a book was opened from.
type Type string

const (
	TypeArchive     Type = "archive"
	TypeDirectory   Type = "directory"
	TypeSingleImage Type = "single_image"
	TypeSingleVideo Type = "single_video"
)

// PageInfo describes one page. InnerPath is the entry name for archives and
// the file path for directories and single files.
type PageInfo struct {
	Index       int               `json:"index"`
	InnerPath   string            `json:"inner_path"`
	Name        string            `json:"name"`
	ContentType media.ContentType `json:"content_type"`
	Size        int64             `json:"size,omitempty"`
}

// Info is the summary returned to callers when a book is opened.
type Info struct {
	Path         string `json:"path"`
	Type         Type   `json:"type"`
	TotalPages   int    `json:"total_pages"`
	CurrentIndex int    `json:"current_index"`
	AtStart      bool   `json:"at_start"`
	AtEnd        bool   `json:"at_end"`
}

// Context is the navigation state of one open book. It is not safe for
// concurrent use; the page manager serializes access.
type Context struct {
	Path         string
	Type         Type
	Pages        []PageInfo
	CurrentIndex int
	Direction    int // +1 forward, -1 backward
	Solid        bool
}

func newContext(path string, typ Type, pages []PageInfo) *Context {
	return &Context{Path: path, Type: typ, Pages: pages, Direction: 1}
}

// FromArchive builds a book from a container index. Nested archives are not
// expanded; they are logged and left out of the page list.
func FromArchive(path string, ix *archive.Index, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}

	var nested []string
	for _, e := range ix.Entries {
		if media.Classify(e.Name) == media.ContentArchive {
			nested = append(nested, e.Name)
		}
	}
	if len(nested) > 0 {
		logger.Warn("nested archives are not opened", "path", path, "count", len(nested), "entries", nested)
	}

	entries := ix.Pages()
	pages := make([]PageInfo, len(entries))
	for i, e := range entries {
		pages[i] = PageInfo{
			Index:       i,
			InnerPath:   e.Name,
			Name:        entryBase(e.Name),
			ContentType: media.Classify(e.Name),
			Size:        e.UncompressedSize,
		}
	}
	c := newContext(path, TypeArchive, pages)
	c.Solid = ix.Solid
	return c
}

// FromDirectory scans dir (not recursively) for displayable files in
// natural order.
func FromDirectory(dir string) (*Context, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var names []string
	sizes := make(map[string]int64)
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !media.IsPage(name) {
			continue
		}
		names = append(names, name)
		if fi, err := de.Info(); err == nil {
			sizes[name] = fi.Size()
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPages, dir)
	}
	media.SortNatural(names)

	pages := make([]PageInfo, len(names))
	for i, name := range names {
		pages[i] = PageInfo{
			Index:       i,
			InnerPath:   filepath.Join(dir, name),
			Name:        name,
			ContentType: media.Classify(name),
			Size:        sizes[name],
		}
	}
	return newContext(dir, TypeDirectory, pages), nil
}

// FromSingleFile opens a lone image or video as a one-page book.
func FromSingleFile(file string) *Context {
	typ := TypeSingleImage
	if media.IsVideo(file) {
		typ = TypeSingleVideo
	}
	var size int64
	if fi, err := os.Stat(file); err == nil {
		size = fi.Size()
	}
	return newContext(file, typ, []PageInfo{{
		Index:       0,
		InnerPath:   file,
		Name:        filepath.Base(file),
		ContentType: media.Classify(file),
		Size:        size,
	}})
}

// Len returns the number of pages.
func (c *Context) Len() int {
	return len(c.Pages)
}

// Goto moves to index. Moving forward sets direction +1, backward -1; the
// same index keeps the previous direction. It reports false when index is
// out of range.
func (c *Context) Goto(index int) bool {
	if index < 0 || index >= len(c.Pages) {
		return false
	}
	if index != c.CurrentIndex {
		if index > c.CurrentIndex {
			c.Direction = 1
		} else {
			c.Direction = -1
		}
	}
	c.CurrentIndex = index
	return true
}

// Next moves forward one page.
func (c *Context) Next() bool {
	if c.CurrentIndex+1 >= len(c.Pages) {
		return false
	}
	c.CurrentIndex++
	c.Direction = 1
	return true
}

// Prev moves back one page.
func (c *Context) Prev() bool {
	if c.CurrentIndex == 0 {
		return false
	}
	c.CurrentIndex--
	c.Direction = -1
	return true
}

// Page returns the page at index.
func (c *Context) Page(index int) (PageInfo, bool) {
	if index < 0 || index >= len(c.Pages) {
		return PageInfo{}, false
	}
	return c.Pages[index], true
}

// Current returns the current page.
func (c *Context) Current() (PageInfo, bool) {
	return c.Page(c.CurrentIndex)
}

// IsFirst reports whether the current page is the first.
func (c *Context) IsFirst() bool { return c.CurrentIndex == 0 }

// IsLast reports whether the current page is the last.
func (c *Context) IsLast() bool { return c.CurrentIndex+1 >= len(c.Pages) }

// PreloadWindow returns the indices worth loading next: up to ahead pages
// in the reading direction, nearest first, then up to behind pages against
// it.
func (c *Context) PreloadWindow(ahead, behind int) []int {
	out := make([]int, 0, ahead+behind)
	step := c.Direction
	if step == 0 {
		step = 1
	}
	for i := 1; i <= ahead; i++ {
		if idx := c.CurrentIndex + i*step; idx >= 0 && idx < len(c.Pages) {
			out = append(out, idx)
		}
	}
	for i := 1; i <= behind; i++ {
		if idx := c.CurrentIndex - i*step; idx >= 0 && idx < len(c.Pages) {
			out = append(out, idx)
		}
	}
	return out
}

// Info returns the summary of the book.
func (c *Context) Info() Info {
	return Info{
		Path:         c.Path,
		Type:         c.Type,
		TotalPages:   len(c.Pages),
		CurrentIndex: c.CurrentIndex,
		AtStart:      c.IsFirst(),
		AtEnd:        c.IsLast(),
	}
}

func entryBase(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}
