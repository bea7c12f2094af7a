package archive

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/jackzampolin/leaf/internal/media"
)

// Signature identifies one version of a container on disk. An index built
// against one signature is never used for a container with another.
type Signature struct {
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Equal compares signatures at the resolution file systems reliably report.
func (s Signature) Equal(o Signature) bool {
	return s.Size == o.Size && s.ModTime.UnixNano() == o.ModTime.UnixNano()
}

// StatSignature reads the current signature of path.
func StatSignature(path string) (Signature, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Signature{}, classify(path, err)
	}
	return Signature{ModTime: fi.ModTime(), Size: fi.Size()}, nil
}

// Entry describes one file inside a container.
type Entry struct {
	Name             string    `json:"name"`
	Position         int       `json:"position"`
	UncompressedSize int64     `json:"uncompressed_size"`
	CompressedSize   int64     `json:"compressed_size"`
	IsImage          bool      `json:"is_image"`
	IsVideo          bool      `json:"is_video"`
	Modified         time.Time `json:"modified"`
}

func newEntry(name string, position int, uncompressed, compressed int64, modified time.Time) Entry {
	return Entry{
		Name:             name,
		Position:         position,
		UncompressedSize: uncompressed,
		CompressedSize:   compressed,
		IsImage:          media.IsImage(name),
		IsVideo:          media.IsVideo(name),
		Modified:         modified,
	}
}

// Index is the enumerated entry list of a container. Entries keep the
// container's own order, which sequential formats rely on.
type Index struct {
	Path      string    `json:"path"`
	Format    Format    `json:"format"`
	Signature Signature `json:"signature"`
	Entries   []Entry   `json:"entries"`
	Solid     bool      `json:"solid"`
	BuiltAt   time.Time `json:"built_at"`

	byName map[string]int
}

// NewIndex assembles an index and its name lookup table.
func NewIndex(path string, format Format, sig Signature, entries []Entry, solid bool) *Index {
	ix := &Index{
		Path:      path,
		Format:    format,
		Signature: sig,
		Entries:   entries,
		Solid:     solid,
		BuiltAt:   time.Now().UTC(),
		byName:    make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		ix.byName[e.Name] = i
		norm := normalizeEntryName(e.Name)
		if _, ok := ix.byName[norm]; !ok {
			ix.byName[norm] = i
		}
	}
	return ix
}

// Lookup finds an entry by exact name, then by normalized name.
func (ix *Index) Lookup(name string) (Entry, bool) {
	if i, ok := ix.byName[name]; ok {
		return ix.Entries[i], true
	}
	if i, ok := ix.byName[normalizeEntryName(name)]; ok {
		return ix.Entries[i], true
	}
	return Entry{}, false
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	return len(ix.Entries)
}

// TotalSize sums the uncompressed sizes of all entries.
func (ix *Index) TotalSize() int64 {
	var total int64
	for _, e := range ix.Entries {
		total += e.UncompressedSize
	}
	return total
}

// Pages returns the displayable entries in natural page order.
func (ix *Index) Pages() []Entry {
	pages := make([]Entry, 0, len(ix.Entries))
	for _, e := range ix.Entries {
		if e.IsImage || e.IsVideo {
			pages = append(pages, e)
		}
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return media.NaturalLess(pages[i].Name, pages[j].Name)
	})
	return pages
}

// NormalizePath produces the key under which per-container state is cached.
func NormalizePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
	}
	return path
}

func normalizeEntryName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimLeft(name, "/")
	return strings.ToLower(name)
}

func lowerExt(name string) string {
	return strings.ToLower(filepath.Ext(name))
}
