package archive

import (
	"bytes"
	"context"
	"io"

	"github.com/bodgit/sevenzip"
)

// buildSevenZipIndex reads the archive header. The reader does not expose
// folder layout, so solidity is decided by the accessor's size heuristic.
func buildSevenZipIndex(ctx context.Context, path string, sig Signature) (*Index, error) {
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, classify(path, err)
	}
	defer rc.Close()

	entries := make([]Entry, 0, len(rc.File))
	for pos, f := range rc.File {
		if pos%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, newEntry(f.Name, pos, int64(f.UncompressedSize), 0, f.Modified))
	}
	return NewIndex(path, FormatSevenZip, sig, entries, false), nil
}

func readSevenZipEntry(ctx context.Context, path, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, classify(path, err)
	}
	defer rc.Close()

	for _, f := range rc.File {
		if f.Name != name {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return nil, classify(path, err)
		}
		defer r.Close()
		buf := bytes.NewBuffer(make([]byte, 0, initialCap(int64(f.UncompressedSize))))
		if _, err := io.Copy(buf, r); err != nil {
			return nil, &EntryError{Container: path, Entry: name, Err: classify(path, err)}
		}
		return buf.Bytes(), nil
	}
	return nil, notFound(path, name)
}

func walkSevenZip(ctx context.Context, path string, visit visitFunc) error {
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return classify(path, err)
	}
	defer rc.Close()

	for _, f := range rc.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return classify(path, err)
		}
		stop, err := visit(f.Name, int64(f.UncompressedSize), r)
		r.Close()
		if err != nil || stop {
			return err
		}
	}
	return nil
}
