package archive

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/nwaples/rardecode/v2"
)

// buildRarIndex walks the headers once. The archive is solid when any file
// header carries the solid flag.
func buildRarIndex(ctx context.Context, path string, sig Signature) (*Index, error) {
	rc, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, classify(path, err)
	}
	defer rc.Close()

	var entries []Entry
	solid := false
	for pos := 0; ; pos++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(path, err)
		}
		if hdr.Solid {
			solid = true
		}
		if hdr.IsDir {
			continue
		}
		entries = append(entries, newEntry(hdr.Name, pos, hdr.UnPackedSize, hdr.PackedSize, hdr.ModificationTime))
	}
	return NewIndex(path, FormatRar, sig, entries, solid), nil
}

// readRarEntry decodes from the first entry until name is reached.
func readRarEntry(ctx context.Context, path, name string) ([]byte, error) {
	var data []byte
	found := false
	err := walkRar(ctx, path, func(entry string, size int64, r io.Reader) (bool, error) {
		if entry != name {
			return false, nil
		}
		buf := bytes.NewBuffer(make([]byte, 0, initialCap(size)))
		if _, err := io.Copy(buf, r); err != nil {
			return true, &EntryError{Container: path, Entry: name, Err: classify(path, err)}
		}
		data = buf.Bytes()
		found = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFound(path, name)
	}
	return data, nil
}

// walkRar visits file entries in archive order. Skipped entries are still
// decoded by the reader when the archive is solid.
func walkRar(ctx context.Context, path string, visit visitFunc) error {
	rc, err := rardecode.OpenReader(path)
	if err != nil {
		return classify(path, err)
	}
	defer rc.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return classify(path, err)
		}
		if hdr.IsDir {
			continue
		}
		stop, err := visit(hdr.Name, hdr.UnPackedSize, rc)
		if err != nil || stop {
			return err
		}
	}
}
