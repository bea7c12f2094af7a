package archive

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

func newZipReader(f *os.File, size int64) (*zip.Reader, error) {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return nil, err
	}
	// Some comic packers write zstd entries (WinZip method 93).
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return zr, nil
}

func openZip(path string, sig Signature) (*zipHandle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(path, err)
	}
	zr, err := newZipReader(f, sig.Size)
	if err != nil {
		f.Close()
		return nil, classify(path, err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		files[zf.Name] = zf
	}
	return &zipHandle{sig: sig, file: f, reader: zr, files: files}, nil
}

// buildZipIndex reads the central directory only.
func buildZipIndex(ctx context.Context, path string, sig Signature) (*Index, error) {
	h, err := openZip(path, sig)
	if err != nil {
		return nil, err
	}
	defer h.close()

	entries := make([]Entry, 0, len(h.reader.File))
	for i, zf := range h.reader.File {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if zf.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, newEntry(zf.Name, i, int64(zf.UncompressedSize64), int64(zf.CompressedSize64), zf.Modified))
	}
	// The central directory makes every entry independently addressable.
	return NewIndex(path, FormatZip, sig, entries, false), nil
}

// readZipEntry decompresses one entry while holding the handle's lock.
func readZipEntry(ctx context.Context, h *zipHandle, container, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := guard("zip read "+name, func() error {
		h.mu.Lock()
		defer h.mu.Unlock()

		zf, ok := h.files[name]
		if !ok {
			return notFound(container, name)
		}
		rc, err := zf.Open()
		if err != nil {
			return classify(container, err)
		}
		defer rc.Close()

		buf := bytes.NewBuffer(make([]byte, 0, initialCap(int64(zf.UncompressedSize64))))
		if _, err := io.Copy(buf, rc); err != nil {
			return &EntryError{Container: container, Entry: name, Err: classify(container, err)}
		}
		data = buf.Bytes()
		return nil
	})
	return data, err
}

// walkZip visits entries in container order. Used by the pre-extractor so
// every format shares one pipeline.
func walkZip(ctx context.Context, path string, sig Signature, visit visitFunc) error {
	h, err := openZip(path, sig)
	if err != nil {
		return err
	}
	defer h.close()

	for _, zf := range h.reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return classify(path, err)
		}
		stop, err := visit(zf.Name, int64(zf.UncompressedSize64), rc)
		rc.Close()
		if err != nil || stop {
			return err
		}
	}
	return nil
}
