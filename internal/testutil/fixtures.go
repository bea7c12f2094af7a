package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

// TestingT is the subset of testing.T the fixture helpers need.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
	TempDir() string
}

// File is one entry written into a fixture container.
type File struct {
	Name string
	Data []byte
}

// PageFiles returns n image entries named page001.jpg, page002.jpg, ...
// with distinct contents.
func PageFiles(n int) []File {
	files := make([]File, n)
	for i := range files {
		files[i] = File{
			Name: fmt.Sprintf("page%03d.jpg", i+1),
			Data: PageData(i),
		}
	}
	return files
}

// PageData is the content PageFiles stores for the page at index i.
func PageData(i int) []byte {
	return []byte(fmt.Sprintf("page-%03d-content", i+1))
}

// WriteZip writes files into a new ZIP container at path, using deflate.
func WriteZip(t TestingT, path string, files []File) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, file := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     file.Name,
			Method:   zip.Deflate,
			Modified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("zip entry %s: %v", file.Name, err)
		}
		if _, err := w.Write(file.Data); err != nil {
			t.Fatalf("zip write %s: %v", file.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

// WriteDir writes files into dir and returns dir.
func WriteDir(t TestingT, dir string, files []File) string {
	t.Helper()

	for _, file := range files {
		p := filepath.Join(dir, filepath.FromSlash(file.Name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, file.Data, 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	return dir
}

// Touch moves the modification time of path forward so signature checks
// see a new version even on coarse-grained file systems.
func Touch(t TestingT, path string, by time.Duration) {
	t.Helper()

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	mt := fi.ModTime().Add(by)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

var _ TestingT = (*testing.T)(nil)
