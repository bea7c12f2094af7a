package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-leaf")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-leaf" {
			t.Errorf("expected path /tmp/test-leaf, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-leaf")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ScratchPath", dir.ScratchPath(), "/tmp/test-leaf/scratch"},
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-leaf/config.yaml"},
		{"IndexDBPath", dir.IndexDBPath(), "/tmp/test-leaf/indexes.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	dir, err := New(filepath.Join(t.TempDir(), "leaf-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir.Exists() {
		t.Error("directory should not exist before EnsureExists")
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}
	if !dir.Exists() {
		t.Error("directory should exist after EnsureExists")
	}
	if _, err := os.Stat(dir.ScratchPath()); os.IsNotExist(err) {
		t.Error("scratch directory should exist after EnsureExists")
	}
}

func TestDir_ConfigExists(t *testing.T) {
	dir, _ := New(t.TempDir())

	if dir.ConfigExists() {
		t.Error("config should not exist initially")
	}
	if err := os.WriteFile(dir.ConfigPath(), []byte("log:\n  level: info\n"), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}
	if !dir.ConfigExists() {
		t.Error("config should exist after creation")
	}
}

func TestDir_CleanScratch(t *testing.T) {
	dir, _ := New(filepath.Join(t.TempDir(), "leaf-test"))

	if n, err := dir.CleanScratch(); err != nil || n != 0 {
		t.Fatalf("CleanScratch on missing dir = %d, %v", n, err)
	}

	if err := dir.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	leftover := filepath.Join(dir.ScratchPath(), "leaf-extract-1234")
	if err := os.MkdirAll(leftover, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(leftover, "0001.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := dir.CleanScratch()
	if err != nil || n != 1 {
		t.Fatalf("CleanScratch = %d, %v", n, err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("leftover still present")
	}
	if _, err := os.Stat(dir.ScratchPath()); err != nil {
		t.Error("scratch dir itself removed")
	}
}
