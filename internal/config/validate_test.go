package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"empty", "", false},
		{"partial", "cache:\n  max_mb: 256\n", false},
		{"full nesting", "archive:\n  pre_extract:\n    enabled: false\n", false},
		{"unknown top-level key", "cahce:\n  max_mb: 256\n", true},
		{"unknown nested key", "preload:\n  forward: 3\n", true},
		{"wrong type", "cache:\n  max_mb: lots\n", true},
		{"below minimum", "jobs:\n  workers: 0\n", true},
		{"bad log level", "log:\n  level: loud\n", true},
		{"not yaml", "cache: [\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			err := ValidateFile(path)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("ValidateFile() = %v, want ErrInvalid", err)
				}
			} else if err != nil {
				t.Errorf("ValidateFile() = %v", err)
			}
		})
	}
}

func TestValidateFileMissing(t *testing.T) {
	err := ValidateFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("ValidateFile(missing) = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Preload.Ahead = -1
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v", err)
	}
}
