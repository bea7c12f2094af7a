// Package indexdb persists archive indexes in SQLite so reopening a large
// container skips its header scan. The table is a cache: rows are checked
// against the container's signature on load and can be deleted at any time.
package indexdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jackzampolin/leaf/internal/archive"
)

type record struct {
	Path      string `gorm:"primaryKey"`
	Format    int
	ModTimeNs int64
	Size      int64
	Solid     bool
	Entries   string `gorm:"type:text"`
	BuiltAt   time.Time
	UpdatedAt time.Time
}

func (record) TableName() string { return "archive_indexes" }

// Store implements archive.IndexStore.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ archive.IndexStore = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index db directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open index db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// SQLite allows one writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&record{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate index db: %w", err)
	}

	log.Debug("index db opened", "path", path)
	return &Store{db: db, logger: log.With("component", "indexdb")}, nil
}

// Load returns the stored index for key, or nil when there is none.
func (s *Store) Load(ctx context.Context, key string) (*archive.Index, error) {
	var rec record
	err := s.db.WithContext(ctx).First(&rec, "path = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index %s: %w", key, err)
	}

	var entries []archive.Entry
	if err := json.Unmarshal([]byte(rec.Entries), &entries); err != nil {
		// A row we cannot decode is treated as absent and replaced on save.
		s.logger.Warn("discarding undecodable index row", "path", key, "error", err)
		return nil, nil
	}

	sig := archive.Signature{ModTime: time.Unix(0, rec.ModTimeNs), Size: rec.Size}
	ix := archive.NewIndex(key, archive.Format(rec.Format), sig, entries, rec.Solid)
	ix.BuiltAt = rec.BuiltAt
	return ix, nil
}

// Save upserts ix under its normalized path.
func (s *Store) Save(ctx context.Context, ix *archive.Index) error {
	entries, err := json.Marshal(ix.Entries)
	if err != nil {
		return fmt.Errorf("failed to encode index %s: %w", ix.Path, err)
	}
	rec := record{
		Path:      archive.NormalizePath(ix.Path),
		Format:    int(ix.Format),
		ModTimeNs: ix.Signature.ModTime.UnixNano(),
		Size:      ix.Signature.Size,
		Solid:     ix.Solid,
		Entries:   string(entries),
		BuiltAt:   ix.BuiltAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save index %s: %w", rec.Path, err)
	}
	return nil
}

// Delete removes the row for key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&record{}, "path = ?", key).Error; err != nil {
		return fmt.Errorf("failed to delete index %s: %w", key, err)
	}
	return nil
}

// Count returns the number of stored indexes.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&record{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count indexes: %w", err)
	}
	return n, nil
}

// Prune deletes rows whose container no longer exists and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	var paths []string
	if err := s.db.WithContext(ctx).Model(&record{}).Pluck("path", &paths).Error; err != nil {
		return 0, fmt.Errorf("failed to list indexes: %w", err)
	}
	removed := 0
	for _, p := range paths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := s.Delete(ctx, p); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
