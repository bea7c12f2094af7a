package config

import (
	"time"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/jobs"
	"github.com/jackzampolin/leaf/internal/pagecache"
)

// Config holds leaf configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Cache   CacheCfg   `mapstructure:"cache" yaml:"cache" json:"cache"`
	Preload PreloadCfg `mapstructure:"preload" yaml:"preload" json:"preload"`
	Jobs    JobsCfg    `mapstructure:"jobs" yaml:"jobs" json:"jobs"`
	Archive ArchiveCfg `mapstructure:"archive" yaml:"archive" json:"archive"`
	Watch   WatchCfg   `mapstructure:"watch" yaml:"watch" json:"watch"`
	Log     LogCfg     `mapstructure:"log" yaml:"log" json:"log"`
}

// CacheCfg sizes the page cache.
type CacheCfg struct {
	MaxMB         int `mapstructure:"max_mb" yaml:"max_mb" json:"max_mb"`
	MaxEntries    int `mapstructure:"max_entries" yaml:"max_entries" json:"max_entries"`          // 0 = unbounded
	ProtectRadius int `mapstructure:"protect_radius" yaml:"protect_radius" json:"protect_radius"` // pages around the current one kept out of distance eviction
}

// PreloadCfg sets the preload window.
type PreloadCfg struct {
	Ahead  int `mapstructure:"ahead" yaml:"ahead" json:"ahead"`
	Behind int `mapstructure:"behind" yaml:"behind" json:"behind"`
}

// JobsCfg sizes the worker pool.
type JobsCfg struct {
	Workers        int `mapstructure:"workers" yaml:"workers" json:"workers"`
	PrimaryWorkers int `mapstructure:"primary_workers" yaml:"primary_workers" json:"primary_workers"` // reserved for the page being viewed
}

// ArchiveCfg configures container access.
type ArchiveCfg struct {
	MaxIndexes       int           `mapstructure:"max_indexes" yaml:"max_indexes" json:"max_indexes"`
	MaxHandles       int           `mapstructure:"max_handles" yaml:"max_handles" json:"max_handles"`
	HandleTTLSeconds int           `mapstructure:"handle_ttl_seconds" yaml:"handle_ttl_seconds" json:"handle_ttl_seconds"`
	PersistIndexes   bool          `mapstructure:"persist_indexes" yaml:"persist_indexes" json:"persist_indexes"` // keep indexes in {home}/indexes.db
	SolidMinEntries  int           `mapstructure:"solid_min_entries" yaml:"solid_min_entries" json:"solid_min_entries"`
	SolidMinMB       int           `mapstructure:"solid_min_mb" yaml:"solid_min_mb" json:"solid_min_mb"`
	PreExtract       PreExtractCfg `mapstructure:"pre_extract" yaml:"pre_extract" json:"pre_extract"`
}

// PreExtractCfg configures background extraction of solid archives.
type PreExtractCfg struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MemoryThresholdMB int  `mapstructure:"memory_threshold_mb" yaml:"memory_threshold_mb" json:"memory_threshold_mb"` // larger entries go to disk
	MaxMemoryMB       int  `mapstructure:"max_memory_mb" yaml:"max_memory_mb" json:"max_memory_mb"`
	CompressSpill     bool `mapstructure:"compress_spill" yaml:"compress_spill" json:"compress_spill"`
}

// WatchCfg configures reloading of the open book when it changes on disk.
type WatchCfg struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	DebounceMS int  `mapstructure:"debounce_ms" yaml:"debounce_ms" json:"debounce_ms"`
}

// LogCfg configures logging.
type LogCfg struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"` // debug, info, warn, error
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheCfg{
			MaxMB:         512,
			ProtectRadius: 1,
		},
		Preload: PreloadCfg{
			Ahead:  5,
			Behind: 5,
		},
		Jobs: JobsCfg{
			Workers:        4,
			PrimaryWorkers: 2,
		},
		Archive: ArchiveCfg{
			MaxIndexes:       256,
			MaxHandles:       16,
			HandleTTLSeconds: 300,
			PersistIndexes:   true,
			SolidMinEntries:  100,
			SolidMinMB:       100,
			PreExtract: PreExtractCfg{
				Enabled:           true,
				MemoryThresholdMB: 10,
				MaxMemoryMB:       500,
				CompressSpill:     true,
			},
		},
		Watch: WatchCfg{
			Enabled:    true,
			DebounceMS: 250,
		},
		Log: LogCfg{
			Level: "info",
		},
	}
}

const mib = 1 << 20

// CacheConfig converts the cache section.
func (c *Config) CacheConfig() pagecache.Config {
	return pagecache.Config{
		MaxBytes:      int64(c.Cache.MaxMB) * mib,
		MaxEntries:    c.Cache.MaxEntries,
		ProtectRadius: c.Cache.ProtectRadius,
	}
}

// SchedulerConfig converts the jobs section. A zero primary count is
// passed on as "none" rather than the scheduler default.
func (c *Config) SchedulerConfig() jobs.Config {
	primary := c.Jobs.PrimaryWorkers
	if primary == 0 {
		primary = -1
	}
	return jobs.Config{
		Workers:        c.Jobs.Workers,
		PrimaryWorkers: primary,
	}
}

// ArchiveConfig converts the archive section. Spilled pre-extraction
// output goes under scratchDir.
func (c *Config) ArchiveConfig(scratchDir string) archive.Config {
	pe := c.Archive.PreExtract
	return archive.Config{
		MaxIndexes: c.Archive.MaxIndexes,
		MaxHandles: c.Archive.MaxHandles,
		HandleTTL:  time.Duration(c.Archive.HandleTTLSeconds) * time.Second,
		PreExtract: archive.PreExtractConfig{
			Enabled:         pe.Enabled,
			MemoryThreshold: int64(pe.MemoryThresholdMB) * mib,
			MaxMemory:       int64(pe.MaxMemoryMB) * mib,
			ScratchDir:      scratchDir,
			CompressSpill:   pe.CompressSpill,
		},
		SolidMinEntries: c.Archive.SolidMinEntries,
		SolidMinBytes:   int64(c.Archive.SolidMinMB) * mib,
	}
}

// WatchDebounce returns the watch debounce as a duration.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}
