package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// Entry is one documented configuration key.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns every configuration key with its default value.
// These are registered with viper so each key can be overridden from the
// environment (LEAF_CACHE_MAX_MB and so on).
func DefaultEntries() []Entry {
	d := DefaultConfig()
	return []Entry{
		// ===================
		// Page cache
		// ===================
		{
			Key:         "cache.max_mb",
			Value:       d.Cache.MaxMB,
			Description: "Page cache budget in MiB; changes apply without restart",
		},
		{
			Key:         "cache.max_entries",
			Value:       d.Cache.MaxEntries,
			Description: "Maximum cached pages, 0 for no limit",
		},
		{
			Key:         "cache.protect_radius",
			Value:       d.Cache.ProtectRadius,
			Description: "Pages this close to the current page are evicted last",
		},

		// ===================
		// Preloading
		// ===================
		{
			Key:         "preload.ahead",
			Value:       d.Preload.Ahead,
			Description: "Pages preloaded in the reading direction",
		},
		{
			Key:         "preload.behind",
			Value:       d.Preload.Behind,
			Description: "Pages preloaded against the reading direction",
		},

		// ===================
		// Scheduler
		// ===================
		{
			Key:         "jobs.workers",
			Value:       d.Jobs.Workers,
			Description: "Worker goroutines loading pages",
		},
		{
			Key:         "jobs.primary_workers",
			Value:       d.Jobs.PrimaryWorkers,
			Description: "Workers that only load the page being viewed",
		},

		// ===================
		// Archives
		// ===================
		{
			Key:         "archive.max_indexes",
			Value:       d.Archive.MaxIndexes,
			Description: "Archive indexes kept in memory",
		},
		{
			Key:         "archive.max_handles",
			Value:       d.Archive.MaxHandles,
			Description: "ZIP files kept open at once",
		},
		{
			Key:         "archive.handle_ttl_seconds",
			Value:       d.Archive.HandleTTLSeconds,
			Description: "Idle time before an open ZIP file is closed",
		},
		{
			Key:         "archive.persist_indexes",
			Value:       d.Archive.PersistIndexes,
			Description: "Store archive indexes in the home directory between runs",
		},
		{
			Key:         "archive.solid_min_entries",
			Value:       d.Archive.SolidMinEntries,
			Description: "7z archives with more entries are treated as solid",
		},
		{
			Key:         "archive.solid_min_mb",
			Value:       d.Archive.SolidMinMB,
			Description: "7z archives larger than this many MiB are treated as solid",
		},
		{
			Key:         "archive.pre_extract.enabled",
			Value:       d.Archive.PreExtract.Enabled,
			Description: "Extract solid archives in the background when opened",
		},
		{
			Key:         "archive.pre_extract.memory_threshold_mb",
			Value:       d.Archive.PreExtract.MemoryThresholdMB,
			Description: "Pre-extracted entries above this size are written to disk",
		},
		{
			Key:         "archive.pre_extract.max_memory_mb",
			Value:       d.Archive.PreExtract.MaxMemoryMB,
			Description: "Memory held by pre-extracted entries before spilling to disk",
		},
		{
			Key:         "archive.pre_extract.compress_spill",
			Value:       d.Archive.PreExtract.CompressSpill,
			Description: "LZ4-compress entries spilled to disk",
		},

		// ===================
		// Watching & logging
		// ===================
		{
			Key:         "watch.enabled",
			Value:       d.Watch.Enabled,
			Description: "Reload the open book when its file or directory changes",
		},
		{
			Key:         "watch.debounce_ms",
			Value:       d.Watch.DebounceMS,
			Description: "Quiet period before a change triggers a reload",
		},
		{
			Key:         "log.level",
			Value:       d.Log.Level,
			Description: "Log level: debug, info, warn or error",
		},
	}
}

// GetDefault returns the default entry for a config key.
// Returns nil if no default exists for the key.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// LookupDefault is GetDefault with an error for unknown keys.
func LookupDefault(key string) (Entry, error) {
	if e := GetDefault(key); e != nil {
		return *e, nil
	}
	return Entry{}, fmt.Errorf("%w for key %q", ErrNoDefault, key)
}

// EntriesWithPrefix returns the default entries under prefix, sorted by key.
func EntriesWithPrefix(prefix string) []Entry {
	var out []Entry
	for _, e := range DefaultEntries() {
		if strings.HasPrefix(e.Key, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
