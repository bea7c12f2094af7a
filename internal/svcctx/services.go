package svcctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/config"
	"github.com/jackzampolin/leaf/internal/home"
	"github.com/jackzampolin/leaf/internal/indexdb"
	"github.com/jackzampolin/leaf/internal/jobs"
	"github.com/jackzampolin/leaf/internal/pagecache"
	"github.com/jackzampolin/leaf/internal/pages"
)

// Options configures New.
type Options struct {
	ConfigFile string
	HomeDir    string

	// Logger is the base logger. Level, when set, is adjusted from the
	// log.level setting on load and on every config change.
	Logger *slog.Logger
	Level  *slog.LevelVar

	// WatchConfig reloads config.yaml on change and applies the cache
	// budget, preload window and log level live.
	WatchConfig bool
}

// New builds every service from configuration. The scheduler is started;
// callers must Close the result.
func New(ctx context.Context, opts Options) (*Services, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h, err := home.New(opts.HomeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}
	if n, err := h.CleanScratch(); err != nil {
		logger.Warn("failed to clean scratch directory", "error", err)
	} else if n > 0 {
		logger.Info("removed stale pre-extraction output", "count", n)
	}

	cm, err := config.NewManager(opts.ConfigFile, h.Path(), logger)
	if err != nil {
		return nil, err
	}
	cfg := cm.Get()

	s := &Services{
		Logger: logger,
		Home:   h,
		Config: cm,
		level:  opts.Level,
	}
	s.applyLevel(cfg)

	acfg := cfg.ArchiveConfig(h.ScratchPath())
	acfg.Logger = logger
	if cfg.Archive.PersistIndexes {
		store, err := indexdb.Open(h.IndexDBPath(), logger)
		if err != nil {
			return nil, err
		}
		s.IndexStore = store
		acfg.Store = store
	}
	s.Accessor = archive.New(acfg)

	ccfg := cfg.CacheConfig()
	ccfg.Logger = logger
	s.Cache = pagecache.New(ccfg)

	scfg := cfg.SchedulerConfig()
	scfg.Logger = logger
	s.Scheduler = jobs.NewScheduler(scfg)
	s.Scheduler.Start()

	s.Pages, err = pages.New(pages.Options{
		Logger:        logger,
		Source:        s.Accessor,
		Cache:         s.Cache,
		Scheduler:     s.Scheduler,
		PreloadAhead:  window(cfg.Preload.Ahead),
		PreloadBehind: window(cfg.Preload.Behind),
		Watch:         cfg.Watch.Enabled,
		WatchDebounce: cfg.WatchDebounce(),
	})
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	cm.OnChange(s.apply)
	if opts.WatchConfig {
		cm.WatchConfig()
	}
	return s, nil
}

// window maps a configured preload count onto pages.Options, where zero
// selects the default.
func window(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// apply pushes the settings that can change without a restart.
func (s *Services) apply(cfg *config.Config) {
	evicted := s.Cache.Resize(int64(cfg.Cache.MaxMB) << 20)
	s.Pages.SetPreloadWindow(cfg.Preload.Ahead, cfg.Preload.Behind)
	s.applyLevel(cfg)
	s.Logger.Info("settings applied", "cache_mb", cfg.Cache.MaxMB, "evicted", evicted,
		"preload_ahead", cfg.Preload.Ahead, "preload_behind", cfg.Preload.Behind)
}

func (s *Services) applyLevel(cfg *config.Config) {
	if s.level == nil {
		return
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		s.Logger.Warn("unknown log level", "level", cfg.Log.Level)
		return
	}
	s.level.Set(l)
}

// Close closes the open book, stops the workers and releases every
// container handle and the index database.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.Pages != nil {
		errs = append(errs, s.Pages.Close())
	}
	if s.Scheduler != nil {
		// Shutdown only drops queued jobs; running ones are told to stop.
		s.Scheduler.CancelAll()
		errs = append(errs, s.Scheduler.Shutdown(ctx))
	}
	if s.Accessor != nil {
		errs = append(errs, s.Accessor.Close())
	}
	if s.IndexStore != nil {
		errs = append(errs, s.IndexStore.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close services: %w", err)
	}
	return nil
}
