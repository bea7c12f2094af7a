// Package svcctx builds the shared page-delivery services and carries them
// through context to CLI commands.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/config"
	"github.com/jackzampolin/leaf/internal/home"
	"github.com/jackzampolin/leaf/internal/indexdb"
	"github.com/jackzampolin/leaf/internal/jobs"
	"github.com/jackzampolin/leaf/internal/pagecache"
	"github.com/jackzampolin/leaf/internal/pages"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Logger     *slog.Logger
	Home       *home.Dir
	Config     *config.Manager
	IndexStore *indexdb.Store // nil when persistence is off
	Accessor   *archive.Accessor
	Cache      *pagecache.Cache
	Scheduler  *jobs.Scheduler
	Pages      *pages.Manager

	level *slog.LevelVar
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// AccessorFrom extracts the archive accessor from context.
func AccessorFrom(ctx context.Context) *archive.Accessor {
	if s := ServicesFrom(ctx); s != nil {
		return s.Accessor
	}
	return nil
}

// IndexStoreFrom extracts the index database from context.
func IndexStoreFrom(ctx context.Context) *indexdb.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.IndexStore
	}
	return nil
}

// PagesFrom extracts the page manager from context.
func PagesFrom(ctx context.Context) *pages.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Pages
	}
	return nil
}
