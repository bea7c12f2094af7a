package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/leaf/internal/api"
	"github.com/jackzampolin/leaf/internal/svcctx"
	"github.com/jackzampolin/leaf/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

// shutdownTimeout bounds how long closing the services may wait for
// running jobs.
const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "leaf",
	Short: "Page delivery engine for comic and image books",
	Long: `Leaf serves the pages of comic archives (cbz/zip, cbr/rar, cb7/7z),
image directories and single images.

It keeps a memory-bounded page cache around the reader's position,
preloads neighbouring pages in the background on a priority scheduler
and reloads the open book when it changes on disk.`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.leaf/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "leaf home directory (default: ~/.leaf)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level: debug, info, warn or error (default: log.level from config)",
	)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
}

// newLogger builds the stderr text logger. follow is true when the level
// should track log.level from the config instead of the flag.
func newLogger() (logger *slog.Logger, level *slog.LevelVar, follow bool, err error) {
	level = new(slog.LevelVar)
	follow = logLevel == ""
	if !follow {
		var l slog.Level
		if err := l.UnmarshalText([]byte(logLevel)); err != nil {
			return nil, nil, false, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		level.Set(l)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return logger, level, follow, nil
}

// printer returns the printer for --output.
func printer() (*api.Printer, error) {
	return api.NewPrinter(outputFormat)
}

// withServices builds the services for a command, attaches them to the
// command context and closes them when the command returns.
func withServices(watchConfig bool, run func(cmd *cobra.Command, args []string, s *svcctx.Services) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		logger, level, follow, err := newLogger()
		if err != nil {
			return err
		}
		opts := svcctx.Options{
			ConfigFile:  cfgFile,
			HomeDir:     homeDir,
			Logger:      logger,
			WatchConfig: watchConfig,
		}
		if follow {
			opts.Level = level
		}

		ctx := cmd.Context()
		s, err := svcctx.New(ctx, opts)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if cerr := s.Close(closeCtx); cerr != nil {
				logger.Warn("shutdown incomplete", "error", cerr)
				if err == nil {
					err = cerr
				}
			}
		}()

		cmd.SetContext(svcctx.WithServices(ctx, s))
		return run(cmd, args, s)
	}
}
