package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/leaf/internal/pages"
	"github.com/jackzampolin/leaf/internal/svcctx"
)

type statsReport struct {
	Home          string      `json:"home"`
	ConfigFile    string      `json:"config_file,omitempty"`
	StoredIndexes int64       `json:"stored_indexes"`
	Pages         pages.Stats `json:"pages"`
}

var statsCmd = &cobra.Command{
	Use:   "stats [path]",
	Short: "Print cache, scheduler and archive statistics",
	Long: `Print the statistics of every component. With a path, the book is
opened on its first page and preloads are allowed to settle first, which
shows how the cache fills around a reader.

Examples:
  leaf stats
  leaf stats book.cbr -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: withServices(false, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		ctx := cmd.Context()
		p, err := printer()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			if _, err := s.Pages.OpenBook(ctx, args[0]); err != nil {
				return err
			}
			if _, _, err := s.Pages.Goto(ctx, 0); err != nil {
				return err
			}
			waitIdle(ctx, s.Pages, openSettle)
		}

		report := statsReport{
			Home:       s.Home.Path(),
			ConfigFile: s.Config.File(),
			Pages:      s.Pages.Stats(),
		}
		if s.IndexStore != nil {
			n, err := s.IndexStore.Count(ctx)
			if err != nil {
				return err
			}
			report.StoredIndexes = n
		}
		return p.Print(report)
	}),
}
