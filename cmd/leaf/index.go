package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/svcctx"
)

var (
	indexImagesOnly bool
	indexPrune      bool
)

type indexReport struct {
	*archive.Index
	Images int `json:"images"`
}

type pruneReport struct {
	Removed int   `json:"removed"`
	Stored  int64 `json:"stored"`
}

var indexCmd = &cobra.Command{
	Use:   "index [archive]",
	Short: "Print the entry index of an archive",
	Long: `Print the index leaf builds for a zip, rar or 7z archive: format,
solid flag, signature and every entry in reading order.

Indexes are persisted in {home}/indexes.db when archive.persist_indexes is
set; --prune removes stored indexes whose archive no longer exists.

Examples:
  leaf index book.cbz
  leaf index book.cb7 --images -o json
  leaf index --prune`,
	Args: func(cmd *cobra.Command, args []string) error {
		if indexPrune {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: withServices(false, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		ctx := cmd.Context()
		p, err := printer()
		if err != nil {
			return err
		}

		if indexPrune {
			if s.IndexStore == nil {
				return p.Print(pruneReport{})
			}
			removed, err := s.IndexStore.Prune(ctx)
			if err != nil {
				return err
			}
			stored, err := s.IndexStore.Count(ctx)
			if err != nil {
				return err
			}
			return p.Print(pruneReport{Removed: removed, Stored: stored})
		}

		ix, err := s.Accessor.Index(ctx, args[0])
		if err != nil {
			return err
		}
		images, err := s.Accessor.Images(ctx, args[0])
		if err != nil {
			return err
		}
		if indexImagesOnly {
			// Print a copy so the cached index is left untouched.
			cp := *ix
			cp.Entries = images
			ix = &cp
		}
		return p.Print(indexReport{Index: ix, Images: len(images)})
	}),
}

func init() {
	indexCmd.Flags().BoolVar(&indexImagesOnly, "images", false, "list only the image and video entries")
	indexCmd.Flags().BoolVar(&indexPrune, "prune", false, "remove stored indexes of archives that no longer exist")
}
