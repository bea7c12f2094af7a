package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/leaf/internal/book"
	"github.com/jackzampolin/leaf/internal/pages"
	"github.com/jackzampolin/leaf/internal/svcctx"
)

var (
	openStart  int
	openPages  int
	openDecode bool
	openSettle time.Duration
)

// pageReport is one served page as printed by open.
type pageReport struct {
	pages.LoadResult
	Name   string `json:"name"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Millis int64  `json:"ms"`
}

type openReport struct {
	Book  book.Info    `json:"book"`
	Pages []pageReport `json:"pages"`
	Stats pages.Stats  `json:"stats"`
}

var openCmd = &cobra.Command{
	Use:   "open <path>",
	Short: "Open a book and walk its pages",
	Long: `Open a comic archive, image directory or single image, read pages
from --start forward the way a reader would and print what was served.

Each step moves the current page, so neighbouring pages are preloaded in
the background; later pages in the walk are usually cache hits.

Examples:
  leaf open book.cbz                     # Walk every page
  leaf open book.cbr --start 10 --pages 3
  leaf open ./scans --decode -o json     # Include decoded dimensions`,
	Args: cobra.ExactArgs(1),
	RunE: withServices(false, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		ctx := cmd.Context()
		p, err := printer()
		if err != nil {
			return err
		}

		info, err := s.Pages.OpenBook(ctx, args[0])
		if err != nil {
			return err
		}
		if openStart < 0 || openStart >= info.TotalPages {
			return fmt.Errorf("--start %d: %w (book has %d pages)", openStart, pages.ErrOutOfRange, info.TotalPages)
		}
		report := openReport{Book: info}

		last := info.TotalPages - 1
		if openPages > 0 && openStart+openPages-1 < last {
			last = openStart + openPages - 1
		}
		for i := openStart; i <= last; i++ {
			r, err := servePage(ctx, s.Pages, i)
			if err != nil {
				return err
			}
			report.Pages = append(report.Pages, r)
		}

		if openSettle > 0 {
			waitIdle(ctx, s.Pages, openSettle)
		}
		report.Book, _ = s.Pages.Book()
		report.Stats = s.Pages.Stats()
		return p.Print(report)
	}),
}

func servePage(ctx context.Context, m *pages.Manager, index int) (pageReport, error) {
	started := time.Now()
	_, res, err := m.Goto(ctx, index)
	if err != nil {
		return pageReport{}, fmt.Errorf("page %d: %w", index, err)
	}
	r := pageReport{LoadResult: res, Millis: time.Since(started).Milliseconds()}
	if cur, err := m.CurrentPage(); err == nil && cur.Index == index {
		r.Name = cur.Name
	}

	if openDecode {
		img, _, err := m.Decode(ctx, index)
		switch {
		case errors.Is(err, pages.ErrNotImage):
			// Videos and broken images are still served as bytes.
		case err != nil:
			return pageReport{}, fmt.Errorf("page %d: %w", index, err)
		default:
			b := img.Bounds()
			r.Width, r.Height = b.Dx(), b.Dy()
		}
	}
	return r, nil
}

// waitIdle polls until no page jobs are queued or running, or limit elapses.
func waitIdle(ctx context.Context, m *pages.Manager, limit time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		st := m.Stats().Jobs
		if st.Running == 0 && st.Queue.Total == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func init() {
	openCmd.Flags().IntVar(&openStart, "start", 0, "first page to read (0-based)")
	openCmd.Flags().IntVar(&openPages, "pages", 0, "number of pages to read (default: to the last page)")
	openCmd.Flags().BoolVar(&openDecode, "decode", false, "decode each page and report its dimensions")
	openCmd.Flags().DurationVar(&openSettle, "settle", time.Second, "wait up to this long for preloads before printing stats")
}
