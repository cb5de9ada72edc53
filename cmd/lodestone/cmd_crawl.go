package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lodestone/internal/crawler"
	"lodestone/internal/extract"
	"lodestone/internal/store"
)

var crawlLabel string

// crawlCmd inventories one or more collection roots
var crawlCmd = &cobra.Command{
	Use:   "crawl [path...]",
	Short: "Inventory collection roots (registers new paths)",
	Long: `Walks each root and reconciles the file inventory: new files are
inserted, changed files are marked for re-extraction, files that have
disappeared are marked missing (never deleted).

Paths given as arguments are registered as roots first. With no
arguments, all previously registered roots are re-crawled.`,
	RunE: runCrawl,
}

// extractCmd drains the extraction backlog
var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract bounded content summaries for pending files",
	Long: `Runs the tiered extraction pipeline over every file whose content
has not been summarized yet, or whose extractor version is stale.
Each file is read within a byte and time budget; failures are recorded
on the file and never stop the batch.`,
	RunE: runExtract,
}

var extractLimit int

func runCrawl(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", arg, err)
		}
		if _, err := registerRoot(st, abs, crawlLabel); err != nil {
			return err
		}
	}

	roots, err := st.ListRoots()
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return fmt.Errorf("no collection roots registered; pass a path to register one")
	}

	fs, err := openReadFS(st)
	if err != nil {
		return err
	}
	c := crawler.New(st, fs, cfg.Crawl, cfg.GetRecheckInterval())

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	for _, root := range roots {
		logger.Info("Crawling root",
			zap.Int64("root", root.RootID),
			zap.String("path", root.RootPath))
		res, err := c.Crawl(ctx, root.RootID)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d seen, %d new, %d changed, %d missing, %d errors (%s)\n",
			root.RootPath, res.Seen, res.Inserted, res.Changed, res.Missing, res.Errors,
			res.Elapsed.Round(10*time.Millisecond))
	}
	return nil
}

// registerRoot returns the existing root id for an already-registered
// path, registering it otherwise.
func registerRoot(st *store.Store, abs, label string) (int64, error) {
	roots, err := st.ListRoots()
	if err != nil {
		return 0, err
	}
	for _, r := range roots {
		if r.RootPath == abs {
			return r.RootID, nil
		}
	}
	if label == "" {
		label = filepath.Base(abs)
	}
	id, err := st.AddRoot(abs, label)
	if err != nil {
		return 0, err
	}
	logger.Info("Registered root", zap.Int64("root", id), zap.String("path", abs))
	return id, nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	fs, err := openReadFS(st)
	if err != nil {
		return err
	}
	p := extract.New(st, fs, cfg.Extract, cfg.GetExtractTimeout())

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	done, failed, err := drainExtraction(ctx, st, p, extractLimit)
	if err != nil {
		return err
	}
	fmt.Printf("extracted %d files (%d failed)\n", done, failed)
	return nil
}

// drainExtraction processes pending files in batches until none remain
// or the limit is reached. A limit of 0 means no limit.
func drainExtraction(ctx context.Context, st *store.Store, p *extract.Pipeline, limit int) (done, failed int, err error) {
	const batch = 200
	for {
		if err := ctx.Err(); err != nil {
			return done, failed, err
		}
		files, err := st.ListFilesPendingExtraction(cfg.Extract.Version, batch)
		if err != nil {
			return done, failed, err
		}
		if len(files) == 0 {
			return done, failed, nil
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return done, failed, err
			}
			if err := p.ExtractFile(ctx, f.RootID, f.Path); err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return done, failed, cerr
				}
				failed++
			} else {
				done++
			}
			if limit > 0 && done+failed >= limit {
				return done, failed, nil
			}
		}
	}
}

func init() {
	crawlCmd.Flags().StringVar(&crawlLabel, "label", "", "Label for newly registered roots")
	extractCmd.Flags().IntVar(&extractLimit, "limit", 0, "Max files to extract (0 = all)")
}
