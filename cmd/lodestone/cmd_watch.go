package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lodestone/internal/audit"
	"lodestone/internal/crawler"
	"lodestone/internal/extract"
	"lodestone/internal/fsread"
	"lodestone/internal/linker"
	"lodestone/internal/logging"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

var watchDebounce time.Duration

// watchCmd keeps the index current as the collection changes
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch registered roots and re-index incrementally",
	Long: `Watches every registered root for filesystem changes. After a quiet
period the changed root is re-crawled, pending files are re-extracted
and re-linked. Runs until interrupted.

The collection is still never written to; watching only reads.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rfs, err := openReadFS(st)
	if err != nil {
		return err
	}
	roots, err := st.ListRoots()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range roots {
		if err := watchTree(watcher, root.RootPath); err != nil {
			return err
		}
		logger.Info("Watching root", zap.String("path", root.RootPath))
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	w := &watchLoop{
		st:    st,
		fs:    rfs,
		roots: roots,
		dirty: make(map[int64]bool),
	}
	return w.run(ctx, watcher)
}

// watchTree registers a directory and all its subdirectories. fsnotify
// watches are not recursive, so new directories are added as events for
// them arrive.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Get(logging.CategoryWatch).Warn("Skipping unwatchable path %s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

type watchLoop struct {
	st    *store.Store
	fs    *fsread.FS
	roots []types.Root
	dirty map[int64]bool
}

func (w *watchLoop) run(ctx context.Context, watcher *fsnotify.Watcher) error {
	// The timer is idle until the first event arrives
	quiet := time.NewTimer(time.Hour)
	if !quiet.Stop() {
		<-quiet.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryWatch).Warn("Watcher error: %v", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.note(ev, watcher)
			quiet.Reset(watchDebounce)
		case <-quiet.C:
			if err := w.reindex(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("Re-index failed", zap.Error(err))
			}
		}
	}
}

// note marks the owning root dirty and starts watching newly created
// directories.
func (w *watchLoop) note(ev fsnotify.Event, watcher *fsnotify.Watcher) {
	logging.Get(logging.CategoryWatch).Debug("Event %s %s", ev.Op, ev.Name)
	for _, root := range w.roots {
		if ev.Name == root.RootPath || strings.HasPrefix(ev.Name, root.RootPath+string(filepath.Separator)) {
			w.dirty[root.RootID] = true
			break
		}
	}
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = watcher.Add(ev.Name)
		}
	}
}

// reindex runs the incremental pipeline over every dirty root.
func (w *watchLoop) reindex(ctx context.Context) error {
	if len(w.dirty) == 0 {
		return nil
	}
	c := crawler.New(w.st, w.fs, cfg.Crawl, cfg.GetRecheckInterval())
	for rootID := range w.dirty {
		res, err := c.Crawl(ctx, rootID)
		if err != nil {
			return err
		}
		logger.Info("Re-crawled root",
			zap.Int64("root", rootID),
			zap.Int("new", res.Inserted),
			zap.Int("changed", res.Changed),
			zap.Int64("missing", res.Missing))
	}
	w.dirty = make(map[int64]bool)

	p := extract.New(w.st, w.fs, cfg.Extract, cfg.GetExtractTimeout())
	done, failed, err := drainExtraction(ctx, w.st, p, 0)
	if err != nil {
		return err
	}

	l, err := linker.New(w.st, cfg.Linker)
	if err != nil {
		return err
	}
	res, err := l.LinkPending(ctx, 0)
	if err != nil {
		return err
	}

	a := audit.New(w.st, cfg.Audit, geminiClient(), nil)
	if _, err := a.Run(ctx, 0); err != nil {
		return err
	}

	logger.Info("Index updated",
		zap.Int("extracted", done),
		zap.Int("extract_failures", failed),
		zap.Int("candidates", res.Proposed),
		zap.Int("promoted", res.Promoted))
	return nil
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "Quiet period before re-indexing")
}
