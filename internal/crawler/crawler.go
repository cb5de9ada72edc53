// Package crawler builds the tier-1 inventory: a breadth-first walk over a
// collection root using only directory listings and stat calls. It never
// opens file contents except for the optional fingerprint sample.
package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"lodestone/internal/config"
	"lodestone/internal/fsread"
	"lodestone/internal/logging"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

// Crawler incrementally synchronizes the inventory with the filesystem.
type Crawler struct {
	store   *store.Store
	fs      *fsread.FS
	cfg     config.CrawlConfig
	recheck time.Duration
}

// New builds a crawler over the given store and read-only filesystem.
// A positive recheck interval forces re-extraction of files whose last
// extraction is older than the interval even when their fingerprint is
// unchanged; zero disables re-checks.
func New(st *store.Store, fs *fsread.FS, cfg config.CrawlConfig, recheck time.Duration) *Crawler {
	return &Crawler{store: st, fs: fs, cfg: cfg, recheck: recheck}
}

// Result summarizes one crawl over a root.
type Result struct {
	Seen      int
	Inserted  int
	Changed   int
	Unchanged int
	Missing   int64
	Rechecked int
	Errors    int
	Elapsed   time.Duration
}

// Crawl walks the root breadth-first and reconciles the inventory.
// Unreadable directories are logged and skipped; the crawl continues.
// Interrupting mid-crawl is safe: upserts are idempotent and the missing
// sweep only runs after a complete pass.
func (c *Crawler) Crawl(ctx context.Context, rootID int64) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryCrawl, "Crawl")
	defer timer.Stop()

	root, err := c.store.GetRoot(rootID)
	if err != nil {
		return nil, err
	}
	logging.Crawl("Crawling root %d: %s", rootID, root.RootPath)

	start := time.Now()
	res := &Result{}

	queue := []string{root.RootPath}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			logging.Crawl("Crawl interrupted after %d entries", res.Seen)
			return res, err
		}

		dir := queue[0]
		queue = queue[1:]

		subdirs, _, err := c.crawlDir(root, dir, res)
		if err != nil {
			return res, err
		}
		queue = append(queue, subdirs...)
	}

	missing, err := c.store.MarkFilesMissing(rootID, start)
	if err != nil {
		return res, err
	}
	res.Missing = missing

	if c.recheck > 0 {
		stale, err := c.store.RequeueStaleExtractions(rootID, start.Add(-c.recheck))
		if err != nil {
			return res, err
		}
		for _, f := range stale {
			if _, err := c.store.EnqueueJob(types.JobExtractFile, rootID, f.Path, nil, 0, 3); err != nil {
				return res, fmt.Errorf("failed to enqueue re-check for %s: %w", f.Path, err)
			}
		}
		if len(stale) > 0 {
			res.Rechecked = len(stale)
			logging.Crawl("Re-queued %d stale extractions under root %d", len(stale), rootID)
		}
	}

	if err := c.store.TouchRootCrawled(rootID, time.Now()); err != nil {
		return res, err
	}

	res.Elapsed = time.Since(start)
	logging.Crawl("Crawl of root %d complete: seen=%d new=%d changed=%d missing=%d errors=%d in %v",
		rootID, res.Seen, res.Inserted, res.Changed, res.Missing, res.Errors, res.Elapsed)
	return res, nil
}

func (c *Crawler) skipDir(name string) bool {
	for _, ignored := range c.cfg.IgnoreDirs {
		if name == ignored {
			return true
		}
	}
	return false
}

func (c *Crawler) skipFile(name string) bool {
	for _, pattern := range c.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// CrawlDir reconciles a single directory and queues a crawl job for each
// subdirectory. The frontier lives in the work queue, so a crash mid-crawl
// resumes from the queued directories instead of starting over. An empty
// rel names the root directory itself.
func (c *Crawler) CrawlDir(ctx context.Context, rootID int64, rel string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := c.store.GetRoot(rootID)
	if err != nil {
		return nil, err
	}
	dir := root.RootPath
	if rel != "" {
		dir = filepath.Join(root.RootPath, filepath.FromSlash(rel))
	}

	start := time.Now()
	res := &Result{}
	subdirs, listed, err := c.crawlDir(root, dir, res)
	if err != nil {
		return res, err
	}
	for _, sub := range subdirs {
		subRel, err := filepath.Rel(root.RootPath, sub)
		if err != nil {
			return res, fmt.Errorf("failed to relativize %s: %w", sub, err)
		}
		if _, err := c.store.EnqueueJob(types.JobCrawlDir, rootID, filepath.ToSlash(subRel), nil, 10, 3); err != nil {
			return res, fmt.Errorf("failed to enqueue crawl for %s: %w", sub, err)
		}
	}
	if listed {
		missing, err := c.store.MarkDirEntriesMissing(rootID, rel, start)
		if err != nil {
			return res, err
		}
		res.Missing = missing
	}
	res.Elapsed = time.Since(start)
	logging.CrawlDebug("Crawled %s under root %d: seen=%d new=%d missing=%d",
		dir, rootID, res.Seen, res.Inserted, res.Missing)
	return res, nil
}

// crawlDir lists one directory and reconciles its entries. The returned
// paths are the subdirectories to descend into; listed is false when the
// directory could not be read.
func (c *Crawler) crawlDir(root *types.Root, dir string, res *Result) ([]string, bool, error) {
	entries, err := c.fs.List(dir)
	if err != nil {
		logging.Get(logging.CategoryCrawl).Warn("Skipping unreadable directory %s: %v", dir, err)
		res.Errors++
		c.recordDirFailure(root, dir, err)
		return nil, false, nil
	}

	var subdirs []string
	for _, entry := range entries {
		if entry.IsDir {
			if c.skipDir(entry.Name) {
				continue
			}
			subdirs = append(subdirs, entry.Path)
		} else if c.skipFile(entry.Name) {
			continue
		}

		fe, err := c.buildEntry(root, entry)
		if err != nil {
			logging.Get(logging.CategoryCrawl).Warn("Skipping %s: %v", entry.Path, err)
			res.Errors++
			continue
		}

		_, result, err := c.store.UpsertFile(fe)
		if err != nil {
			return nil, true, fmt.Errorf("failed to record %s: %w", fe.Path, err)
		}
		res.Seen++
		switch result {
		case store.UpsertInserted:
			res.Inserted++
		case store.UpsertChanged:
			res.Changed++
		default:
			res.Unchanged++
		}

		if !fe.IsDir && result != store.UpsertUnchanged {
			if _, err := c.store.EnqueueJob(types.JobExtractFile, root.RootID, fe.Path, nil, 0, 3); err != nil {
				return nil, true, fmt.Errorf("failed to enqueue extraction for %s: %w", fe.Path, err)
			}
		}
	}
	return subdirs, true, nil
}

// recordDirFailure marks an unreadable directory's inventory entry errored
// with its cause. The root itself has no entry and is skipped.
func (c *Crawler) recordDirFailure(root *types.Root, dir string, cause error) {
	rel, err := filepath.Rel(root.RootPath, dir)
	if err != nil || rel == "." {
		return
	}
	f, err := c.store.GetFileByPath(root.RootID, filepath.ToSlash(rel))
	if err != nil {
		return
	}
	if err := c.store.SetInventoryStatus(f.FileID, types.TierError, cause.Error()); err != nil {
		logging.Get(logging.CategoryCrawl).Warn("Recording failure for %s: %v", rel, err)
	}
}

// buildEntry converts a directory entry into an inventory record with its
// change fingerprint.
func (c *Crawler) buildEntry(root *types.Root, entry fsread.Entry) (*types.FileEntry, error) {
	rel, err := filepath.Rel(root.RootPath, entry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to relativize path: %w", err)
	}
	rel = filepath.ToSlash(rel)

	parent := filepath.ToSlash(filepath.Dir(rel))
	if parent == "." {
		parent = ""
	}

	fe := &types.FileEntry{
		RootID:     root.RootID,
		Path:       rel,
		ParentPath: parent,
		Name:       entry.Name,
		Ext:        strings.ToLower(strings.TrimPrefix(filepath.Ext(entry.Name), ".")),
		IsDir:      entry.IsDir,
		SizeBytes:  entry.SizeBytes,
		ModTime:    entry.ModTime.UTC(),
		CreateTime: entry.ModTime.UTC(),
		Category:   types.CategoryForName(entry.Name),
	}

	var sample string
	if !entry.IsDir {
		sample = c.sampleHash(entry)
	}
	fe.Fingerprint = types.FingerprintOf(entry.SizeBytes, entry.ModTime, sample)
	return fe, nil
}

// sampleHash hashes the head of small-enough files so content changes that
// preserve size and mtime are still detected. Failures degrade to a
// size+mtime fingerprint rather than failing the crawl.
func (c *Crawler) sampleHash(entry fsread.Entry) string {
	if c.cfg.SampleBytes <= 0 || entry.SizeBytes > c.cfg.SampleMaxFileSize {
		return ""
	}
	data, err := c.fs.ReadBytes(entry.Path, fsread.Budget{
		MaxBytes: c.cfg.SampleBytes,
		Mode:     fsread.SampleHead,
	})
	if err != nil {
		logging.CrawlDebug("Fingerprint sample failed for %s: %v", entry.Path, err)
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
