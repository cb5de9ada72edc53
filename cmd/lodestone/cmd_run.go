package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lodestone/internal/audit"
	"lodestone/internal/crawler"
	"lodestone/internal/extract"
	"lodestone/internal/fsread"
	"lodestone/internal/linker"
	"lodestone/internal/scheduler"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

var runSkipAudit bool

// runCmd executes the full pipeline through the durable work queue
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: crawl, extract, link, audit",
	Long: `Enqueues a crawl job per registered root and drains the work queue
with the configured worker pool. Crawl jobs fan out into extraction
jobs, which fan out into linking jobs, so one invocation carries the
whole collection from inventory to confirmed relationships.

Jobs survive interruption: a second run resumes exactly where the
first stopped.`,
	RunE: runPipeline,
}

func runPipeline(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	fs, err := openReadFS(st)
	if err != nil {
		return err
	}

	roots, err := st.ListRoots()
	if err != nil {
		return err
	}
	for _, root := range roots {
		if _, err := st.EnqueueJob(types.JobCrawlDir, root.RootID, "", nil, 10, cfg.Scheduler.MaxAttempts); err != nil {
			return err
		}
	}

	sched, err := buildScheduler(st, fs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sum, err := sched.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("queue drained: %d jobs processed, %d failed, %d dead\n",
		sum.Processed, sum.Failed, sum.Dead)

	if runSkipAudit {
		return nil
	}
	a := audit.New(st, cfg.Audit, geminiClient(), nil)
	asum, err := a.Run(ctx, 0)
	if err != nil {
		return err
	}
	if asum.Audited > 0 {
		fmt.Printf("audited %d gated candidates: %d accepted, %d rejected\n",
			asum.Audited, asum.Accepted, asum.Rejected)
	}
	return nil
}

// buildScheduler wires the job runners. Each stage enqueues the next:
// crawl discovers files and enqueues extraction, extraction enqueues
// linking once a summary exists.
func buildScheduler(st *store.Store, fs *fsread.FS) (*scheduler.Scheduler, error) {
	c := crawler.New(st, fs, cfg.Crawl, cfg.GetRecheckInterval())
	p := extract.New(st, fs, cfg.Extract, cfg.GetExtractTimeout())
	l, err := linker.New(st, cfg.Linker)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(st, cfg.Scheduler,
		cfg.GetLeaseDuration(), cfg.GetBackoffBase(), cfg.GetBackoffMax())

	// Each crawl job covers one directory: the crawler queues a crawl job
	// per subdirectory and an extraction job per inserted or changed file.
	sched.Register(types.JobCrawlDir, func(ctx context.Context, job *types.Job) error {
		res, err := c.CrawlDir(ctx, job.RootID, job.Target)
		if err != nil {
			return err
		}
		logger.Debug("Crawled directory",
			zap.Int64("root", job.RootID),
			zap.String("dir", job.Target),
			zap.Int("seen", res.Seen),
			zap.Int("new", res.Inserted),
			zap.Int("changed", res.Changed))
		return nil
	})

	sched.Register(types.JobExtractFile, func(ctx context.Context, job *types.Job) error {
		if err := p.ExtractFile(ctx, job.RootID, job.Target); err != nil {
			return err
		}
		f, err := st.GetFileByPath(job.RootID, job.Target)
		if err != nil {
			return err
		}
		if f.ExtractStatus != types.TierOK {
			return nil
		}
		_, err = st.EnqueueJob(types.JobScoreCandidate, job.RootID,
			strconv.FormatInt(f.FileID, 10), nil, 0, cfg.Scheduler.MaxAttempts)
		return err
	})

	sched.Register(types.JobScoreCandidate, func(ctx context.Context, job *types.Job) error {
		fileID, err := strconv.ParseInt(job.Target, 10, 64)
		if err != nil {
			return fmt.Errorf("bad job target %q: %w", job.Target, err)
		}
		_, err = l.LinkFile(ctx, fileID)
		return err
	})

	return sched, nil
}

// geminiClient returns the configured LLM client, nil when the
// rule-based fallback should be used.
func geminiClient() audit.Client {
	if !cfg.Audit.Enabled {
		return nil
	}
	if g := audit.NewGeminiClient(cfg.Audit, cfg.GetAuditTimeout(), cfg.GetRateInterval()); g != nil {
		return g
	}
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&runSkipAudit, "skip-audit", false, "Leave gated candidates for a later audit pass")
}
