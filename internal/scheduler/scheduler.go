// Package scheduler runs the durable work queue: a small worker pool
// claims leased jobs from the store, dispatches them by kind, and retries
// failures with exponential backoff until they dead-letter. All job
// handlers write through idempotent store upserts, so a job that runs
// twice after a lease reclaim does no harm.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lodestone/internal/config"
	"lodestone/internal/logging"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

// JobRunner executes one claimed job.
type JobRunner func(ctx context.Context, job *types.Job) error

type Scheduler struct {
	store   *store.Store
	cfg     config.SchedulerConfig
	lease   time.Duration
	backoff backoffPolicy
	runners map[types.JobKind]JobRunner

	pollInterval time.Duration

	processed atomic.Int64
	failed    atomic.Int64
}

type backoffPolicy struct {
	base time.Duration
	max  time.Duration
}

// delay doubles per attempt, capped.
func (b backoffPolicy) delay(attempts int) time.Duration {
	d := b.base
	for i := 1; i < attempts && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	return d
}

func New(st *store.Store, cfg config.SchedulerConfig, lease, backoffBase, backoffMax time.Duration) *Scheduler {
	return &Scheduler{
		store:        st,
		cfg:          cfg,
		lease:        lease,
		backoff:      backoffPolicy{base: backoffBase, max: backoffMax},
		runners:      make(map[types.JobKind]JobRunner),
		pollInterval: 250 * time.Millisecond,
	}
}

// Register binds a handler to a job kind. Jobs of unregistered kinds fail
// and eventually dead-letter.
func (s *Scheduler) Register(kind types.JobKind, r JobRunner) {
	s.runners[kind] = r
}

// Summary reports one scheduler run.
type Summary struct {
	Processed int64
	Failed    int64
	Dead      int
}

// Run drains the queue with the configured worker pool and returns when
// the queue is empty or the context is canceled. In-flight jobs finish;
// the run summary is recorded in the store.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > 8 {
		workers = 8
	}

	runID, err := s.store.StartRun("scheduler")
	if err != nil {
		return nil, err
	}
	if n, err := s.store.ReclaimExpiredLeases(); err != nil {
		return nil, err
	} else if n > 0 {
		logging.Queue("Reclaimed %d expired leases", n)
	}

	s.processed.Store(0)
	s.failed.Store(0)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := uuid.NewString()
		g.Go(func() error {
			return s.workerLoop(ctx, workerID)
		})
	}
	runErr := g.Wait()

	dead, err := s.store.CountJobs(types.JobDead)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Dead:      dead,
	}
	if err := s.store.FinishRun(runID, sum); err != nil {
		return nil, err
	}
	logging.Queue("Run finished: %d processed, %d failed, %d dead", sum.Processed, sum.Failed, sum.Dead)

	if runErr != nil && runErr != context.Canceled && runErr != context.DeadlineExceeded {
		return sum, runErr
	}
	return sum, nil
}

// workerLoop claims and executes jobs until the queue stays empty or the
// context ends. An empty claim backs off by the poll interval; the loop
// exits after two consecutive empty polls so a drained queue terminates
// the run.
func (s *Scheduler) workerLoop(ctx context.Context, workerID string) error {
	emptyPolls := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := s.store.ClaimJob(workerID, s.lease)
		if err != nil {
			return err
		}
		if job == nil {
			// A running job on another worker may still enqueue follow-ups,
			// so only a queue with nothing running counts as drained.
			running, err := s.store.CountJobs(types.JobRunning)
			if err != nil {
				return err
			}
			if running == 0 {
				emptyPolls++
				if emptyPolls >= 2 {
					return nil
				}
			} else {
				emptyPolls = 0
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.pollInterval):
			}
			continue
		}
		emptyPolls = 0
		s.execute(ctx, workerID, job)
	}
}

// execute dispatches one claimed job and settles its queue state. Handler
// panics are not recovered; the lease expires and the job is reclaimed.
func (s *Scheduler) execute(ctx context.Context, workerID string, job *types.Job) {
	runner, ok := s.runners[job.Kind]
	if !ok {
		s.fail(workerID, job, fmt.Errorf("no runner registered for kind %s", job.Kind))
		return
	}

	timer := logging.StartTimer(logging.CategoryQueue, string(job.Kind))
	err := runner(ctx, job)
	timer.StopWithThreshold(s.lease / 2)

	if err != nil {
		s.fail(workerID, job, err)
		return
	}
	if err := s.store.CompleteJob(job.JobID, workerID); err != nil {
		// Lease was reclaimed mid-run; the other claim owns the outcome.
		logging.Queue("Job %d completion rejected: %v", job.JobID, err)
		return
	}
	s.processed.Add(1)
}

func (s *Scheduler) fail(workerID string, job *types.Job, jobErr error) {
	s.failed.Add(1)
	delay := s.backoff.delay(job.Attempts)
	logging.Get(logging.CategoryQueue).Warn("Job %d (%s) attempt %d failed, retry in %s: %v",
		job.JobID, job.Kind, job.Attempts, delay, jobErr)
	if err := s.store.FailJob(job.JobID, workerID, jobErr.Error(), delay); err != nil {
		logging.Get(logging.CategoryQueue).Error("Failed to record job %d failure: %v", job.JobID, err)
	}
}
