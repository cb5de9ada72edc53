package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"lodestone/internal/config"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestScheduler(t *testing.T, workers int) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig().Scheduler
	cfg.Workers = workers
	sched := New(s, cfg, 5*time.Second, time.Millisecond, 10*time.Millisecond)
	sched.pollInterval = 5 * time.Millisecond
	return sched, s
}

func TestRunDrainsQueue(t *testing.T) {
	sched, s := newTestScheduler(t, 2)

	var ran atomic.Int64
	sched.Register(types.JobExtractFile, func(ctx context.Context, job *types.Job) error {
		ran.Add(1)
		return nil
	})

	for _, target := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := s.EnqueueJob(types.JobExtractFile, 1, target, nil, 0, 3); err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
	}

	sum, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Processed != 3 || ran.Load() != 3 {
		t.Errorf("processed = %d, ran = %d, want 3", sum.Processed, ran.Load())
	}
	if n, _ := s.CountJobs(types.JobDone); n != 3 {
		t.Errorf("done jobs = %d", n)
	}
}

func TestFollowUpJobsRunInSameDrain(t *testing.T) {
	sched, s := newTestScheduler(t, 2)

	var extracted atomic.Int64
	sched.Register(types.JobCrawlDir, func(ctx context.Context, job *types.Job) error {
		_, err := s.EnqueueJob(types.JobExtractFile, job.RootID, "found.txt", nil, 0, 3)
		return err
	})
	sched.Register(types.JobExtractFile, func(ctx context.Context, job *types.Job) error {
		extracted.Add(1)
		return nil
	})

	if _, err := s.EnqueueJob(types.JobCrawlDir, 1, ".", nil, 10, 3); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	sum, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Processed != 2 || extracted.Load() != 1 {
		t.Errorf("processed = %d, extracted = %d", sum.Processed, extracted.Load())
	}
}

func TestFailedJobRetriesThenDeadLetters(t *testing.T) {
	sched, s := newTestScheduler(t, 1)

	var attempts atomic.Int64
	sched.Register(types.JobExtractFile, func(ctx context.Context, job *types.Job) error {
		attempts.Add(1)
		return errors.New("file is corrupt")
	})

	jobID, err := s.EnqueueJob(types.JobExtractFile, 1, "broken.txt", nil, 0, 2)
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	sum, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want max_attempts", attempts.Load())
	}
	if sum.Failed != 2 || sum.Dead != 1 {
		t.Errorf("summary = %+v", sum)
	}

	dead, err := s.ListDeadJobs(10)
	if err != nil {
		t.Fatalf("ListDeadJobs failed: %v", err)
	}
	if len(dead) != 1 || dead[0].JobID != jobID || dead[0].ErrorMsg != "file is corrupt" {
		t.Errorf("dead jobs = %+v", dead)
	}
}

func TestUnregisteredKindDeadLetters(t *testing.T) {
	sched, s := newTestScheduler(t, 1)
	sched.Register(types.JobExtractFile, func(ctx context.Context, job *types.Job) error { return nil })

	if _, err := s.EnqueueJob(types.JobScoreCandidate, 1, "42", nil, 0, 1); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	sum, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Dead != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestCancellationStopsWorkers(t *testing.T) {
	sched, s := newTestScheduler(t, 2)

	started := make(chan struct{})
	sched.Register(types.JobExtractFile, func(ctx context.Context, job *types.Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if _, err := s.EnqueueJob(types.JobExtractFile, 1, "slow.txt", nil, 0, 5); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := sched.Run(ctx); err != nil {
			t.Errorf("Run failed: %v", err)
		}
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
