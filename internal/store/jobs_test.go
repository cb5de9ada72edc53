package store

import (
	"testing"
	"time"

	"lodestone/internal/types"
)

func TestEnqueueJobDeduplicates(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.EnqueueJob(types.JobExtractFile, 1, "exp/run001.abf", nil, 0, 3)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	id2, err := s.EnqueueJob(types.JobExtractFile, 1, "exp/run001.abf", nil, 0, 3)
	if err != nil {
		t.Fatalf("duplicate EnqueueJob: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate enqueue created job %d, want %d", id2, id1)
	}

	n, _ := s.CountJobs(types.JobPending)
	if n != 1 {
		t.Errorf("pending jobs = %d, want 1", n)
	}
}

func TestClaimCompleteLifecycle(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.EnqueueJob(types.JobCrawlDir, 1, "exp", nil, 0, 3)

	j, err := s.ClaimJob("worker-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if j == nil || j.JobID != id {
		t.Fatalf("claimed = %+v, want job %d", j, id)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}

	// Queue is empty while the job is leased
	j2, err := s.ClaimJob("worker-2", time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if j2 != nil {
		t.Errorf("second claim got job %d, want nothing", j2.JobID)
	}

	// Wrong worker cannot complete
	if err := s.CompleteJob(id, "worker-2"); err == nil {
		t.Error("expected completion by wrong worker to fail")
	}
	if err := s.CompleteJob(id, "worker-1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	n, _ := s.CountJobs(types.JobDone)
	if n != 1 {
		t.Errorf("done jobs = %d, want 1", n)
	}
}

func TestFailJobRetriesAndDeadLetters(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.EnqueueJob(types.JobExtractFile, 1, "bad.abf", nil, 0, 2)

	// First failure: requeued with delay
	j, _ := s.ClaimJob("w", time.Minute)
	if err := s.FailJob(j.JobID, "w", "parse error", time.Millisecond); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	n, _ := s.CountJobs(types.JobPending)
	if n != 1 {
		t.Fatalf("pending after first failure = %d, want 1", n)
	}

	time.Sleep(5 * time.Millisecond)

	// Second failure exhausts max_attempts = 2
	j, err := s.ClaimJob("w", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("reclaim after backoff: %v, %+v", err, j)
	}
	if err := s.FailJob(j.JobID, "w", "parse error again", time.Millisecond); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}

	n, _ = s.CountJobs(types.JobDead)
	if n != 1 {
		t.Fatalf("dead jobs = %d, want 1", n)
	}

	dead, err := s.ListDeadJobs(10)
	if err != nil {
		t.Fatalf("ListDeadJobs: %v", err)
	}
	if len(dead) != 1 || dead[0].ErrorMsg != "parse error again" {
		t.Errorf("dead = %+v", dead)
	}

	// Dead jobs can be retried with a fresh budget
	if err := s.RetryDeadJob(id); err != nil {
		t.Fatalf("RetryDeadJob: %v", err)
	}
	j, _ = s.ClaimJob("w", time.Minute)
	if j == nil || j.Attempts != 1 {
		t.Errorf("retried job = %+v, want attempts reset", j)
	}
}

func TestRunAfterDelaysClaim(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.EnqueueJob(types.JobScoreCandidate, 0, "7", nil, 0, 3)

	j, _ := s.ClaimJob("w", time.Minute)
	if err := s.FailJob(j.JobID, "w", "transient", time.Hour); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.ClaimJob("w", time.Minute)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if j != nil {
		t.Errorf("claimed job %d before run_after elapsed", id)
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	s.EnqueueJob(types.JobCrawlDir, 1, "exp", nil, 0, 3)

	// Claim with an already-expired lease to simulate a crashed worker
	j, err := s.ClaimJob("crashed-worker", -time.Second)
	if err != nil || j == nil {
		t.Fatalf("ClaimJob: %v, %+v", err, j)
	}

	n, err := s.ReclaimExpiredLeases()
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}

	j, _ = s.ClaimJob("worker-2", time.Minute)
	if j == nil {
		t.Fatal("reclaimed job should be claimable again")
	}
	if j.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (attempt counted per claim)", j.Attempts)
	}
}

func TestPriorityOrdering(t *testing.T) {
	s := newTestStore(t)
	s.EnqueueJob(types.JobExtractFile, 1, "low.txt", nil, 0, 3)
	high, _ := s.EnqueueJob(types.JobExtractFile, 1, "high.txt", nil, 5, 3)

	j, _ := s.ClaimJob("w", time.Minute)
	if j == nil || j.JobID != high {
		t.Errorf("claimed = %+v, want high-priority job %d first", j, high)
	}
}
