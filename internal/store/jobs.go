package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"lodestone/internal/logging"
	"lodestone/internal/types"
)

// EnqueueJob adds a unit of work. A pending or running job with the same
// (kind, root, target) is not duplicated; the existing id is returned.
func (s *Store) EnqueueJob(kind types.JobKind, rootID int64, target string, payload json.RawMessage, priority, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRow(`
		SELECT id FROM jobs
		WHERE kind = ? AND root_id = ? AND target = ? AND status IN ('pending', 'running')`,
		string(kind), rootID, target).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to check for duplicate job: %w", err)
	}

	body := string(payload)
	if body == "" {
		body = "{}"
	}
	res, err := s.db.Exec(`
		INSERT INTO jobs (kind, root_id, target, payload, priority, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(kind), rootID, target, body, priority, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}
	id, _ = res.LastInsertId()
	logging.QueueDebug("Enqueued job %d: %s %s", id, kind, target)
	return id, nil
}

// ClaimJob atomically leases the next runnable job for a worker. Returns
// nil when the queue has nothing runnable. Priority is highest-first, then
// FIFO within a priority band.
func (s *Store) ClaimJob(workerID string, lease time.Duration) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	expires := now.Add(lease)

	row := s.db.QueryRow(`
		UPDATE jobs SET
			status = 'running',
			lease_owner = ?,
			lease_expires_at = ?,
			attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND (run_after IS NULL OR run_after <= ?)
			ORDER BY priority DESC, id ASC
			LIMIT 1
		)
		RETURNING id, kind, root_id, target, payload, priority, attempts,
			max_attempts, status, lease_owner, lease_expires_at, created_at`,
		workerID, expires, now)

	j := &types.Job{}
	var kind, status, payload string
	var leaseExpires sql.NullTime
	err := row.Scan(&j.JobID, &kind, &j.RootID, &j.Target, &payload,
		&j.Priority, &j.Attempts, &j.MaxAttempts, &status, &j.LeaseOwner,
		&leaseExpires, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	j.Kind = types.JobKind(kind)
	j.Status = types.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if leaseExpires.Valid {
		j.LeaseExpiresAt = leaseExpires.Time
	}
	logging.QueueDebug("Worker %s claimed job %d (%s, attempt %d)",
		workerID, j.JobID, j.Kind, j.Attempts)
	return j, nil
}

// CompleteJob marks a leased job done. The lease owner must still match;
// a stale worker whose lease was reclaimed cannot complete the job.
func (s *Store) CompleteJob(jobID int64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'done', completed_at = CURRENT_TIMESTAMP,
			lease_owner = '', lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ? AND status = 'running'`,
		jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d not held by worker %s", jobID, workerID)
	}
	return nil
}

// FailJob records a failed attempt. The job goes back to pending with a
// delayed run_after when attempts remain, or to dead when exhausted.
func (s *Store) FailJob(jobID int64, workerID, errMsg string, retryAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attempts, maxAttempts int
	err := s.db.QueryRow(
		"SELECT attempts, max_attempts FROM jobs WHERE id = ? AND lease_owner = ?",
		jobID, workerID).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %d not held by worker %s", jobID, workerID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}

	if attempts >= maxAttempts {
		_, err = s.db.Exec(`
			UPDATE jobs SET status = 'dead', error_msg = ?,
				lease_owner = '', lease_expires_at = NULL,
				completed_at = CURRENT_TIMESTAMP
			WHERE id = ?`, errMsg, jobID)
		if err != nil {
			return fmt.Errorf("failed to dead-letter job: %w", err)
		}
		logging.Queue("Job %d dead after %d attempts: %s", jobID, attempts, errMsg)
		return nil
	}

	runAfter := time.Now().UTC().Add(retryAfter)
	_, err = s.db.Exec(`
		UPDATE jobs SET status = 'pending', error_msg = ?,
			lease_owner = '', lease_expires_at = NULL, run_after = ?
		WHERE id = ?`, errMsg, runAfter, jobID)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	logging.QueueDebug("Job %d requeued (attempt %d/%d), retry after %s: %s",
		jobID, attempts, maxAttempts, retryAfter, errMsg)
	return nil
}

// ReclaimExpiredLeases returns running jobs with expired leases to pending.
// Called at startup and periodically, so work orphaned by a crashed worker
// is picked up again.
func (s *Store) ReclaimExpiredLeases() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', lease_owner = '', lease_expires_at = NULL
		WHERE status = 'running' AND lease_expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim leases: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Queue("Reclaimed %d expired leases", n)
	}
	return n, nil
}

// ListDeadJobs returns jobs that exhausted their attempts.
func (s *Store) ListDeadJobs(limit int) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, root_id, target, payload, priority, attempts,
			max_attempts, status, error_msg, created_at
		FROM jobs WHERE status = 'dead' ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j := &types.Job{}
		var kind, status, payload string
		if err := rows.Scan(&j.JobID, &kind, &j.RootID, &j.Target, &payload,
			&j.Priority, &j.Attempts, &j.MaxAttempts, &status, &j.ErrorMsg,
			&j.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead job: %w", err)
		}
		j.Kind = types.JobKind(kind)
		j.Status = types.JobStatus(status)
		j.Payload = json.RawMessage(payload)
		out = append(out, j)
	}
	return out, rows.Err()
}

// RetryDeadJob puts a dead job back in the queue with a fresh attempt budget.
func (s *Store) RetryDeadJob(jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', attempts = 0, error_msg = '',
			run_after = NULL, completed_at = NULL
		WHERE id = ? AND status = 'dead'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to retry dead job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d is not dead", jobID)
	}
	return nil
}

// CountJobs returns the number of jobs in a given status.
func (s *Store) CountJobs(status types.JobStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM jobs WHERE status = ?", string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// StartRun opens a run record for a pipeline invocation.
func (s *Store) StartRun(kind string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("INSERT INTO runs (kind) VALUES (?)", kind)
	if err != nil {
		return 0, fmt.Errorf("failed to start run: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// FinishRun closes a run record with a JSON summary.
func (s *Store) FinishRun(runID int64, summary interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	_, err = s.db.Exec(
		"UPDATE runs SET finished_at = CURRENT_TIMESTAMP, summary = ? WHERE id = ?",
		string(data), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}
