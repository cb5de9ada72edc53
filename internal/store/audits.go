package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"lodestone/internal/types"
)

// InsertAudit appends an auditor verdict to the log. The log is append-only;
// re-auditing a candidate adds a new row.
func (s *Store) InsertAudit(a *types.Audit) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing, err := json.Marshal(a.MissingEvidence)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal missing evidence: %w", err)
	}
	reads, err := json.Marshal(a.ReadRequests)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal read requests: %w", err)
	}
	corrections, err := json.Marshal(a.Corrections)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal corrections: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO audits (candidate_id, verdict, confidence, rationale,
			missing_evidence, read_requests, corrections, model,
			prompt_version, gating_reason, from_cache)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CandidateID, string(a.Verdict), a.Confidence, a.Rationale,
		string(missing), string(reads), string(corrections), a.Model,
		a.PromptVersion, a.GatingReason, boolToInt(a.FromCache))
	if err != nil {
		return 0, fmt.Errorf("failed to insert audit: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ListAuditsForCandidate returns all verdicts recorded for a candidate,
// newest first.
func (s *Store) ListAuditsForCandidate(candidateID int64) ([]*types.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, candidate_id, verdict, confidence, rationale,
			missing_evidence, read_requests, corrections, model,
			prompt_version, gating_reason, from_cache, created_at
		FROM audits WHERE candidate_id = ? ORDER BY id DESC`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	defer rows.Close()

	var out []*types.Audit
	for rows.Next() {
		a := &types.Audit{}
		var verdict, missing, reads, corrections string
		var fromCache int
		if err := rows.Scan(&a.AuditID, &a.CandidateID, &verdict, &a.Confidence,
			&a.Rationale, &missing, &reads, &corrections, &a.Model,
			&a.PromptVersion, &a.GatingReason, &fromCache, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		a.Verdict = types.Verdict(verdict)
		a.FromCache = fromCache != 0
		if err := json.Unmarshal([]byte(missing), &a.MissingEvidence); err != nil {
			return nil, fmt.Errorf("corrupt missing_evidence on audit %d: %w", a.AuditID, err)
		}
		if err := json.Unmarshal([]byte(reads), &a.ReadRequests); err != nil {
			return nil, fmt.Errorf("corrupt read_requests on audit %d: %w", a.AuditID, err)
		}
		if err := json.Unmarshal([]byte(corrections), &a.Corrections); err != nil {
			return nil, fmt.Errorf("corrupt corrections on audit %d: %w", a.AuditID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CachedVerdict is a stored auditor result keyed by the audit cache tuple.
type CachedVerdict struct {
	Verdict     types.Verdict
	Confidence  float64
	Rationale   string
	Corrections []types.Correction
}

// GetCachedVerdict returns a cached verdict, or nil on a cache miss.
func (s *Store) GetCachedVerdict(cacheKey string) (*CachedVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var verdict, corrections string
	cv := &CachedVerdict{}
	err := s.db.QueryRow(`
		SELECT verdict, confidence, rationale, corrections
		FROM audit_cache WHERE cache_key = ?`, cacheKey,
	).Scan(&verdict, &cv.Confidence, &cv.Rationale, &corrections)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit cache: %w", err)
	}
	cv.Verdict = types.Verdict(verdict)
	if err := json.Unmarshal([]byte(corrections), &cv.Corrections); err != nil {
		return nil, fmt.Errorf("corrupt cached corrections: %w", err)
	}
	return cv, nil
}

// PutCachedVerdict stores a verdict under its cache key.
func (s *Store) PutCachedVerdict(cacheKey string, cv *CachedVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	corrections, err := json.Marshal(cv.Corrections)
	if err != nil {
		return fmt.Errorf("failed to marshal corrections: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_cache (cache_key, verdict, confidence, rationale, corrections)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			verdict = excluded.verdict,
			confidence = excluded.confidence,
			rationale = excluded.rationale,
			corrections = excluded.corrections`,
		cacheKey, string(cv.Verdict), cv.Confidence, cv.Rationale, string(corrections))
	if err != nil {
		return fmt.Errorf("failed to write audit cache: %w", err)
	}
	return nil
}
