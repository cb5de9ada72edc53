package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"lodestone/internal/logging"
	"lodestone/internal/types"
)

// UpsertCandidate records a proposed edge. A candidate's identity is
// (src, dst, relation); regeneration refreshes the score, evidence,
// features, winning rule, and routing status, but never resurrects a
// candidate a human or auditor already settled.
func (s *Store) UpsertCandidate(c *types.Candidate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	features := string(c.Features)
	if features == "" {
		features = "{}"
	}

	_, err = s.db.Exec(`
		INSERT INTO candidates (src_file_id, dst_file_id, relation, rule_name,
			score, confidence, status, strategy_version, evidence, features,
			feature_schema, anchor_id, annotation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(src_file_id, dst_file_id, relation) DO UPDATE SET
			rule_name = excluded.rule_name,
			score = excluded.score,
			confidence = excluded.confidence,
			status = excluded.status,
			annotation = excluded.annotation,
			strategy_version = excluded.strategy_version,
			evidence = excluded.evidence,
			features = excluded.features,
			feature_schema = excluded.feature_schema,
			anchor_id = excluded.anchor_id,
			updated_at = CURRENT_TIMESTAMP
		WHERE candidates.status IN ('pending', 'needs_audit')`,
		c.SrcFileID, c.DstFileID, string(c.Relation), c.RuleName,
		c.Score, c.Confidence, string(c.Status), c.StrategyVersion,
		string(evidence), features, c.FeatureSchema, c.AnchorID, c.Annotation)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert candidate: %w", err)
	}

	var id int64
	err = s.db.QueryRow(`
		SELECT id FROM candidates
		WHERE src_file_id = ? AND dst_file_id = ? AND relation = ?`,
		c.SrcFileID, c.DstFileID, string(c.Relation)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up candidate: %w", err)
	}
	return id, nil
}

const candidateColumns = `id, src_file_id, dst_file_id, relation, rule_name,
	score, confidence, status, strategy_version, evidence, features,
	feature_schema, anchor_id, annotation, created_at, updated_at`

func scanCandidate(row interface{ Scan(...interface{}) error }) (*types.Candidate, error) {
	c := &types.Candidate{}
	var relation, status, evidence, features string
	err := row.Scan(&c.CandidateID, &c.SrcFileID, &c.DstFileID, &relation,
		&c.RuleName, &c.Score, &c.Confidence, &status, &c.StrategyVersion,
		&evidence, &features, &c.FeatureSchema, &c.AnchorID, &c.Annotation,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Relation = types.Relation(relation)
	c.Status = types.CandidateStatus(status)
	c.Features = json.RawMessage(features)
	if err := json.Unmarshal([]byte(evidence), &c.Evidence); err != nil {
		return nil, fmt.Errorf("corrupt evidence on candidate %d: %w", c.CandidateID, err)
	}
	return c, nil
}

// GetCandidate returns a candidate by id.
func (s *Store) GetCandidate(id int64) (*types.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanCandidate(s.db.QueryRow(
		"SELECT "+candidateColumns+" FROM candidates WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("candidate %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return c, nil
}

func (s *Store) queryCandidates(query string, args ...interface{}) ([]*types.Candidate, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var out []*types.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCandidatesByStatus returns candidates in a given review state,
// highest score first.
func (s *Store) ListCandidatesByStatus(status types.CandidateStatus, limit int) ([]*types.Candidate, error) {
	if limit <= 0 {
		limit = -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCandidates(
		"SELECT "+candidateColumns+" FROM candidates WHERE status = ? ORDER BY score DESC LIMIT ?",
		string(status), limit)
}

// ListCandidatesForSource returns all candidates proposed from one file.
func (s *Store) ListCandidatesForSource(srcFileID int64) ([]*types.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCandidates(
		"SELECT "+candidateColumns+" FROM candidates WHERE src_file_id = ? ORDER BY score DESC",
		srcFileID)
}

// ListCompetingCandidates returns pending and needs_audit candidates that
// target the same destination under the same relation.
func (s *Store) ListCompetingCandidates(dstFileID int64, relation types.Relation) ([]*types.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCandidates(`
		SELECT `+candidateColumns+` FROM candidates
		WHERE dst_file_id = ? AND relation = ? AND status IN ('pending', 'needs_audit')
		ORDER BY score DESC`, dstFileID, string(relation))
}

// CountCandidatesForDst returns how many live candidates from other
// sources target a destination. Rejected candidates are not contenders.
func (s *Store) CountCandidatesForDst(dstFileID, excludeSrcID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM candidates
		WHERE dst_file_id = ? AND src_file_id != ? AND status != 'rejected'`,
		dstFileID, excludeSrcID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count candidates for dst: %w", err)
	}
	return n, nil
}

// ListAcceptedCandidates returns accepted candidates of one relation
// touching an endpoint, highest score first. A zero endpoint id leaves
// that side unfiltered.
func (s *Store) ListAcceptedCandidates(relation types.Relation, srcFileID, dstFileID int64) ([]*types.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := "SELECT " + candidateColumns + " FROM candidates WHERE relation = ? AND status = 'accepted'"
	args := []interface{}{string(relation)}
	if srcFileID != 0 {
		query += " AND src_file_id = ?"
		args = append(args, srcFileID)
	}
	if dstFileID != 0 {
		query += " AND dst_file_id = ?"
		args = append(args, dstFileID)
	}
	return s.queryCandidates(query+" ORDER BY score DESC", args...)
}

// UpdateCandidateStatus moves a candidate through the review lifecycle.
func (s *Store) UpdateCandidateStatus(id int64, status types.CandidateStatus, annotation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE candidates SET status = ?, annotation = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, string(status), annotation, id)
	if err != nil {
		return fmt.Errorf("failed to update candidate status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("candidate %d not found", id)
	}
	logging.LinkDebug("Candidate %d -> %s", id, status)
	return nil
}
