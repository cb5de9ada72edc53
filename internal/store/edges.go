package store

import (
	"database/sql"
	"fmt"

	"lodestone/internal/logging"
	"lodestone/internal/types"
)

// PromoteEdge inserts a confirmed edge in the same transaction that marks
// the source candidate accepted. If a current edge already exists for the
// (src, dst, relation) triple it is superseded, never overwritten.
func (s *Store) PromoteEdge(e *types.Edge, candidateID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin promotion: %w", err)
	}
	defer tx.Rollback()

	var oldID int64
	err = tx.QueryRow(`
		SELECT id FROM edges
		WHERE src_file_id = ? AND dst_file_id = ? AND relation = ? AND superseded_by = 0`,
		e.SrcFileID, e.DstFileID, string(e.Relation)).Scan(&oldID)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to check existing edge: %w", err)
	}
	hadOld := err == nil

	if hadOld {
		// Clear the partial-unique slot before inserting the replacement;
		// the real superseded_by pointer is set once the new id is known.
		if _, err := tx.Exec("UPDATE edges SET superseded_by = -1 WHERE id = ?", oldID); err != nil {
			return 0, fmt.Errorf("failed to retire old edge: %w", err)
		}
	}

	res, err := tx.Exec(`
		INSERT INTO edges (src_file_id, dst_file_id, relation, confidence,
			anchor_id, created_by, strategy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SrcFileID, e.DstFileID, string(e.Relation), e.Confidence,
		e.AnchorID, string(e.CreatedBy), e.StrategyVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to insert edge: %w", err)
	}
	newID, _ := res.LastInsertId()

	if hadOld {
		if _, err := tx.Exec("UPDATE edges SET superseded_by = ? WHERE id = ?", newID, oldID); err != nil {
			return 0, fmt.Errorf("failed to supersede edge %d: %w", oldID, err)
		}
	}

	if candidateID != 0 {
		if _, err := tx.Exec(`
			UPDATE candidates SET status = 'accepted', updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, candidateID); err != nil {
			return 0, fmt.Errorf("failed to accept candidate %d: %w", candidateID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit promotion: %w", err)
	}

	logging.Link("Promoted edge %d: %d -[%s]-> %d (conf=%.2f, by=%s)",
		newID, e.SrcFileID, e.Relation, e.DstFileID, e.Confidence, e.CreatedBy)
	return newID, nil
}

const edgeColumns = `id, src_file_id, dst_file_id, relation, confidence,
	anchor_id, created_by, strategy_version, superseded_by, created_at`

func scanEdge(row interface{ Scan(...interface{}) error }) (*types.Edge, error) {
	e := &types.Edge{}
	var relation, createdBy string
	err := row.Scan(&e.EdgeID, &e.SrcFileID, &e.DstFileID, &relation,
		&e.Confidence, &e.AnchorID, &createdBy, &e.StrategyVersion,
		&e.SupersededBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Relation = types.Relation(relation)
	e.CreatedBy = types.CreatorKind(createdBy)
	return e, nil
}

func (s *Store) queryEdges(query string, args ...interface{}) ([]*types.Edge, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var out []*types.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEdgesForFile returns current edges touching a file in either direction.
func (s *Store) ListEdgesForFile(fileID int64) ([]*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEdges(`
		SELECT `+edgeColumns+` FROM edges
		WHERE (src_file_id = ? OR dst_file_id = ?) AND superseded_by = 0
		ORDER BY id`, fileID, fileID)
}

// CountCurrentEdges counts current edges of a relation touching the given
// side of the graph. Used by structural constraint checks.
func (s *Store) CountCurrentEdges(relation types.Relation, srcFileID, dstFileID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT COUNT(*) FROM edges WHERE relation = ? AND superseded_by = 0"
	args := []interface{}{string(relation)}
	if srcFileID != 0 {
		query += " AND src_file_id = ?"
		args = append(args, srcFileID)
	}
	if dstFileID != 0 {
		query += " AND dst_file_id = ?"
		args = append(args, dstFileID)
	}

	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return n, nil
}

// ListAllCurrentEdges returns every non-superseded edge.
func (s *Store) ListAllCurrentEdges() ([]*types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEdges(
		"SELECT " + edgeColumns + " FROM edges WHERE superseded_by = 0 ORDER BY id")
}
