package store

import (
	"fmt"
	"strings"

	"lodestone/internal/logging"
)

// IndexDocument replaces the search document for a file. Called after each
// successful extraction.
func (s *Store) IndexDocument(fileID int64, name, body string) error {
	if !s.ftsOK {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM fts_docs WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("failed to clear search doc: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT INTO fts_docs (file_id, name, body) VALUES (?, ?, ?)",
		fileID, name, body); err != nil {
		return fmt.Errorf("failed to index search doc: %w", err)
	}
	return nil
}

// SearchHit is one full-text search result.
type SearchHit struct {
	FileID  int64
	Name    string
	Snippet string
}

// Search runs a ranked full-text query over indexed documents. Falls back
// to LIKE matching on file names when FTS5 is unavailable.
func (s *Store) Search(query string, limit int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ftsOK {
		return s.searchLike(query, limit)
	}

	rows, err := s.db.Query(`
		SELECT file_id, name, snippet(fts_docs, 2, '[', ']', '...', 12)
		FROM fts_docs WHERE fts_docs MATCH ?
		ORDER BY rank LIMIT ?`, ftsQuote(query), limit)
	if err != nil {
		logging.Get(logging.CategoryQuery).Warn("FTS query failed, falling back to LIKE: %v", err)
		return s.searchLike(query, limit)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.FileID, &h.Name, &h.Snippet); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Store) searchLike(query string, limit int) ([]SearchHit, error) {
	rows, err := s.db.Query(`
		SELECT id, name FROM files
		WHERE name LIKE ? AND missing = 0 AND is_dir = 0
		ORDER BY name LIMIT ?`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run LIKE search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.FileID, &h.Name); err != nil {
			return nil, fmt.Errorf("failed to scan LIKE hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuote wraps each term in double quotes so user input with punctuation
// cannot break FTS5 query syntax.
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}
