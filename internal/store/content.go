package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"lodestone/internal/types"
)

// UpsertContent replaces the content summary for a file. Summaries are
// superseded wholesale, never merged, when a file is re-extracted.
func (s *Store) UpsertContent(c *types.ContentSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keywords, err := json.Marshal(c.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}
	entities, err := json.Marshal(c.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO content (file_id, title, summary, keywords, entities, excerpt, tier, extraction_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			keywords = excluded.keywords,
			entities = excluded.entities,
			excerpt = excluded.excerpt,
			tier = excluded.tier,
			extraction_version = excluded.extraction_version,
			extracted_at = CURRENT_TIMESTAMP`,
		c.FileID, c.Title, c.Summary, string(keywords), string(entities),
		c.Excerpt, c.Tier, c.ExtractionVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert content: %w", err)
	}
	return nil
}

// GetContent returns the content summary for a file, or nil if the file has
// not been extracted yet.
func (s *Store) GetContent(fileID int64) (*types.ContentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &types.ContentSummary{FileID: fileID}
	var keywords, entities string
	err := s.db.QueryRow(`
		SELECT title, summary, keywords, entities, excerpt, tier, extraction_version, extracted_at
		FROM content WHERE file_id = ?`, fileID,
	).Scan(&c.Title, &c.Summary, &keywords, &entities, &c.Excerpt,
		&c.Tier, &c.ExtractionVersion, &c.ExtractedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &c.Keywords); err != nil {
		return nil, fmt.Errorf("corrupt keywords for file %d: %w", fileID, err)
	}
	if err := json.Unmarshal([]byte(entities), &c.Entities); err != nil {
		return nil, fmt.Errorf("corrupt entities for file %d: %w", fileID, err)
	}
	return c, nil
}

// InsertAnchor stores an evidence anchor. Anchors are immutable; inserting
// an existing id is a no-op.
func (s *Store) InsertAnchor(a *types.EvidenceAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO anchors (id, file_id, artifact_type, locator, excerpt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.AnchorID, a.FileID, string(a.ArtifactType), string(a.Locator), a.Excerpt)
	if err != nil {
		return fmt.Errorf("failed to insert anchor: %w", err)
	}
	return nil
}

// GetAnchor returns an anchor by id.
func (s *Store) GetAnchor(id string) (*types.EvidenceAnchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a := &types.EvidenceAnchor{AnchorID: id}
	var artifactType, locator string
	err := s.db.QueryRow(`
		SELECT file_id, artifact_type, locator, excerpt, created_at
		FROM anchors WHERE id = ?`, id,
	).Scan(&a.FileID, &artifactType, &locator, &a.Excerpt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("anchor %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anchor: %w", err)
	}
	a.ArtifactType = types.ArtifactType(artifactType)
	a.Locator = json.RawMessage(locator)
	return a, nil
}

// ListAnchorsByFile returns all anchors pointing into a file.
func (s *Store) ListAnchorsByFile(fileID int64) ([]*types.EvidenceAnchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, file_id, artifact_type, locator, excerpt, created_at
		FROM anchors WHERE file_id = ? ORDER BY id`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list anchors: %w", err)
	}
	defer rows.Close()

	var anchors []*types.EvidenceAnchor
	for rows.Next() {
		a := &types.EvidenceAnchor{}
		var artifactType, locator string
		if err := rows.Scan(&a.AnchorID, &a.FileID, &artifactType, &locator,
			&a.Excerpt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anchor: %w", err)
		}
		a.ArtifactType = types.ArtifactType(artifactType)
		a.Locator = json.RawMessage(locator)
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}
