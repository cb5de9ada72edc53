package store

import (
	"database/sql"
	"fmt"
	"time"

	"lodestone/internal/logging"
	"lodestone/internal/types"
)

// AddRoot registers a collection root. Adding an existing path is a no-op
// that returns the existing id.
func (s *Store) AddRoot(path, label string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO roots (path, label) VALUES (?, ?) ON CONFLICT(path) DO NOTHING",
		path, label)
	if err != nil {
		return 0, fmt.Errorf("failed to add root: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, _ := res.LastInsertId()
		logging.Store("Added root %d: %s", id, path)
		return id, nil
	}

	var id int64
	if err := s.db.QueryRow("SELECT id FROM roots WHERE path = ?", path).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up root: %w", err)
	}
	return id, nil
}

// GetRoot returns a root by id.
func (s *Store) GetRoot(id int64) (*types.Root, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &types.Root{}
	var lastCrawl sql.NullTime
	err := s.db.QueryRow(
		"SELECT id, path, label, created_at, last_crawl_at FROM roots WHERE id = ?", id,
	).Scan(&r.RootID, &r.RootPath, &r.Label, &r.CreatedAt, &lastCrawl)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("root %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get root: %w", err)
	}
	if lastCrawl.Valid {
		r.LastCrawlAt = lastCrawl.Time
	}
	return r, nil
}

// ListRoots returns all registered roots.
func (s *Store) ListRoots() ([]types.Root, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, path, label, created_at, last_crawl_at FROM roots ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list roots: %w", err)
	}
	defer rows.Close()

	var roots []types.Root
	for rows.Next() {
		var r types.Root
		var lastCrawl sql.NullTime
		if err := rows.Scan(&r.RootID, &r.RootPath, &r.Label, &r.CreatedAt, &lastCrawl); err != nil {
			return nil, fmt.Errorf("failed to scan root: %w", err)
		}
		if lastCrawl.Valid {
			r.LastCrawlAt = lastCrawl.Time
		}
		roots = append(roots, r)
	}
	return roots, rows.Err()
}

// TouchRootCrawled records the completion time of a crawl over a root.
func (s *Store) TouchRootCrawled(id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE roots SET last_crawl_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("failed to touch root: %w", err)
	}
	return nil
}

// UpsertResult describes what an inventory upsert did.
type UpsertResult int

const (
	UpsertUnchanged UpsertResult = iota // fingerprint matched, nothing to do
	UpsertInserted                      // new file
	UpsertChanged                       // fingerprint differed, tiers reset
)

// UpsertFile records a crawled entry. If the fingerprint is unchanged the
// row is only touched (missing cleared, last_indexed_at bumped); if it
// changed, extraction state resets to pending so downstream tiers re-run.
func (s *Store) UpsertFile(f *types.FileEntry) (int64, UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	var existing string
	err := s.db.QueryRow(
		"SELECT id, fingerprint FROM files WHERE root_id = ? AND path = ?",
		f.RootID, f.Path,
	).Scan(&id, &existing)

	now := time.Now().UTC().Unix()

	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.Exec(`
			INSERT INTO files (root_id, path, parent_path, name, ext, is_dir,
				size_bytes, mtime, ctime, category, fingerprint, last_indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.RootID, f.Path, f.ParentPath, f.Name, f.Ext, boolToInt(f.IsDir),
			f.SizeBytes, f.ModTime.Unix(), f.CreateTime.Unix(),
			string(f.Category), f.Fingerprint, now)
		if err != nil {
			return 0, UpsertUnchanged, fmt.Errorf("failed to insert file: %w", err)
		}
		id, _ = res.LastInsertId()
		logging.CrawlDebug("Inserted file %d: %s", id, f.Path)
		return id, UpsertInserted, nil

	case err != nil:
		return 0, UpsertUnchanged, fmt.Errorf("failed to look up file: %w", err)

	case existing == f.Fingerprint:
		_, err := s.db.Exec(
			"UPDATE files SET missing = 0, last_indexed_at = ? WHERE id = ?", now, id)
		if err != nil {
			return 0, UpsertUnchanged, fmt.Errorf("failed to touch file: %w", err)
		}
		return id, UpsertUnchanged, nil

	default:
		_, err := s.db.Exec(`
			UPDATE files SET size_bytes = ?, mtime = ?, ctime = ?, fingerprint = ?,
				category = ?, missing = 0, extract_status = 'pending',
				enrich_status = 'pending', error_msg = '', last_indexed_at = ?
			WHERE id = ?`,
			f.SizeBytes, f.ModTime.Unix(), f.CreateTime.Unix(), f.Fingerprint,
			string(f.Category), now, id)
		if err != nil {
			return 0, UpsertUnchanged, fmt.Errorf("failed to update file: %w", err)
		}
		logging.CrawlDebug("File %d changed, tiers reset: %s", id, f.Path)
		return id, UpsertChanged, nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const fileColumns = `id, root_id, path, parent_path, name, ext, is_dir,
	size_bytes, mtime, ctime, category, fingerprint, missing,
	inventory_status, extract_status, enrich_status, error_msg, last_indexed_at`

func scanFile(row interface{ Scan(...interface{}) error }) (*types.FileEntry, error) {
	f := &types.FileEntry{}
	var category, invStatus, extStatus, enrStatus string
	var isDir, missing int
	var mtime, ctime, lastIndexed int64
	err := row.Scan(&f.FileID, &f.RootID, &f.Path, &f.ParentPath, &f.Name,
		&f.Ext, &isDir, &f.SizeBytes, &mtime, &ctime, &category,
		&f.Fingerprint, &missing, &invStatus, &extStatus, &enrStatus,
		&f.ErrorMsg, &lastIndexed)
	if err != nil {
		return nil, err
	}
	f.IsDir = isDir != 0
	f.Missing = missing != 0
	f.ModTime = time.Unix(mtime, 0).UTC()
	f.CreateTime = time.Unix(ctime, 0).UTC()
	f.LastIndexedAt = time.Unix(lastIndexed, 0).UTC()
	f.Category = types.FileCategory(category)
	f.InventoryStatus = types.TierStatus(invStatus)
	f.ExtractStatus = types.TierStatus(extStatus)
	f.EnrichStatus = types.TierStatus(enrStatus)
	return f, nil
}

// GetFile returns a file by id.
func (s *Store) GetFile(id int64) (*types.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := scanFile(s.db.QueryRow(
		"SELECT "+fileColumns+" FROM files WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// GetFileByPath returns a file by root and collection-relative path.
func (s *Store) GetFileByPath(rootID int64, path string) (*types.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := scanFile(s.db.QueryRow(
		"SELECT "+fileColumns+" FROM files WHERE root_id = ? AND path = ?", rootID, path))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %s not found under root %d", path, rootID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

func (s *Store) queryFiles(query string, args ...interface{}) ([]*types.FileEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*types.FileEntry
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ListFilesByRoot returns all present files under a root, directories included.
func (s *Store) ListFilesByRoot(rootID int64) ([]*types.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryFiles(
		"SELECT "+fileColumns+" FROM files WHERE root_id = ? AND missing = 0 ORDER BY path", rootID)
}

// ListSiblings returns the present regular files sharing a parent directory.
func (s *Store) ListSiblings(rootID int64, parentPath string) ([]*types.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryFiles(`
		SELECT `+fileColumns+` FROM files
		WHERE root_id = ? AND parent_path = ? AND is_dir = 0 AND missing = 0
		ORDER BY name`, rootID, parentPath)
}

// FindFilesByName returns present regular files whose basename matches,
// case-insensitively, across all roots.
func (s *Store) FindFilesByName(name string) ([]*types.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryFiles(`
		SELECT `+fileColumns+` FROM files
		WHERE name = ? COLLATE NOCASE AND is_dir = 0 AND missing = 0
		ORDER BY id`, name)
}

// FindFilesByStemToken returns present data files whose name contains the
// token, for resolving short references like "run003".
func (s *Store) FindFilesByStemToken(token string, limit int) ([]*types.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryFiles(`
		SELECT `+fileColumns+` FROM files
		WHERE name LIKE '%' || ? || '%' AND is_dir = 0 AND missing = 0
		ORDER BY id LIMIT ?`, token, limit)
}

// ListFilesPendingExtraction returns regular files awaiting extraction,
// including files whose stored extraction predates the given version.
// A limit of 0 or less means no limit.
func (s *Store) ListFilesPendingExtraction(version int, limit int) ([]*types.FileEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryFiles(`
		SELECT `+fileColumns+` FROM files f
		WHERE f.is_dir = 0 AND f.missing = 0 AND (
			f.extract_status = 'pending'
			OR (f.extract_status = 'ok' AND NOT EXISTS (
				SELECT 1 FROM content c
				WHERE c.file_id = f.id AND c.extraction_version >= ?))
		)
		ORDER BY f.id LIMIT ?`, version, limit)
}

// ListFilesPendingLink returns extracted files whose linking tier has not
// completed yet. A limit of 0 or less means no limit.
func (s *Store) ListFilesPendingLink(limit int) ([]*types.FileEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryFiles(`
		SELECT `+fileColumns+` FROM files
		WHERE is_dir = 0 AND missing = 0
			AND extract_status = 'ok' AND enrich_status = 'pending'
		ORDER BY id LIMIT ?`, limit)
}

// ListFilesByCategory returns present regular files of a category.
func (s *Store) ListFilesByCategory(cat types.FileCategory) ([]*types.FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryFiles(
		"SELECT "+fileColumns+" FROM files WHERE category = ? AND is_dir = 0 AND missing = 0 ORDER BY path",
		string(cat))
}

// MarkFilesMissing flags every entry under the root that was not touched
// during the crawl that started at crawlStart. Rows are never deleted.
func (s *Store) MarkFilesMissing(rootID int64, crawlStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE files SET missing = 1 WHERE root_id = ? AND last_indexed_at < ? AND missing = 0",
		rootID, crawlStart.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to mark missing files: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Crawl("Marked %d entries missing under root %d", n, rootID)
	}
	return n, nil
}

// MarkDirEntriesMissing marks direct children of one directory missing
// when a listing pass no longer saw them. A parentPath of "" names the
// root's top-level entries.
func (s *Store) MarkDirEntriesMissing(rootID int64, parentPath string, listStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE files SET missing = 1 WHERE root_id = ? AND parent_path = ? AND last_indexed_at < ? AND missing = 0",
		rootID, parentPath, listStart.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to mark directory entries missing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Crawl("Marked %d entries missing under root %d dir %q", n, rootID, parentPath)
	}
	return n, nil
}

// RequeueStaleExtractions flips extracted files back to pending when their
// last extraction predates the cutoff, and returns the affected entries so
// the caller can queue work for them. Missing files are left alone.
func (s *Store) RequeueStaleExtractions(rootID int64, cutoff time.Time) ([]*types.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	when := cutoff.UTC().Format("2006-01-02 15:04:05")
	files, err := s.queryFiles(`
		SELECT `+fileColumns+` FROM files f
		JOIN content c ON c.file_id = f.id
		WHERE f.root_id = ? AND f.is_dir = 0 AND f.missing = 0
			AND f.extract_status = 'ok' AND c.extracted_at < ?
		ORDER BY f.id`, rootID, when)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	_, err = s.db.Exec(`
		UPDATE files SET extract_status = 'pending' WHERE id IN (
			SELECT f.id FROM files f
			JOIN content c ON c.file_id = f.id
			WHERE f.root_id = ? AND f.is_dir = 0 AND f.missing = 0
				AND f.extract_status = 'ok' AND c.extracted_at < ?)`,
		rootID, when)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue stale extractions: %w", err)
	}
	return files, nil
}

// SetInventoryStatus records the outcome of crawling one entry, typically
// an unreadable directory.
func (s *Store) SetInventoryStatus(fileID int64, status types.TierStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE files SET inventory_status = ?, error_msg = ? WHERE id = ?",
		string(status), errMsg, fileID)
	if err != nil {
		return fmt.Errorf("failed to set inventory status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d not found", fileID)
	}
	return nil
}

// SetExtractStatus records the outcome of an extraction attempt.
func (s *Store) SetExtractStatus(fileID int64, status types.TierStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE files SET extract_status = ?, error_msg = ? WHERE id = ?",
		string(status), errMsg, fileID)
	if err != nil {
		return fmt.Errorf("failed to set extract status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d not found", fileID)
	}
	return nil
}

// SetEnrichStatus records the outcome of an enrichment attempt.
func (s *Store) SetEnrichStatus(fileID int64, status types.TierStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE files SET enrich_status = ? WHERE id = ?", string(status), fileID)
	if err != nil {
		return fmt.Errorf("failed to set enrich status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d not found", fileID)
	}
	return nil
}
