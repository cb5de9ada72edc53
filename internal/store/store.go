// Package store is the single source of truth for lodestone: a SQLite
// database holding the file inventory, extracted content, evidence anchors,
// link candidates, promoted edges, audit verdicts, linker strategies, and
// the durable work queue.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"lodestone/internal/logging"
)

// SchemaVersion is the current schema version. Opening a database with a
// newer version than this fails fast rather than risking corruption.
const SchemaVersion = 2

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	ftsOK  bool // FTS5 available in this build
}

// Open initializes the SQLite database at the given path, creating the
// schema if needed and applying pending migrations.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}

	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.initFTS()

	if err := s.setSchemaVersion(SchemaVersion); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialization complete (schema v%d, fts=%v)", SchemaVersion, s.ftsOK)
	return s, nil
}

// checkSchemaVersion refuses to open databases written by a newer build.
func (s *Store) checkSchemaVersion() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("database schema v%d is newer than this build supports (v%d); refusing to open %s",
			version, SchemaVersion, s.dbPath)
	}
	return nil
}

func (s *Store) setSchemaVersion(v int) error {
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v))
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	rootsTable := `
	CREATE TABLE IF NOT EXISTS roots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_crawl_at DATETIME
	);
	`

	// File paths are stored relative to their root. A file whose path
	// disappears is marked missing, never deleted, so its edges survive.
	filesTable := `
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		root_id INTEGER NOT NULL REFERENCES roots(id),
		path TEXT NOT NULL,
		parent_path TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		ext TEXT NOT NULL DEFAULT '',
		is_dir INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		mtime INTEGER NOT NULL DEFAULT 0,
		ctime INTEGER NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT 'other',
		fingerprint TEXT NOT NULL DEFAULT '',
		missing INTEGER NOT NULL DEFAULT 0,
		inventory_status TEXT NOT NULL DEFAULT 'ok',
		extract_status TEXT NOT NULL DEFAULT 'pending',
		enrich_status TEXT NOT NULL DEFAULT 'pending',
		error_msg TEXT NOT NULL DEFAULT '',
		last_indexed_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE(root_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_fingerprint ON files(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_files_category ON files(category);
	CREATE INDEX IF NOT EXISTS idx_files_extract_status ON files(extract_status);
	CREATE INDEX IF NOT EXISTS idx_files_name ON files(name);
	CREATE INDEX IF NOT EXISTS idx_files_parent ON files(root_id, parent_path);
	`

	contentTable := `
	CREATE TABLE IF NOT EXISTS content (
		file_id INTEGER PRIMARY KEY REFERENCES files(id),
		title TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		entities TEXT NOT NULL DEFAULT '{}',
		excerpt TEXT NOT NULL DEFAULT '',
		tier INTEGER NOT NULL DEFAULT 2,
		extraction_version INTEGER NOT NULL DEFAULT 1,
		extracted_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	// Evidence anchors are stable string ids so audit cache entries and
	// edge provenance survive re-extraction of unchanged files.
	anchorsTable := `
	CREATE TABLE IF NOT EXISTS anchors (
		id TEXT PRIMARY KEY,
		file_id INTEGER NOT NULL REFERENCES files(id),
		artifact_type TEXT NOT NULL,
		locator TEXT NOT NULL,
		excerpt TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_anchors_file ON anchors(file_id);
	`

	candidatesTable := `
	CREATE TABLE IF NOT EXISTS candidates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		src_file_id INTEGER NOT NULL REFERENCES files(id),
		dst_file_id INTEGER NOT NULL REFERENCES files(id),
		relation TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		strategy_version INTEGER NOT NULL DEFAULT 0,
		evidence TEXT NOT NULL DEFAULT '{}',
		features TEXT NOT NULL DEFAULT '{}',
		feature_schema INTEGER NOT NULL DEFAULT 1,
		anchor_id TEXT NOT NULL DEFAULT '',
		annotation TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(src_file_id, dst_file_id, relation)
	);
	CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates(status);
	CREATE INDEX IF NOT EXISTS idx_candidates_src ON candidates(src_file_id);
	CREATE INDEX IF NOT EXISTS idx_candidates_dst ON candidates(dst_file_id);
	`

	// The partial unique index allows superseded history rows to coexist
	// with the one current edge per (src, dst, relation).
	edgesTable := `
	CREATE TABLE IF NOT EXISTS edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		src_file_id INTEGER NOT NULL REFERENCES files(id),
		dst_file_id INTEGER NOT NULL REFERENCES files(id),
		relation TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		anchor_id TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT 'rule',
		strategy_version INTEGER NOT NULL DEFAULT 0,
		superseded_by INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_current
		ON edges(src_file_id, dst_file_id, relation) WHERE superseded_by = 0;
	CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(src_file_id);
	CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_file_id);
	`

	// Append-only audit log; the cache table short-circuits repeat calls.
	auditsTable := `
	CREATE TABLE IF NOT EXISTS audits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		candidate_id INTEGER NOT NULL REFERENCES candidates(id),
		verdict TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		rationale TEXT NOT NULL DEFAULT '',
		missing_evidence TEXT NOT NULL DEFAULT '[]',
		read_requests TEXT NOT NULL DEFAULT '[]',
		corrections TEXT NOT NULL DEFAULT '[]',
		model TEXT NOT NULL DEFAULT '',
		prompt_version INTEGER NOT NULL DEFAULT 1,
		gating_reason TEXT NOT NULL DEFAULT '',
		from_cache INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audits_candidate ON audits(candidate_id);

	CREATE TABLE IF NOT EXISTS audit_cache (
		cache_key TEXT PRIMARY KEY,
		verdict TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		rationale TEXT NOT NULL DEFAULT '',
		corrections TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	// Strategies are append-only: tuning creates a new version, never
	// rewrites history, so past routing decisions stay explainable.
	strategiesTable := `
	CREATE TABLE IF NOT EXISTS strategies (
		version INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	jobsTable := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		root_id INTEGER NOT NULL DEFAULT 0,
		target TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		status TEXT NOT NULL DEFAULT 'pending',
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at DATETIME,
		run_after DATETIME,
		error_msg TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_kind ON jobs(kind);
	`

	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME,
		summary TEXT NOT NULL DEFAULT '{}'
	);
	`

	tables := []string{
		rootsTable, filesTable, contentTable, anchorsTable,
		candidatesTable, edgesTable, auditsTable, strategiesTable,
		jobsTable, runsTable,
	}
	for _, t := range tables {
		if _, err := s.db.Exec(t); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	}
	return nil
}

// initFTS creates the FTS5 virtual table if the build supports it.
// Search degrades to LIKE queries when FTS5 is unavailable.
func (s *Store) initFTS() {
	ftsTable := `
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_docs USING fts5(
		file_id UNINDEXED,
		name,
		body,
		tokenize = 'porter unicode61'
	);
	`
	if _, err := s.db.Exec(ftsTable); err != nil {
		logging.Get(logging.CategoryStore).Warn("FTS5 unavailable, search degrades to LIKE: %v", err)
		s.ftsOK = false
		return
	}
	s.ftsOK = true
}

// Close closes the database.
func (s *Store) Close() error {
	logging.Store("Closing store at %s", s.dbPath)
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats summarizes the database for status output.
type Stats struct {
	Roots             int
	Files             int
	FilesMissing      int
	FilesExtracted    int
	FilesPending      int
	Candidates        int
	CandidatesPending int
	CandidatesReview  int
	Edges             int
	Audits            int
	JobsPending       int
	JobsDead          int
}

// GetStats returns database statistics.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{}
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM roots", &st.Roots},
		{"SELECT COUNT(*) FROM files WHERE is_dir = 0", &st.Files},
		{"SELECT COUNT(*) FROM files WHERE missing = 1", &st.FilesMissing},
		{"SELECT COUNT(*) FROM files WHERE extract_status = 'ok'", &st.FilesExtracted},
		{"SELECT COUNT(*) FROM files WHERE is_dir = 0 AND extract_status = 'pending' AND missing = 0", &st.FilesPending},
		{"SELECT COUNT(*) FROM candidates", &st.Candidates},
		{"SELECT COUNT(*) FROM candidates WHERE status = 'pending'", &st.CandidatesPending},
		{"SELECT COUNT(*) FROM candidates WHERE status = 'needs_audit'", &st.CandidatesReview},
		{"SELECT COUNT(*) FROM edges WHERE superseded_by = 0", &st.Edges},
		{"SELECT COUNT(*) FROM audits", &st.Audits},
		{"SELECT COUNT(*) FROM jobs WHERE status = 'pending'", &st.JobsPending},
		{"SELECT COUNT(*) FROM jobs WHERE status = 'dead'", &st.JobsDead},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats query failed: %w", err)
		}
	}
	return st, nil
}
