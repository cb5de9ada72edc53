// Versioned column migrations for existing databases. Tables are created by
// initialize(); these handle databases from older builds that are missing
// newer columns.
package store

import (
	"database/sql"
	"fmt"

	"lodestone/internal/logging"
)

// Migration defines a database schema migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all column-add migrations to apply.
var pendingMigrations = []Migration{
	// v2: creation time tracked alongside mtime for proximity features
	{"files", "ctime", "INTEGER NOT NULL DEFAULT 0"},
	// v2: audit provenance columns
	{"audits", "gating_reason", "TEXT NOT NULL DEFAULT ''"},
	{"audits", "from_cache", "INTEGER NOT NULL DEFAULT 0"},
	// v2: edge supersession instead of deletion
	{"edges", "superseded_by", "INTEGER NOT NULL DEFAULT 0"},
	// v2: delayed retry support on jobs
	{"jobs", "run_after", "DATETIME"},
}

// runMigrations applies schema migrations for existing databases.
func (s *Store) runMigrations() error {
	timer := logging.StartTimer(logging.CategoryStore, "runMigrations")
	defer timer.Stop()

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(s.db, m.Table) {
			continue
		}
		if columnExists(s.db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}
	if applied > 0 {
		logging.Store("Schema migrations complete: applied=%d", applied)
	}
	return nil
}

// columnExists checks if a column exists using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table,
	).Scan(&name)
	return err == nil
}
