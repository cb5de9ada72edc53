package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"lodestone/internal/logging"
	"lodestone/internal/types"
)

// EnsureStrategy seeds the strategy table on first run and returns the
// active strategy. Existing databases keep whatever is already active.
func (s *Store) EnsureStrategy(defaults types.StrategyParams) (*types.LinkerStrategy, error) {
	active, err := s.ActiveStrategy()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}
	version, err := s.InsertStrategy("default", defaults)
	if err != nil {
		return nil, err
	}
	logging.Link("Seeded strategy v%d", version)
	return s.ActiveStrategy()
}

// ActiveStrategy returns the active strategy, or nil when none exists yet.
func (s *Store) ActiveStrategy() (*types.LinkerStrategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &types.LinkerStrategy{}
	var params string
	var active int
	err := s.db.QueryRow(`
		SELECT version, name, params, active, created_at
		FROM strategies WHERE active = 1 ORDER BY version DESC LIMIT 1`,
	).Scan(&st.Version, &st.Name, &params, &active, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active strategy: %w", err)
	}
	st.Active = active != 0
	if err := json.Unmarshal([]byte(params), &st.Params); err != nil {
		return nil, fmt.Errorf("corrupt strategy v%d params: %w", st.Version, err)
	}
	return st, nil
}

// GetStrategy returns a specific strategy version.
func (s *Store) GetStrategy(version int64) (*types.LinkerStrategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &types.LinkerStrategy{}
	var params string
	var active int
	err := s.db.QueryRow(`
		SELECT version, name, params, active, created_at
		FROM strategies WHERE version = ?`, version,
	).Scan(&st.Version, &st.Name, &params, &active, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("strategy v%d not found", version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	st.Active = active != 0
	if err := json.Unmarshal([]byte(params), &st.Params); err != nil {
		return nil, fmt.Errorf("corrupt strategy v%d params: %w", st.Version, err)
	}
	return st, nil
}

// InsertStrategy appends a new strategy version and makes it active.
// Older versions are deactivated, never modified or deleted.
func (s *Store) InsertStrategy(name string, params types.StrategyParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal strategy params: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin strategy insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE strategies SET active = 0 WHERE active = 1"); err != nil {
		return 0, fmt.Errorf("failed to deactivate strategies: %w", err)
	}
	res, err := tx.Exec(
		"INSERT INTO strategies (name, params, active) VALUES (?, ?, 1)",
		name, string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to insert strategy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit strategy insert: %w", err)
	}

	version, _ := res.LastInsertId()
	logging.Link("Activated strategy v%d (%s)", version, name)
	return version, nil
}

// StrategyPerformance aggregates candidate outcomes per strategy version.
type StrategyPerformance struct {
	Version    int64
	Candidates int
	Accepted   int
	Rejected   int
	NeedsAudit int
	Pending    int
}

// StrategyStats reports per-version routing outcomes for tuning.
func (s *Store) StrategyStats() ([]StrategyPerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT strategy_version,
			COUNT(*),
			SUM(CASE WHEN status = 'accepted' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'needs_audit' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END)
		FROM candidates GROUP BY strategy_version ORDER BY strategy_version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy stats: %w", err)
	}
	defer rows.Close()

	var out []StrategyPerformance
	for rows.Next() {
		var p StrategyPerformance
		if err := rows.Scan(&p.Version, &p.Candidates, &p.Accepted,
			&p.Rejected, &p.NeedsAudit, &p.Pending); err != nil {
			return nil, fmt.Errorf("failed to scan strategy stats: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
