// Package store persists run records and the global coverage frontier in an
// embedded sqlite database. The coordinator owns the sole write handle;
// scoring reads through the same row-by-row transactional interface.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// RunRecord is one persisted row of an executed mutation.
type RunRecord struct {
	Iteration        int
	SeedID           string
	SeedText         string
	MutatedInput     string
	Status           string
	BugType          string
	Exception        string
	Message          string
	File             string
	Line             *int
	InterestingScore float64
	Target           string
	CreatedAt        string
}

// Edge is one covered coverage edge.
type Edge struct {
	File     string
	FromLine int
	ToLine   int
}

// SeedStats aggregates the runs table per seed for the power scheduler.
type SeedStats struct {
	SeedID    string
	FuzzCount int
	AvgScore  float64
	BugCount  int
}

// Store wraps the sqlite database holding runs and seen_branches.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open store: path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	// WAL keeps row-by-row commits cheap while staying durable.
	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			iteration INTEGER NOT NULL,
			seed_id TEXT NOT NULL,
			seed_text TEXT NOT NULL,
			mutated_input TEXT NOT NULL,
			status TEXT NOT NULL,
			bug_type TEXT,
			exception TEXT,
			message TEXT,
			file TEXT,
			line INTEGER,
			interesting_score REAL NOT NULL,
			target TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_target_input ON runs(target, mutated_input)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_target_seed ON runs(target, seed_id)`,
		`CREATE TABLE IF NOT EXISTS seen_branches (
			file TEXT NOT NULL,
			from_line INTEGER NOT NULL,
			to_line INTEGER NOT NULL,
			PRIMARY KEY (file, from_line, to_line)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Now returns the UTC ISO-8601 timestamp used for created_at.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// InsertRun appends one run row. No deduplication is applied.
func (s *Store) InsertRun(rec *RunRecord) error {
	createdAt := rec.CreatedAt
	if createdAt == "" {
		createdAt = Now()
	}
	var line interface{}
	if rec.Line != nil {
		line = *rec.Line
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (
			iteration, seed_id, seed_text, mutated_input, status,
			bug_type, exception, message, file, line,
			interesting_score, target, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Iteration, rec.SeedID, rec.SeedText, rec.MutatedInput, rec.Status,
		nullIfEmpty(rec.BugType), nullIfEmpty(rec.Exception), nullIfEmpty(rec.Message),
		nullIfEmpty(rec.File), line,
		rec.InterestingScore, rec.Target, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// InputAlreadyRun reports whether (target, mutatedInput) already has a row.
func (s *Store) InputAlreadyRun(mutatedInput, targetName string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM runs WHERE target = ? AND mutated_input = ? LIMIT 1`,
		targetName, mutatedInput,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("input already run: %w", err)
	}
	return true, nil
}

// AggregateSeedStats returns per-seed fuzz counts, average interesting
// score, and bug counts for one target. A bug count covers status in
// {bug, crash, timeout}.
func (s *Store) AggregateSeedStats(targetName string) (map[string]SeedStats, error) {
	rows, err := s.db.Query(`
		SELECT seed_id,
		       COUNT(*),
		       COALESCE(AVG(interesting_score), 0),
		       SUM(CASE WHEN status IN ('bug', 'crash', 'timeout') THEN 1 ELSE 0 END)
		FROM runs
		WHERE target = ?
		GROUP BY seed_id`,
		targetName,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate seed stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SeedStats)
	for rows.Next() {
		var st SeedStats
		if err := rows.Scan(&st.SeedID, &st.FuzzCount, &st.AvgScore, &st.BugCount); err != nil {
			return nil, fmt.Errorf("aggregate seed stats: %w", err)
		}
		out[st.SeedID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate seed stats: %w", err)
	}
	return out, nil
}

// InsertCoveredEdges records edges in the coverage frontier. Duplicate
// (file, from_line, to_line) triples are silently dropped.
func (s *Store) InsertCoveredEdges(edges []Edge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert covered edges: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO seen_branches (file, from_line, to_line) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert covered edges: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		if _, err := stmt.Exec(e.File, e.FromLine, e.ToLine); err != nil {
			return fmt.Errorf("insert covered edges: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert covered edges: %w", err)
	}
	committed = true
	return nil
}

// ListSeenEdges returns every edge ever observed for the campaign.
func (s *Store) ListSeenEdges() ([]Edge, error) {
	rows, err := s.db.Query(`SELECT file, from_line, to_line FROM seen_branches`)
	if err != nil {
		return nil, fmt.Errorf("list seen edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.File, &e.FromLine, &e.ToLine); err != nil {
			return nil, fmt.Errorf("list seen edges: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list seen edges: %w", err)
	}
	return out, nil
}

// CountSeenEdges returns how many of the given edges are already in the
// frontier.
func (s *Store) CountSeenEdges(edges []Edge) (int, error) {
	seen := 0
	for _, e := range edges {
		var one int
		err := s.db.QueryRow(
			`SELECT 1 FROM seen_branches WHERE file = ? AND from_line = ? AND to_line = ?`,
			e.File, e.FromLine, e.ToLine,
		).Scan(&one)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("count seen edges: %w", err)
		}
		seen++
	}
	return seen, nil
}

// CountMatchingBugs counts prior failure rows for one target whose bug
// signature matches on exception, file, and line. A nil line matches only
// rows with NULL line.
func (s *Store) CountMatchingBugs(targetName, exception, file string, line *int) (int, error) {
	var lineVal interface{}
	if line != nil {
		lineVal = *line
	}
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE target = ? AND status IN ('bug', 'crash', 'timeout', 'error')
		  AND COALESCE(exception, '') = COALESCE(?, '')
		  AND COALESCE(file, '') = COALESCE(?, '')
		  AND ((line IS NOT NULL AND line = ?) OR (line IS NULL AND ? IS NULL))`,
		targetName, nullIfEmpty(exception), nullIfEmpty(file), lineVal, lineVal,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count matching bugs: %w", err)
	}
	return count, nil
}

// ListRuns returns every run row for a target in insertion order, for
// inspection and reporting.
func (s *Store) ListRuns(targetName string) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT iteration, seed_id, seed_text, mutated_input, status,
		       COALESCE(bug_type, ''), COALESCE(exception, ''), COALESCE(message, ''),
		       COALESCE(file, ''), line, interesting_score, target, created_at
		FROM runs WHERE target = ? ORDER BY id`,
		targetName,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var line sql.NullInt64
		if err := rows.Scan(
			&rec.Iteration, &rec.SeedID, &rec.SeedText, &rec.MutatedInput, &rec.Status,
			&rec.BugType, &rec.Exception, &rec.Message, &rec.File, &line,
			&rec.InterestingScore, &rec.Target, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		if line.Valid {
			n := int(line.Int64)
			rec.Line = &n
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// CountRuns returns the total runs recorded for a target.
func (s *Store) CountRuns(targetName string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE target = ?`, targetName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}
