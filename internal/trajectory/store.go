package trajectory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"swebox/internal/eval"
	"swebox/internal/logging"
)

// Store indexes runs and evaluation results in SQLite so they can be
// listed and inspected without re-reading trajectory files.
type Store struct {
	db *sql.DB
}

// Run is a recorded run.
type Run struct {
	RunID     string    `json:"run_id"`
	DataPath  string    `json:"data_path"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Instances int       `json:"instances"`
	Resolved  int       `json:"resolved"`
}

// Result is one instance's outcome within a run.
type Result struct {
	RunID        string    `json:"run_id"`
	InstanceID   string    `json:"instance_id"`
	Resolved     bool      `json:"resolved"`
	PatchApplied bool      `json:"patch_applied"`
	Summary      string    `json:"summary"`
	Detail       string    `json:"detail,omitempty"` // full EvaluationResult JSON
	CreatedAt    time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	data_path  TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	run_id        TEXT NOT NULL,
	instance_id   TEXT NOT NULL,
	resolved      INTEGER NOT NULL,
	patch_applied INTEGER NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
`

// OpenStore opens (creating if needed) the run store at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize run store: %w", err)
	}

	logging.Trajectory("Run store opened: %s", path)
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun registers a run. Recording the same run twice is a no-op.
func (s *Store) RecordRun(runID, dataPath, model string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO runs (run_id, data_path, model, created_at) VALUES (?, ?, ?, ?)`,
		runID, dataPath, model, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", runID, err)
	}
	return nil
}

// RecordResult stores an evaluation result. Re-recording an instance in the
// same run replaces the previous result.
func (s *Store) RecordResult(runID string, result *eval.EvaluationResult) error {
	detail, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO results
		 (run_id, instance_id, resolved, patch_applied, summary, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, result.InstanceID, boolInt(result.Resolved), boolInt(result.PatchApplied),
		result.Summary(), string(detail), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record result for %s: %w", result.InstanceID, err)
	}
	return nil
}

// ListRuns returns runs newest first, with per-run result counts.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT r.run_id, r.data_path, r.model, r.created_at,
		       COUNT(res.instance_id), COALESCE(SUM(res.resolved), 0)
		FROM runs r
		LEFT JOIN results res ON res.run_id = r.run_id
		GROUP BY r.run_id
		ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.DataPath, &r.Model, &r.CreatedAt,
			&r.Instances, &r.Resolved); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// RunResults returns all results for a run, ordered by instance ID.
func (s *Store) RunResults(runID string) ([]*Result, error) {
	rows, err := s.db.Query(`
		SELECT run_id, instance_id, resolved, patch_applied, summary, detail, created_at
		FROM results WHERE run_id = ? ORDER BY instance_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load results for %s: %w", runID, err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		var r Result
		var resolved, applied int
		if err := rows.Scan(&r.RunID, &r.InstanceID, &resolved, &applied,
			&r.Summary, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Resolved = resolved != 0
		r.PatchApplied = applied != 0
		results = append(results, &r)
	}
	return results, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
