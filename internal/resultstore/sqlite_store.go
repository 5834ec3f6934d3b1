// Package resultstore persists neighborhood analysis runs and their result tables
// using SQLite.
package resultstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/soma-tiles/tma/internal/neighborhood"
)

// RunStatus represents the current state of an analysis run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Result table kinds.
const (
	kindPValue   = "pvalue"
	kindFraction = "fraction"
)

// RunParams records the inputs of a run.
type RunParams struct {
	Input         string   `json:"input"`
	Stages        []string `json:"stages,omitempty"`
	SpotColumn    string   `json:"spot_column"`
	ClusterColumn string   `json:"cluster_column"`
	Permutations  int      `json:"permutations"`
	Seed          *int64   `json:"seed,omitempty"`
	Workers       int      `json:"workers"`
	// Host and PID identify the process executing the run.
	Host string `json:"host,omitempty"`
	PID  int    `json:"pid,omitempty"`
}

// Run is one analysis run.
type Run struct {
	ID          string                   `json:"run_id"`
	Status      RunStatus                `json:"status"`
	Params      RunParams                `json:"params"`
	Diagnostics neighborhood.Diagnostics `json:"diagnostics"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	FinishedAt  *time.Time               `json:"finished_at,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based result store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		diagnostics_json TEXT NOT NULL DEFAULT '{}',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

	CREATE TABLE IF NOT EXISTS run_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		row_idx INTEGER NOT NULL,
		col_idx INTEGER NOT NULL,
		spot TEXT NOT NULL,
		category TEXT NOT NULL,
		cluster TEXT NOT NULL,
		value REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_results_run ON run_results(run_id, kind, row_idx, col_idx);
	`
	_, err := s.db.Exec(schema)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateRun records a new queued run and returns it.
func (s *Store) CreateRun(params RunParams) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	run := &Run{
		ID:        uuid.NewString(),
		Status:    RunStatusQueued,
		Params:    params,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, params_json, created_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, string(run.Status), string(paramsJSON), run.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return run, nil
}

// MarkRunStarted marks a run as running with start time.
func (s *Store) MarkRunStarted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?
		WHERE run_id = ?
	`, string(RunStatusRunning), now(), runID)
	return err
}

// UpdateRunStatus updates the status; terminal states also set the finish time.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := now()
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// UpdateRunDiagnostics stores the anomaly counts of a run.
func (s *Store) UpdateRunDiagnostics(runID string, d neighborhood.Diagnostics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	_, err = s.db.Exec(`UPDATE runs SET diagnostics_json = ? WHERE run_id = ?`, string(data), runID)
	return err
}

// SaveResult replaces the stored result tables of a run in one transaction.
func (s *Store) SaveResult(runID string, res *neighborhood.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM run_results WHERE run_id = ?", runID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO run_results (run_id, kind, row_idx, col_idx, spot, category, cluster, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range []struct {
		kind   string
		report *neighborhood.Report
	}{{kindPValue, res.PValues}, {kindFraction, res.Fractions}} {
		for i, row := range t.report.Rows {
			for j, v := range row.Values {
				if _, err := stmt.Exec(runID, t.kind, i, j, row.Spot, row.Category, t.report.Clusters[j], v); err != nil {
					return fmt.Errorf("failed to insert %s row %d: %w", t.kind, i, err)
				}
			}
		}
	}

	diag, err := json.Marshal(res.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	if _, err := tx.Exec(`UPDATE runs SET diagnostics_json = ? WHERE run_id = ?`, string(diag), runID); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadResult rebuilds the result tables of a run. It returns nil if the run stored
// no results.
func (s *Store) LoadResult(runID string) (*neighborhood.Result, error) {
	run, err := s.GetRun(runID)
	if err != nil || run == nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT kind, row_idx, col_idx, spot, category, cluster, value
		FROM run_results WHERE run_id = ?
		ORDER BY kind, row_idx, col_idx
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := map[string]*neighborhood.Report{
		kindPValue:   {},
		kindFraction: {},
	}
	n := 0
	for rows.Next() {
		var kind, spot, category, cluster string
		var rowIdx, colIdx int
		var value float64
		if err := rows.Scan(&kind, &rowIdx, &colIdx, &spot, &category, &cluster, &value); err != nil {
			return nil, err
		}
		r, ok := reports[kind]
		if !ok {
			return nil, fmt.Errorf("run %s: unknown result kind %q", runID, kind)
		}
		if rowIdx == 0 && colIdx == len(r.Clusters) {
			r.Clusters = append(r.Clusters, cluster)
		}
		if rowIdx == len(r.Rows) {
			r.Rows = append(r.Rows, neighborhood.Row{Spot: spot, Category: category})
		}
		if rowIdx != len(r.Rows)-1 || colIdx != len(r.Rows[rowIdx].Values) {
			return nil, fmt.Errorf("run %s: %s results are not contiguous at (%d, %d)", runID, kind, rowIdx, colIdx)
		}
		r.Rows[rowIdx].Values = append(r.Rows[rowIdx].Values, value)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	return &neighborhood.Result{
		PValues:     reports[kindPValue],
		Fractions:   reports[kindFraction],
		Diagnostics: run.Diagnostics,
	}, nil
}

const runColumns = `run_id, status, params_json, diagnostics_json, error, created_at, started_at, finished_at`

// GetRun retrieves a run by ID. It returns nil if the run does not exist.
func (s *Store) GetRun(runID string) (*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := s.scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+`
		FROM runs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRuns(rows)
}

// MarkRunningAsFailed marks running runs as failed (for restart recovery). Runs for
// which alive reports true are left untouched; a nil alive marks every running run.
func (s *Store) MarkRunningAsFailed(errMsg string, alive func(*Run) bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE status = ?`, string(RunStatusRunning))
	if err != nil {
		return 0, err
	}
	running, err := s.scanRuns(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	var n int64
	for _, run := range running {
		if alive != nil && alive(run) {
			continue
		}
		result, err := s.db.Exec(`
			UPDATE runs SET status = ?, error = ?, finished_at = ?
			WHERE run_id = ? AND status = ?
		`, string(RunStatusFailed), errMsg, now(), run.ID, string(RunStatusRunning))
		if err != nil {
			return n, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return n, err
		}
		n += affected
	}
	return n, nil
}

// DeleteExpiredRuns deletes finished runs older than retentionDays.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM run_results WHERE run_id IN (
			SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteRun deletes a run and its results.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete results first
	_, err := s.db.Exec("DELETE FROM run_results WHERE run_id = ?", runID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

func (s *Store) scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var paramsJSON, diagJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&run.ID,
			&run.Status,
			&paramsJSON,
			&diagJSON,
			&run.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		if err := json.Unmarshal([]byte(diagJSON), &run.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
		}

		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			run.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			run.FinishedAt = &t
		}

		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
