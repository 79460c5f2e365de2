package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"

	"github.com/valpere/gemmabn/internal"
)

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers; the runner is the only one.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	-- runs tracks one inference pass over one benchmark
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		dataset TEXT NOT NULL,
		table_path TEXT NOT NULL,
		backend TEXT,
		model TEXT,
		source_lang TEXT NOT NULL,
		target_lang TEXT NOT NULL,
		total_items INTEGER NOT NULL DEFAULT 0,
		start_index INTEGER NOT NULL DEFAULT 0,
		status TEXT DEFAULT 'running',
		error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- run_rows records which row indices have been flushed to the result table
	CREATE TABLE IF NOT EXISTS run_rows (
		run_id TEXT NOT NULL,
		row_idx INTEGER NOT NULL,
		status TEXT NOT NULL,
		prediction TEXT NOT NULL,
		flushed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, row_idx),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	-- prediction_memory caches extracted predictions per experiment, model,
	-- decoding settings and prompt
	CREATE TABLE IF NOT EXISTS prediction_memory (
		id TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		model TEXT NOT NULL,
		decoding TEXT NOT NULL,
		prompt TEXT NOT NULL,
		prediction TEXT NOT NULL,
		usage_count INTEGER DEFAULT 1,
		last_used TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(experiment, model, decoding, prompt)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment, dataset);
	CREATE INDEX IF NOT EXISTS idx_run_rows ON run_rows(run_id);
	CREATE INDEX IF NOT EXISTS idx_memory_lookup ON prediction_memory(experiment, model, decoding, prompt);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Run is a row from the runs table.
type Run struct {
	ID         string
	Experiment string
	Dataset    string
	TablePath  string
	Backend    string
	Model      string
	SourceLang string
	TargetLang string
	TotalItems int
	StartIndex int
	Status     string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateRun inserts run with a fresh ID and status running, returning the ID.
func (s *Store) CreateRun(ctx context.Context, run Run) (string, error) {
	id := uuid.New().String()
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, experiment, dataset, table_path, backend, model, source_lang, target_lang, total_items, start_index, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, run.Experiment, run.Dataset, run.TablePath, run.Backend, run.Model, run.SourceLang, run.TargetLang,
		run.TotalItems, run.StartIndex, RunRunning, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment, dataset, table_path, backend, model, source_lang, target_lang, total_items, start_index, status, COALESCE(error, ''), created_at, updated_at
		 FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return r, err
}

// ListRuns returns runs newest first, optionally filtered by experiment.
func (s *Store) ListRuns(ctx context.Context, experiment string) ([]Run, error) {
	query := `SELECT id, experiment, dataset, table_path, backend, model, source_lang, target_lang, total_items, start_index, status, COALESCE(error, ''), created_at, updated_at FROM runs`
	var args []interface{}
	if experiment != "" {
		query += ` WHERE experiment = ?`
		args = append(args, experiment)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	err := sc.Scan(&r.ID, &r.Experiment, &r.Dataset, &r.TablePath, &r.Backend, &r.Model, &r.SourceLang, &r.TargetLang,
		&r.TotalItems, &r.StartIndex, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CompleteRun marks a run as completed.
func (s *Store) CompleteRun(ctx context.Context, runID string) error {
	return s.setRunStatus(ctx, runID, RunCompleted, "")
}

// FailRun marks a run as failed and keeps the error message.
func (s *Store) FailRun(ctx context.Context, runID string, errMsg string) error {
	return s.setRunStatus(ctx, runID, RunFailed, errMsg)
}

func (s *Store) setRunStatus(ctx context.Context, runID, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now(), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// SaveRows records flushed rows for a run in one transaction.
func (s *Store) SaveRows(ctx context.Context, runID string, rows []internal.PredictionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO run_rows (run_id, row_idx, status, prediction, flushed_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, runID, r.Index, string(r.Status), r.Prediction, now); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, now, runID); err != nil {
		return err
	}
	return tx.Commit()
}

// DurableIndices returns the flushed row indices of a run in ascending order.
func (s *Store) DurableIndices(ctx context.Context, runID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_idx FROM run_rows WHERE run_id = ? ORDER BY row_idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

// RowStatusCounts returns how many flushed rows of a run have each status.
func (s *Store) RowStatusCounts(ctx context.Context, runID string) (map[internal.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM run_rows WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[internal.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[internal.Status(status)] = n
	}
	return counts, rows.Err()
}

// TableRowStatuses returns the most recently flushed status of every row
// recorded for a result table, across all runs that wrote to it.
func (s *Store) TableRowStatuses(ctx context.Context, tablePath string) (map[int]internal.Status, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rr.row_idx, rr.status FROM run_rows rr
		 JOIN runs r ON r.id = rr.run_id
		 WHERE r.table_path = ?
		 ORDER BY rr.rowid`, tablePath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[int]internal.Status)
	for rows.Next() {
		var idx int
		var status string
		if err := rows.Scan(&idx, &status); err != nil {
			return nil, err
		}
		statuses[idx] = internal.Status(status)
	}
	return statuses, rows.Err()
}

// GetCachedPrediction returns a remembered prediction for key.
func (s *Store) GetCachedPrediction(ctx context.Context, key internal.MemoryKey) (string, bool, error) {
	var prediction string
	prompt := normalizeText(key.Prompt)

	err := s.db.QueryRowContext(ctx,
		`SELECT prediction FROM prediction_memory WHERE experiment = ? AND model = ? AND decoding = ? AND prompt = ?`,
		key.Experiment, key.Model, key.Decoding, prompt).Scan(&prediction)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE prediction_memory SET usage_count = usage_count + 1, last_used = ?
		 WHERE experiment = ? AND model = ? AND decoding = ? AND prompt = ?`,
		time.Now(), key.Experiment, key.Model, key.Decoding, prompt)

	return prediction, true, err
}

// SaveToMemory remembers a successful prediction for key.
func (s *Store) SaveToMemory(ctx context.Context, key internal.MemoryKey, prediction string) error {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO prediction_memory (id, experiment, model, decoding, prompt, prediction, usage_count, last_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, key.Experiment, key.Model, key.Decoding, normalizeText(key.Prompt), prediction, time.Now(), time.Now())
	return err
}

// MemoryStats summarises prediction memory usage.
type MemoryStats struct {
	TotalEntries int
	TotalUsage   int
	Models       int
}

// Stats returns summary statistics for the prediction memory.
func (s *Store) Stats(ctx context.Context) (*MemoryStats, error) {
	stats := &MemoryStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(usage_count), 0),
			COUNT(DISTINCT model)
		FROM prediction_memory`).Scan(
		&stats.TotalEntries,
		&stats.TotalUsage,
		&stats.Models,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ClearMemory removes prediction memory entries, all of them when model is empty.
func (s *Store) ClearMemory(ctx context.Context, model string) (int64, error) {
	query := `DELETE FROM prediction_memory`
	var args []interface{}
	if model != "" {
		query += ` WHERE model = ?`
		args = append(args, model)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// normalizeText trims whitespace and applies Unicode NFC normalization
// for consistent cache key comparison.
func normalizeText(text string) string {
	return norm.NFC.String(strings.TrimSpace(text))
}
