// internal/history/store.go
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var ErrRunNotFound = errors.New("run not found")

type Config struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func DefaultConfig() Config {
	return Config{Path: "stylize-history.db"}
}

func (c Config) Validate() error {
	if c.Enabled && c.Path == "" {
		return fmt.Errorf("history path is empty")
	}
	return nil
}

type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Run - one style transfer invocation
type Run struct {
	ID         string
	Content    string
	Style      string
	Output     string
	Iterations int
	Optimizer  string
	Device     string
	Status     Status
	Error      string
	FinalLoss  float64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Iteration - losses of one optimizer step
type Iteration struct {
	RunID    string
	Index    int
	Width    int
	Height   int
	Tiles    int
	Loss     float64
	Style    float64
	Content  float64
	Duration time.Duration
}

// Store - SQLite ledger of runs and their per-iteration losses
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.db.Close()
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		style TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		iterations INTEGER NOT NULL DEFAULT 0,
		optimizer TEXT NOT NULL DEFAULT '',
		device TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT NOT NULL DEFAULT '',
		final_loss REAL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS iterations (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		tiles INTEGER NOT NULL DEFAULT 0,
		loss REAL,
		style REAL,
		content REAL,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`)
	return err
}

// finite maps NaN and infinities to NULL.
func finite(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

func value(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// StartRun stores r as running under a fresh ID and returns the stored run.
func (s *Store) StartRun(ctx context.Context, r Run) (Run, error) {
	r.ID = uuid.NewString()
	r.Status = StatusRunning
	r.StartedAt = time.Now()
	r.FinalLoss = math.NaN()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, content, style, output, iterations, optimizer, device, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Content, r.Style, r.Output, r.Iterations, r.Optimizer, r.Device, string(r.Status), r.StartedAt.UnixNano())
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

func (s *Store) RecordIteration(ctx context.Context, it Iteration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO iterations (run_id, idx, width, height, tiles, loss, style, content, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.RunID, it.Index, it.Width, it.Height, it.Tiles,
		finite(it.Loss), finite(it.Style), finite(it.Content), it.Duration.Nanoseconds())
	if err != nil {
		return fmt.Errorf("insert iteration %d: %w", it.Index, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, id string, status Status, finalLoss float64, runErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, final_loss = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), finite(finalLoss), runErr, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, content, style, output, iterations, optimizer, device, status, error, final_loss, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                 Run
		loss              sql.NullFloat64
		started, finished int64
	)
	err := row.Scan(&r.ID, &r.Content, &r.Style, &r.Output, &r.Iterations, &r.Optimizer,
		&r.Device, &r.Status, &r.Error, &loss, &started, &finished)
	if err != nil {
		return Run{}, err
	}
	r.FinalLoss = value(loss)
	r.StartedAt = time.Unix(0, started)
	if finished != 0 {
		r.FinishedAt = time.Unix(0, finished)
	}
	return r, nil
}

func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("select run: %w", err)
	}
	return r, nil
}

// Runs returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Iterations returns the recorded iterations of a run in order.
func (s *Store) Iterations(ctx context.Context, runID string) ([]Iteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, width, height, tiles, loss, style, content, duration_ns
		FROM iterations WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("select iterations: %w", err)
	}
	defer rows.Close()

	var its []Iteration
	for rows.Next() {
		it := Iteration{RunID: runID}
		var total, style, content sql.NullFloat64
		var dur int64
		if err := rows.Scan(&it.Index, &it.Width, &it.Height, &it.Tiles, &total, &style, &content, &dur); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.Loss, it.Style, it.Content = value(total), value(style), value(content)
		it.Duration = time.Duration(dur)
		its = append(its, it)
	}
	return its, rows.Err()
}

// DeleteRun removes a run and its iterations.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}
