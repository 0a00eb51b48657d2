// Package store keeps tag's persistent state in SQLite: the experiment
// counter shared by concurrent runs and the history of finished runs.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/belindamo/tiny-agent-gym/gym"
)

//go:embed migrations/*.sql
var migrations embed.FS

const experimentCounter = "experiment"

// Store is the SQLite-backed state store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens or creates the database at dsn and applies pending
// migrations. A plain path gets WAL journaling and a busy timeout so
// several tag processes can share it; ":memory:" is accepted for tests.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
			}
		}
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: whole.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		s.log.Debug().Int64("version", r.Source.Version).Str("duration", r.Duration.String()).Msg("applied migration")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NextExperimentNumber returns the current experiment number, starting at
// 1, and advances the counter atomically.
func (s *Store) NextExperimentNumber(ctx context.Context) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 2)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, experimentCounter,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advance experiment counter: %w", err)
	}
	return next - 1, nil
}

// RunRecord is one row of run history.
type RunRecord struct {
	InstanceID   string
	AgentName    string
	RunDir       string
	TotalTime    string
	TotalScore   string
	InputTokens  *int
	OutputTokens *int
	TotalCost    *float64
	CreatedAt    time.Time
}

// RecordRun stores a finished run and its per-task outcomes, replacing an
// earlier record of the same instance.
func (s *Store) RecordRun(ctx context.Context, instanceID string, sum *gym.RunSummary) error {
	raw, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM task_results WHERE instance_id = ?`,
		`DELETE FROM runs WHERE instance_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, instanceID); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (instance_id, agent_name, run_dir, total_time, total_score,
		                   input_tokens, output_tokens, total_cost, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID, sum.AgentName, sum.RunDir, sum.TotalTime, sum.TotalScore,
		nullInt(sum.InputTokens), nullInt(sum.OutputTokens), nullFloat(sum.TotalCost),
		string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, tl := range sum.TaskLogs {
		completed := tl.Result != nil && tl.Result.Completed
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_results (instance_id, position, task_id, completed, llm_passed, eval_passed, ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			instanceID, i, tl.Task.TaskID, completed, passed(tl.LLMEvaluation), passed(tl.Evaluation), tl.MS,
		)
		if err != nil {
			return fmt.Errorf("insert task result: %w", err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, agent_name, run_dir, total_time, total_score,
		        input_tokens, output_tokens, total_cost, created_at
		 FROM runs ORDER BY created_at DESC, instance_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			in, outT sql.NullInt64
			cost     sql.NullFloat64
		)
		if err := rows.Scan(&r.InstanceID, &r.AgentName, &r.RunDir, &r.TotalTime, &r.TotalScore,
			&in, &outT, &cost, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.InputTokens = intFromNull(in)
		r.OutputTokens = intFromNull(outT)
		if cost.Valid {
			c := cost.Float64
			r.TotalCost = &c
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrRunNotFound is returned by GetSummary for an unknown instance.
var ErrRunNotFound = errors.New("run not found")

// GetSummary returns the stored summary of a run.
func (s *Store) GetSummary(ctx context.Context, instanceID string) (*gym.RunSummary, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM runs WHERE instance_id = ?`, instanceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, instanceID)
	}
	if err != nil {
		return nil, err
	}
	var sum gym.RunSummary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &sum, nil
}

func passed(r *gym.EvalResult) any {
	if r == nil {
		return nil
	}
	return r.Passed
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
