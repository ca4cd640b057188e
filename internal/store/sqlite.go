package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/forge/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    msg_id           TEXT PRIMARY KEY,
    msg_type         TEXT NOT NULL,
    status           TEXT NOT NULL,
    ename            TEXT NOT NULL DEFAULT '',
    evalue           TEXT NOT NULL DEFAULT '',
    dependencies_met INTEGER NOT NULL,
    engine           TEXT NOT NULL,
    result_bytes     INTEGER NOT NULL DEFAULT 0,
    duration_ms      INTEGER NOT NULL DEFAULT 0,
    started_at       DATETIME NOT NULL,
    completed_at     DATETIME
)`

const createTasksStatusIndex = `CREATE INDEX IF NOT EXISTS tasks_status ON tasks (status)`

const taskColumns = `msg_id, msg_type, status, ename, evalue, dependencies_met,
	engine, result_bytes, duration_ms, started_at, completed_at`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A :memory: database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createTasksStatusIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate tasks table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTask inserts a task record. Recording the same msg_id again
// replaces the earlier record.
func (s *SQLiteStore) RecordTask(ctx context.Context, rec *model.TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MsgID, rec.MsgType, string(rec.Status), rec.EName, rec.EValue, rec.DependenciesMet,
		rec.Engine, rec.ResultBytes, rec.DurationMS, rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by message id.
func (s *SQLiteStore) GetTask(ctx context.Context, msgID string) (*model.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE msg_id = ?`, msgID,
	)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// ListTasks returns a page of tasks matching filter ordered by started_at
// DESC, along with the total count of matching tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter, limit, offset int) ([]*model.TaskRecord, int, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MsgType != "" {
		conds = append(conds, "msg_type = ?")
		args = append(args, filter.MsgType)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY started_at DESC, msg_id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// GetTaskStats aggregates the whole ledger.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus:  make(map[string]int),
		CountByMsgType: make(map[string]int),
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN dependencies_met = 0 THEN 1 ELSE 0 END), 0),
			AVG(duration_ms)
		FROM tasks`,
	).Scan(&stats.Total, &stats.UnmetDependency, &avg)
	if err != nil {
		return nil, fmt.Errorf("aggregate tasks: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "msg_type", stats.CountByMsgType); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills into with row counts grouped by column. column is always
// a constant from this file.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column,
	)
	if err != nil {
		return fmt.Errorf("count tasks by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.TaskRecord, error) {
	rec := &model.TaskRecord{}
	var status string
	err := row.Scan(
		&rec.MsgID, &rec.MsgType, &status, &rec.EName, &rec.EValue, &rec.DependenciesMet,
		&rec.Engine, &rec.ResultBytes, &rec.DurationMS, &rec.StartedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)
	return rec, nil
}
