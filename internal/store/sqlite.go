package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/timeout"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    build_id    TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    isolation   TEXT NOT NULL,
    action      TEXT NOT NULL,
    depends_on  TEXT NOT NULL DEFAULT '[]',
    timeout_ns  INTEGER,
    output      BLOB,
    description TEXT NOT NULL DEFAULT '',
    cause       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    category   TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

var migrations = []string{
	createTasksTable,
	createLogLinesTable,
	"CREATE INDEX IF NOT EXISTS idx_log_lines_task ON log_lines (task_id, seq)",
	createEventsTable,
	"CREATE INDEX IF NOT EXISTS idx_events_task ON events (task_id, id)",
	"CREATE INDEX IF NOT EXISTS idx_tasks_build ON tasks (build_id)",
}

const taskColumns = `id, build_id, name, status, isolation, action, depends_on,
	timeout_ns, output, description, cause, duration_ms,
	created_at, started_at, finished_at`

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

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	action, deps, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BuildID, t.Name, t.Status, t.Isolation, action, deps,
		t.TimeoutNS, t.Output, t.Description, t.Cause, t.DurationMS,
		t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListBuildTasks returns every task of a build in creation order.
func (s *SQLiteStore) ListBuildTasks(ctx context.Context, buildID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE build_id = ? ORDER BY created_at ASC, id ASC`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("list build tasks: %w", err)
	}
	return collectTasks(rows)
}

// UpdateTaskStatus moves a task to status. Entering running sets started_at;
// entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	return tx.Commit()
}

// UpdateTask writes every mutable field of t. A status change is checked
// against the allowed transitions.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, t.ID, t.Status); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, output = ?, description = ?, cause = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		t.Status, t.Output, t.Description, t.Cause,
		t.DurationMS, t.StartedAt, t.FinishedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	return tx.Commit()
}

// checkTransition returns ErrNotFound for an unknown task and
// ErrInvalidTransition when the task cannot move to status. Writing the
// current status again is allowed.
func checkTransition(ctx context.Context, tx *sql.Tx, id, status string) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	if current != status && !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, status)
	}
	return nil
}

// GetTaskStats returns aggregate statistics over all tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus:    make(map[string]int),
		CountByIsolation: make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN cause = ? THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN status = ? THEN duration_ms END)
		FROM tasks`,
		timeout.ErrTimeoutExceeded.Error(), model.StatusCompleted,
	).Scan(&stats.Total, &stats.TimedOut, &avg)
	if err != nil {
		return nil, fmt.Errorf("task totals: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	if err := countBy(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "isolation", stats.CountByIsolation); err != nil {
		return nil, err
	}
	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
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

// InsertLogLine appends one output line of a task.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, taskID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (task_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		taskID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the log lines of a task ordered by seq. The result is
// never nil.
func (s *SQLiteStore) GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, line, created_at FROM log_lines WHERE task_id = ? ORDER BY seq ASC",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// InsertEvent records a timeout event and sets its ID.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e *model.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO events (task_id, category, message, created_at) VALUES (?, ?, ?, ?)",
		e.TaskID, e.Category, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	return nil
}

// ListEvents returns the events of a task in the order they were recorded.
func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, category, message, created_at FROM events WHERE task_id = ? ORDER BY id ASC",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Category, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func encodeTask(t *model.Task) (action, deps string, err error) {
	a, err := json.Marshal(t.Action)
	if err != nil {
		return "", "", fmt.Errorf("encode action: %w", err)
	}
	d := t.DependsOn
	if d == nil {
		d = []string{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", "", fmt.Errorf("encode depends_on: %w", err)
	}
	return string(a), string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var action, deps string
	if err := row.Scan(
		&t.ID, &t.BuildID, &t.Name, &t.Status, &t.Isolation, &action, &deps,
		&t.TimeoutNS, &t.Output, &t.Description, &t.Cause, &t.DurationMS,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(action), &t.Action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if len(t.DependsOn) == 0 {
		t.DependsOn = nil
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	defer rows.Close()
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
